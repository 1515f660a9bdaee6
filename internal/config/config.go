// Package config defines the top-level configuration for the arbitrageur and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBITRAGEUR_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Chains      []ChainConfig     `toml:"chains"`
	Sources     []SourceConfig    `toml:"sources"`
	Bridges     []BridgeConfig    `toml:"bridges"`
	Pairs       []PairConfig      `toml:"pairs"`
	Routes      []RouteConfig     `toml:"routes"`
	RateLimit   RateLimitConfig   `toml:"ratelimit"`
	Aggregator  AggregatorConfig  `toml:"aggregator"`
	Detector    DetectorConfig    `toml:"detector"`
	Execution   ExecutionConfig   `toml:"execution"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig describes where the signing key comes from. Exactly one of
// PrivateKey or EncryptedKeyPath should be set.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// TokenConfig maps an asset symbol to its on-chain contract.
type TokenConfig struct {
	Address  string `toml:"address"`
	Decimals int    `toml:"decimals"`
}

// ChainConfig describes one network the arbitrageur trades on.
type ChainConfig struct {
	Name            string                 `toml:"name"`
	ChainID         int64                  `toml:"chain_id"`
	RPCURL          string                 `toml:"rpc_url"`
	ExecutorAddress string                 `toml:"executor_address"`
	NativeSymbol    string                 `toml:"native_symbol"`
	NativeAliases   []string               `toml:"native_aliases"`
	NativeUSD       float64                `toml:"native_usd"`
	GasUnitsPerLeg  uint64                 `toml:"gas_units_per_leg"`
	GasLimit        uint64                 `toml:"gas_limit"`
	NonceResync     duration               `toml:"nonce_resync"`
	Tokens          map[string]TokenConfig `toml:"tokens"`
}

// SourceConfig describes one quote source. Which fields are required
// depends on Kind.
type SourceConfig struct {
	ID      string   `toml:"id"`
	Kind    string   `toml:"kind"`
	Chain   string   `toml:"chain"`
	Address string   `toml:"address"`
	PoolID  string   `toml:"pool_id"`
	URL     string   `toml:"url"`
	FeeRate float64  `toml:"fee_rate"`
	TTL     duration `toml:"ttl"`
	// Pools maps "BASE/QUOTE" to a pool address for pool-per-pair venues.
	Pools map[string]string `toml:"pools"`
	// ProbeAmount is the base-asset amount simulated by vault sources.
	ProbeAmount float64 `toml:"probe_amount"`
	// RequestsPerSecond and Burst override the ratelimit defaults when set.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	// TradeAddress is the contract the executor routes through. It defaults
	// to Address; sources with neither are quote-only.
	TradeAddress string     `toml:"trade_address"`
	Auth         AuthConfig `toml:"auth"`
}

// AuthConfig holds HMAC credentials for signed quote APIs.
type AuthConfig struct {
	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	Passphrase string `toml:"passphrase"`
	// HeaderPrefix defaults to "X-API".
	HeaderPrefix string `toml:"header_prefix"`
}

// Enabled reports whether requests should be signed.
func (a AuthConfig) Enabled() bool {
	return a.APIKey != "" && a.APISecret != ""
}

// BridgeConfig describes a transfer-cost oracle.
type BridgeConfig struct {
	ID   string     `toml:"id"`
	URL  string     `toml:"url"`
	TTL  duration   `toml:"ttl"`
	Auth AuthConfig `toml:"auth"`
}

// PairConfig is one asset pair in the active token set.
type PairConfig struct {
	Base  string `toml:"base"`
	Quote string `toml:"quote"`
}

// RouteConfig is a cross-chain transfer route under consideration.
type RouteConfig struct {
	From  string `toml:"from"`
	To    string `toml:"to"`
	Asset string `toml:"asset"`
}

// RateLimitConfig holds the per-source defaults of the client layer.
type RateLimitConfig struct {
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	MaxWait           duration `toml:"max_wait"`
	MaxRetries        int      `toml:"max_retries"`
	BaseBackoff       duration `toml:"base_backoff"`
	MaxBackoff        duration `toml:"max_backoff"`
	CacheTTL          duration `toml:"cache_ttl"`
	BreakerThreshold  uint32   `toml:"breaker_threshold"`
	BreakerCooldown   duration `toml:"breaker_cooldown"`
}

// AggregatorConfig bounds the quote fan-out.
type AggregatorConfig struct {
	MaxInFlight  int      `toml:"max_in_flight"`
	CallTimeout  duration `toml:"call_timeout"`
	CycleTimeout duration `toml:"cycle_timeout"`
}

// DetectorConfig holds the opportunity scoring parameters.
type DetectorConfig struct {
	MinProfitUSD      float64            `toml:"min_profit_usd"`
	MinProfitPercent  float64            `toml:"min_profit_percent"`
	SlippageFactor    float64            `toml:"slippage_factor"`
	MaxTradeUSD       float64            `toml:"max_trade_usd"`
	Sizing            string             `toml:"sizing"`
	BalanceFraction   float64            `toml:"balance_fraction"`
	BasketWeights     map[string]float64 `toml:"basket_weights"`
	DepthReference    float64            `toml:"depth_reference"`
	HistoryWeight     float64            `toml:"history_weight"`
	ConfidenceTimeout duration           `toml:"confidence_timeout"`
}

// ExecutionConfig holds the execution pipeline parameters.
type ExecutionConfig struct {
	DryRun            bool     `toml:"dry_run"`
	Timeout           duration `toml:"timeout"`
	PreflightTimeout  duration `toml:"preflight_timeout"`
	SubmitRetries     int      `toml:"submit_retries"`
	ConfirmInitial    duration `toml:"confirm_initial"`
	ConfirmFactor     float64  `toml:"confirm_factor"`
	ConfirmMax        duration `toml:"confirm_max"`
	ConfirmTimeout    duration `toml:"confirm_timeout"`
	DeadlineWindow    duration `toml:"deadline_window"`
	SlippageTolerance float64  `toml:"slippage_tolerance"`
	MaxFeeMultiplier  float64  `toml:"max_fee_multiplier"`
	// DryRunBalances sizes trades when no wallet is configured. Keys are
	// "chain:ASSET".
	DryRunBalances map[string]float64 `toml:"dry_run_balances"`
}

// CoordinatorConfig holds scan scheduling and locking parameters.
type CoordinatorConfig struct {
	ScanInterval    duration `toml:"scan_interval"`
	RecentAttempts  int      `toml:"recent_attempts"`
	DistributedLock bool     `toml:"distributed_lock"`
	LockKey         string   `toml:"lock_key"`
	LockTTL         duration `toml:"lock_ttl"`
	GasRefresh      duration `toml:"gas_refresh"`
	BalanceRefresh  duration `toml:"balance_refresh"`
	BalanceMaxAge   duration `toml:"balance_max_age"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	// StatsWindow limits route success rates to recent attempts; zero
	// means all history.
	StatsWindow duration `toml:"stats_window"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	QuoteCache bool   `toml:"quote_cache"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	BatchSize      int      `toml:"batch_size"`
	FlushInterval  duration `toml:"flush_interval"`
}

// duration wraps time.Duration so that it can be decoded from a TOML string
// such as "5m" or "1h30m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials and event filters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Label             string   `toml:"label"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             5,
			MaxWait:           duration{500 * time.Millisecond},
			MaxRetries:        3,
			BaseBackoff:       duration{100 * time.Millisecond},
			MaxBackoff:        duration{2 * time.Second},
			CacheTTL:          duration{2 * time.Second},
			BreakerThreshold:  5,
			BreakerCooldown:   duration{30 * time.Second},
		},
		Aggregator: AggregatorConfig{
			MaxInFlight:  16,
			CallTimeout:  duration{2 * time.Second},
			CycleTimeout: duration{4 * time.Second},
		},
		Detector: DetectorConfig{
			MinProfitUSD:      2,
			MinProfitPercent:  0.5,
			SlippageFactor:    1,
			MaxTradeUSD:       1000,
			Sizing:            "fraction",
			BalanceFraction:   0.25,
			DepthReference:    1_000_000,
			HistoryWeight:     0.5,
			ConfidenceTimeout: duration{100 * time.Millisecond},
		},
		Execution: ExecutionConfig{
			DryRun:            false,
			Timeout:           duration{30 * time.Second},
			PreflightTimeout:  duration{2 * time.Second},
			SubmitRetries:     3,
			ConfirmInitial:    duration{250 * time.Millisecond},
			ConfirmFactor:     1.5,
			ConfirmMax:        duration{2 * time.Second},
			ConfirmTimeout:    duration{10 * time.Second},
			DeadlineWindow:    duration{60 * time.Second},
			SlippageTolerance: 0.005,
			MaxFeeMultiplier:  2,
		},
		Coordinator: CoordinatorConfig{
			ScanInterval:   duration{time.Second},
			RecentAttempts: 20,
			LockKey:        "arbitrageur:execution",
			LockTTL:        duration{2 * time.Minute},
			GasRefresh:     duration{15 * time.Second},
			BalanceRefresh: duration{30 * time.Second},
			BalanceMaxAge:  duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			StatsWindow:   duration{7 * 24 * time.Hour},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			QuoteCache: true,
			KeyPrefix:  "arbitrageur",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbitrageur-data",
			Prefix:         "arbitrageur",
			ForcePathStyle: true,
			BatchSize:      100,
			FlushInterval:  duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8000,
			RateLimit: 10,
			RateBurst: 20,
		},
		Notify: NotifyConfig{
			Events:   []string{"system_failure", "unknown", "circuit_open", "fatal"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// ExecutionGrace is how much longer than execution.timeout the coordinator
// waits before forcing an attempt to unknown.
const ExecutionGrace = 15 * time.Second

var validModes = map[string]bool{
	"full":    true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validKinds = map[string]bool{
	"constant_product":       true,
	"concentrated_liquidity": true,
	"vault":                  true,
	"proxy":                  true,
}

// Validate checks the configuration for logical errors and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Execution.DryRun && c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" &&
		c.Mode == "full" && len(c.Execution.DryRunBalances) == 0 {
		errs = append(errs, "execution.dry_run_balances is required for a dry run without a wallet")
	}
	if c.Mode == "full" && !c.Execution.DryRun {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet.private_key or wallet.encrypted_key_path is required in full mode")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet.key_password is required with wallet.encrypted_key_path")
		}
	}

	chains := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		switch {
		case ch.Name == "":
			errs = append(errs, fmt.Sprintf("chains[%d].name is required", i))
		case chains[ch.Name]:
			errs = append(errs, fmt.Sprintf("chains[%d]: duplicate chain %q", i, ch.Name))
		}
		chains[ch.Name] = true
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("chains[%d].rpc_url is required", i))
		}
		if ch.ChainID <= 0 {
			errs = append(errs, fmt.Sprintf("chains[%d].chain_id must be positive", i))
		}
		if c.Mode == "full" && ch.ExecutorAddress == "" {
			errs = append(errs, fmt.Sprintf("chains[%d].executor_address is required in full mode", i))
		}
	}
	if len(c.Chains) == 0 {
		errs = append(errs, "at least one [[chains]] entry is required")
	}

	ids := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].id is required", i))
		} else if ids[s.ID] {
			errs = append(errs, fmt.Sprintf("sources[%d]: duplicate id %q", i, s.ID))
		}
		ids[s.ID] = true
		if !validKinds[s.Kind] {
			errs = append(errs, fmt.Sprintf("sources[%d]: unknown kind %q", i, s.Kind))
		}
		if !chains[s.Chain] {
			errs = append(errs, fmt.Sprintf("sources[%d]: unknown chain %q", i, s.Chain))
		}
		if s.Kind == "proxy" && s.URL == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].url is required for proxy sources", i))
		}
		if s.Kind == "vault" && (s.Address == "" || s.PoolID == "") {
			errs = append(errs, fmt.Sprintf("sources[%d]: vault sources need address and pool_id", i))
		}
		if s.FeeRate < 0 || s.FeeRate >= 1 {
			errs = append(errs, fmt.Sprintf("sources[%d].fee_rate must be in [0, 1)", i))
		}
		if s.TTL.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("sources[%d].ttl must be positive", i))
		}
	}
	if len(c.Sources) < 2 {
		errs = append(errs, "at least two [[sources]] are required to compare prices")
	}

	for i, b := range c.Bridges {
		if b.ID == "" || b.URL == "" {
			errs = append(errs, fmt.Sprintf("bridges[%d]: id and url are required", i))
		}
		if b.TTL.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("bridges[%d].ttl must be positive", i))
		}
	}
	for i, r := range c.Routes {
		if !chains[r.From] || !chains[r.To] || r.From == r.To {
			errs = append(errs, fmt.Sprintf("routes[%d]: invalid chains %q -> %q", i, r.From, r.To))
		}
		if r.Asset == "" {
			errs = append(errs, fmt.Sprintf("routes[%d].asset is required", i))
		}
	}
	if len(c.Routes) > 0 && len(c.Bridges) == 0 {
		errs = append(errs, "routes are configured but no [[bridges]] can price them")
	}
	if len(c.Pairs) == 0 {
		errs = append(errs, "at least one [[pairs]] entry is required")
	}
	for i, p := range c.Pairs {
		if p.Base == "" || p.Quote == "" || p.Base == p.Quote {
			errs = append(errs, fmt.Sprintf("pairs[%d]: invalid pair %s/%s", i, p.Base, p.Quote))
		}
	}

	rl := c.RateLimit
	if rl.RequestsPerSecond <= 0 || rl.Burst < 1 {
		errs = append(errs, "ratelimit.requests_per_second must be positive and ratelimit.burst at least 1")
	}
	if rl.MaxRetries < 0 || rl.BaseBackoff.Duration <= 0 || rl.MaxBackoff.Duration < rl.BaseBackoff.Duration {
		errs = append(errs, "ratelimit retry settings are invalid (max_retries >= 0, 0 < base_backoff <= max_backoff)")
	}
	if rl.BreakerThreshold == 0 || rl.BreakerCooldown.Duration <= 0 {
		errs = append(errs, "ratelimit.breaker_threshold and ratelimit.breaker_cooldown must be positive")
	}

	ag := c.Aggregator
	if ag.MaxInFlight < 1 {
		errs = append(errs, "aggregator.max_in_flight must be at least 1")
	}
	if ag.CallTimeout.Duration <= 0 || ag.CycleTimeout.Duration <= 0 {
		errs = append(errs, "aggregator timeouts must be positive")
	}

	d := c.Detector
	if d.MinProfitUSD < 0 || d.MinProfitPercent < 0 {
		errs = append(errs, "detector profit floors must be non-negative")
	}
	if d.MaxTradeUSD <= 0 {
		errs = append(errs, "detector.max_trade_usd must be positive")
	}
	switch d.Sizing {
	case "fraction":
		if d.BalanceFraction <= 0 || d.BalanceFraction > 1 {
			errs = append(errs, "detector.balance_fraction must be in (0, 1]")
		}
	case "basket":
		if len(d.BasketWeights) == 0 {
			errs = append(errs, "detector.basket_weights is required with sizing = \"basket\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown detector.sizing %q (valid: fraction, basket)", d.Sizing))
	}
	if d.HistoryWeight < 0 || d.HistoryWeight > 1 {
		errs = append(errs, "detector.history_weight must be in [0, 1]")
	}

	e := c.Execution
	if e.Timeout.Duration <= e.ConfirmTimeout.Duration {
		errs = append(errs, "execution.timeout must exceed execution.confirm_timeout")
	}
	if e.ConfirmInitial.Duration <= 0 || e.ConfirmFactor < 1 || e.ConfirmMax.Duration < e.ConfirmInitial.Duration {
		errs = append(errs, "execution confirmation polling settings are invalid")
	}
	if e.SubmitRetries < 0 {
		errs = append(errs, "execution.submit_retries must be non-negative")
	}
	if e.SlippageTolerance < 0 || e.SlippageTolerance >= 1 {
		errs = append(errs, "execution.slippage_tolerance must be in [0, 1)")
	}

	if c.Coordinator.ScanInterval.Duration <= 0 {
		errs = append(errs, "coordinator.scan_interval must be positive")
	}
	if c.Coordinator.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "coordinator.distributed_lock requires redis.enabled")
	}
	if c.Coordinator.DistributedLock && c.Coordinator.LockTTL.Duration <= e.Timeout.Duration+ExecutionGrace {
		errs = append(errs, fmt.Sprintf("coordinator.lock_ttl must exceed execution.timeout plus %s", ExecutionGrace))
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres.dsn or postgres.host is required when postgres is enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3.bucket is required when s3 is enabled")
	}
	if c.S3.Enabled && (c.S3.BatchSize < 1 || c.S3.FlushInterval.Duration <= 0) {
		errs = append(errs, "s3.batch_size and s3.flush_interval must be positive")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
