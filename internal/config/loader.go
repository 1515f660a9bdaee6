package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBITRAGEUR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBITRAGEUR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ARBITRAGEUR_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ARBITRAGEUR_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ARBITRAGEUR_WALLET_KEY_PASSWORD")

	// ── Chains ── RPC endpoints usually embed provider API keys.
	for i := range cfg.Chains {
		name := envName(cfg.Chains[i].Name)
		setStr(&cfg.Chains[i].RPCURL, "ARBITRAGEUR_CHAIN_"+name+"_RPC_URL")
	}

	// ── Sources and bridges ── signed APIs take credentials from the env.
	for i := range cfg.Sources {
		setAuth(&cfg.Sources[i].Auth, "ARBITRAGEUR_SOURCE_"+envName(cfg.Sources[i].ID))
	}
	for i := range cfg.Bridges {
		setAuth(&cfg.Bridges[i].Auth, "ARBITRAGEUR_BRIDGE_"+envName(cfg.Bridges[i].ID))
	}

	// ── Detector ──
	setFloat64(&cfg.Detector.MinProfitUSD, "ARBITRAGEUR_DETECTOR_MIN_PROFIT_USD")
	setFloat64(&cfg.Detector.MinProfitPercent, "ARBITRAGEUR_DETECTOR_MIN_PROFIT_PERCENT")
	setFloat64(&cfg.Detector.MaxTradeUSD, "ARBITRAGEUR_DETECTOR_MAX_TRADE_USD")
	setStr(&cfg.Detector.Sizing, "ARBITRAGEUR_DETECTOR_SIZING")
	setFloat64(&cfg.Detector.BalanceFraction, "ARBITRAGEUR_DETECTOR_BALANCE_FRACTION")

	// ── Execution ──
	setBool(&cfg.Execution.DryRun, "ARBITRAGEUR_EXECUTION_DRY_RUN")
	setDuration(&cfg.Execution.Timeout, "ARBITRAGEUR_EXECUTION_TIMEOUT")
	setDuration(&cfg.Execution.ConfirmTimeout, "ARBITRAGEUR_EXECUTION_CONFIRM_TIMEOUT")
	setInt(&cfg.Execution.SubmitRetries, "ARBITRAGEUR_EXECUTION_SUBMIT_RETRIES")

	// ── Coordinator ──
	setDuration(&cfg.Coordinator.ScanInterval, "ARBITRAGEUR_COORDINATOR_SCAN_INTERVAL")
	setBool(&cfg.Coordinator.DistributedLock, "ARBITRAGEUR_COORDINATOR_DISTRIBUTED_LOCK")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARBITRAGEUR_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARBITRAGEUR_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBITRAGEUR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBITRAGEUR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBITRAGEUR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBITRAGEUR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBITRAGEUR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBITRAGEUR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBITRAGEUR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBITRAGEUR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBITRAGEUR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBITRAGEUR_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBITRAGEUR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBITRAGEUR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBITRAGEUR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBITRAGEUR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBITRAGEUR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBITRAGEUR_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARBITRAGEUR_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBITRAGEUR_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBITRAGEUR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBITRAGEUR_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBITRAGEUR_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "ARBITRAGEUR_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "ARBITRAGEUR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBITRAGEUR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBITRAGEUR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBITRAGEUR_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBITRAGEUR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBITRAGEUR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBITRAGEUR_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARBITRAGEUR_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBITRAGEUR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBITRAGEUR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBITRAGEUR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBITRAGEUR_NOTIFY_EVENTS")
	setStr(&cfg.Notify.Label, "ARBITRAGEUR_NOTIFY_LABEL")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBITRAGEUR_MODE")
	setStr(&cfg.LogLevel, "ARBITRAGEUR_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setAuth(dst *AuthConfig, prefix string) {
	setStr(&dst.APIKey, prefix+"_API_KEY")
	setStr(&dst.APISecret, prefix+"_API_SECRET")
	setStr(&dst.Passphrase, prefix+"_PASSPHRASE")
}

// envName upper-cases an identifier and maps separators to underscores.
func envName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(id))
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
