package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/arbitrageur/internal/aggregator"
	s3blob "github.com/alanyoungcy/arbitrageur/internal/blob/s3"
	"github.com/alanyoungcy/arbitrageur/internal/cache/redis"
	"github.com/alanyoungcy/arbitrageur/internal/config"
	"github.com/alanyoungcy/arbitrageur/internal/coordinator"
	"github.com/alanyoungcy/arbitrageur/internal/crypto"
	"github.com/alanyoungcy/arbitrageur/internal/detector"
	"github.com/alanyoungcy/arbitrageur/internal/domain"
	"github.com/alanyoungcy/arbitrageur/internal/executor"
	"github.com/alanyoungcy/arbitrageur/internal/gas"
	"github.com/alanyoungcy/arbitrageur/internal/history"
	"github.com/alanyoungcy/arbitrageur/internal/inventory"
	"github.com/alanyoungcy/arbitrageur/internal/metrics"
	"github.com/alanyoungcy/arbitrageur/internal/notify"
	"github.com/alanyoungcy/arbitrageur/internal/ratelimit"
	"github.com/alanyoungcy/arbitrageur/internal/server"
	"github.com/alanyoungcy/arbitrageur/internal/server/handler"
	"github.com/alanyoungcy/arbitrageur/internal/server/ws"
	"github.com/alanyoungcy/arbitrageur/internal/store/postgres"
	"github.com/alanyoungcy/arbitrageur/internal/venue"
)

// Dependencies bundles the long-running components. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Pipeline    *executor.Pipeline
	Gas         *gas.Tracker
	// Inventory is nil when balances come from a static dry-run table.
	Inventory *inventory.Service
	// Archiver, Server and Bus are nil when their backends are disabled.
	Archiver *s3blob.Archiver
	Server   *server.Server
	Bus      *redis.EventBus
	Hub      *ws.Hub
	Notifier *notify.Notifier
	Registry *prometheus.Registry
}

// chainHandles holds the per-chain connections shared by every component.
type chainHandles struct {
	eth    *ethclient.Client
	tokens map[string]venue.Token
}

// Wire constructs every concrete implementation from cfg and returns them
// together with a cleanup function that releases connections in reverse
// order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Registry: prometheus.NewRegistry()}
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(deps.Registry)

	// --- Wallet ---
	var signer *crypto.Signer
	keySrc := crypto.KeySource{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}
	if keySrc.Configured() {
		s, err := crypto.NewSignerFromSource(keySrc)
		if err != nil {
			return fail(fmt.Errorf("wire: wallet: %w", err))
		}
		signer = s
		logger.Info("wallet loaded", slog.String("address", signer.Address().Hex()))
	}

	// --- Chains ---
	handles := make(map[domain.Chain]chainHandles, len(cfg.Chains))
	var (
		gasChains  []gas.Chain
		invChains  []inventory.Chain
		execChains []executor.Chain
	)
	for _, ch := range cfg.Chains {
		rc, err := rpc.DialContext(ctx, ch.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: dial %s: %w", ch.Name, err))
		}
		closers = append(closers, rc.Close)

		name := domain.Chain(ch.Name)
		h := chainHandles{eth: ethclient.NewClient(rc), tokens: tokens(ch.Tokens)}
		handles[name] = h

		gasChains = append(gasChains, gas.Chain{
			Name:           name,
			Reader:         h.eth,
			GasUnitsPerLeg: ch.GasUnitsPerLeg,
			NativeSymbol:   ch.NativeSymbol,
			NativeAliases:  ch.NativeAliases,
			NativeUSD:      ch.NativeUSD,
		})
		invChains = append(invChains, inventory.Chain{
			Name:         name,
			Client:       rc,
			NativeSymbol: ch.NativeSymbol,
			Tokens:       h.tokens,
		})
		execChains = append(execChains, executor.Chain{
			Name:        name,
			ChainID:     big.NewInt(ch.ChainID),
			Client:      executor.NewChainClient(rc),
			Executor:    common.HexToAddress(ch.ExecutorAddress),
			GasLimit:    ch.GasLimit,
			Tokens:      h.tokens,
			NonceResync: ch.NonceResync.Duration,
		})
	}

	// --- Redis ---
	var (
		sharedQuotes domain.QuoteCache
		distLock     domain.LockManager
	)
	checks := make(map[string]handler.Check)
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		checks["redis"] = rc.Ping

		if cfg.Redis.QuoteCache {
			sharedQuotes = redis.NewQuoteCache(rc)
		}
		if cfg.Coordinator.DistributedLock {
			distLock = redis.NewLockManager(rc)
		}
		deps.Bus = redis.NewEventBus(rc)
	}

	// --- Quote sources ---
	httpClient := &http.Client{Timeout: cfg.Aggregator.CallTimeout.Duration}
	var rlOpts []ratelimit.Option
	if sharedQuotes != nil {
		rlOpts = append(rlOpts, ratelimit.WithSharedCache(sharedQuotes))
	}

	var quoteClients []aggregator.QuoteClient
	venues := make(map[string]executor.Venue)
	for _, sc := range cfg.Sources {
		vcfg, err := sourceConfig(sc)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		h := handles[vcfg.Chain]
		src, err := venue.Build(vcfg, venue.Deps{
			Caller: h.eth,
			Tokens: h.tokens,
			HTTP:   httpClient,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		quoteClients = append(quoteClients,
			ratelimit.New(src, rateLimits(cfg.RateLimit, sc.RequestsPerSecond, sc.Burst), logger, rlOpts...))

		trade := sc.TradeAddress
		if trade == "" {
			trade = sc.Address
		}
		if trade != "" {
			venues[sc.ID] = executor.Venue{Chain: vcfg.Chain, Address: common.HexToAddress(trade)}
		} else {
			logger.Warn("source has no trade address, quotes only", slog.String("source", sc.ID))
		}
	}

	var transferClients []aggregator.TransferClient
	for _, bc := range cfg.Bridges {
		src, err := venue.NewTransferCost(venue.SourceConfig{
			ID:   bc.ID,
			Kind: domain.VenueTransferCost,
			URL:  bc.URL,
			TTL:  bc.TTL.Duration,
			Auth: requestAuth(bc.Auth),
		}, venue.Deps{HTTP: httpClient})
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		transferClients = append(transferClients,
			ratelimit.NewTransfer(src, rateLimits(cfg.RateLimit, 0, 0), logger, rlOpts...))
	}

	agg := aggregator.New(quoteClients, transferClients, aggregator.Config{
		MaxInFlight:  cfg.Aggregator.MaxInFlight,
		CallTimeout:  cfg.Aggregator.CallTimeout.Duration,
		CycleTimeout: cfg.Aggregator.CycleTimeout.Duration,
	}, logger)

	deps.Gas = gas.NewTracker(gasChains, logger)

	// --- Balances ---
	var balances domain.BalanceProvider
	if signer != nil {
		deps.Inventory = inventory.New(signer.Address(), invChains, cfg.Coordinator.BalanceMaxAge.Duration, logger)
		balances = deps.Inventory
	} else {
		balances = inventory.Static(cfg.Execution.DryRunBalances)
		logger.Warn("no wallet configured, sizing from dry_run_balances")
	}

	// --- PostgreSQL ---
	var store domain.AttemptStore
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		checks["postgres"] = pg.Pool().Ping
		store = postgres.NewAttemptStore(pg.Pool(), cfg.Postgres.StatsWindow.Duration)
	}

	// --- S3 archive ---
	var sinks []domain.HistorySink
	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		checks["s3"] = s3c.Health
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3c), cfg.S3.Prefix, cfg.S3.BatchSize, logger)
		sinks = append(sinks, deps.Archiver)
	}
	recorder := history.NewRecorder(store, logger, sinks...)

	// --- Detector ---
	sizing, err := detector.NewSizing(cfg.Detector.Sizing, balances, cfg.Detector.BalanceFraction, cfg.Detector.BasketWeights)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	det := detector.New(detector.Config{
		MinProfitUSD:      cfg.Detector.MinProfitUSD,
		MinProfitPercent:  cfg.Detector.MinProfitPercent,
		SlippageFactor:    cfg.Detector.SlippageFactor,
		MaxTradeUSD:       cfg.Detector.MaxTradeUSD,
		DepthReference:    cfg.Detector.DepthReference,
		HistoryWeight:     cfg.Detector.HistoryWeight,
		ConfidenceTimeout: cfg.Detector.ConfidenceTimeout.Duration,
	}, sizing, deps.Gas, recorder, logger)

	// --- Execution pipeline ---
	var txSigner executor.TxSigner
	if signer != nil {
		txSigner = signer
	}
	deps.Pipeline = executor.New(executor.Config{
		DryRun:            cfg.Execution.DryRun,
		Timeout:           cfg.Execution.Timeout.Duration,
		PreflightTimeout:  cfg.Execution.PreflightTimeout.Duration,
		SubmitRetries:     cfg.Execution.SubmitRetries,
		ConfirmInitial:    cfg.Execution.ConfirmInitial.Duration,
		ConfirmFactor:     cfg.Execution.ConfirmFactor,
		ConfirmMax:        cfg.Execution.ConfirmMax.Duration,
		ConfirmTimeout:    cfg.Execution.ConfirmTimeout.Duration,
		DeadlineWindow:    cfg.Execution.DeadlineWindow.Duration,
		SlippageTolerance: cfg.Execution.SlippageTolerance,
		MaxFeeMultiplier:  cfg.Execution.MaxFeeMultiplier,
	}, execChains, venues, txSigner, deps.Gas, logger)

	active := pairs(cfg.Pairs)
	if n, err := deps.Pipeline.Prewarm(active); err != nil {
		logger.Warn("template prewarm incomplete", slog.Int("templates", n), slog.String("error", err.Error()))
	} else {
		logger.Info("templates prewarmed", slog.Int("templates", n))
	}

	// --- Alerts ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, ""))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Config{
		Events:   cfg.Notify.Events,
		Label:    cfg.Notify.Label,
		Cooldown: cfg.Notify.Cooldown.Duration,
	}, logger)

	// --- Coordinator ---
	deps.Hub = ws.NewHub(logger)
	bus := fanout{deps.Hub}
	if deps.Bus != nil {
		bus = append(bus, deps.Bus)
	}
	deps.Coordinator = coordinator.New(coordinator.Config{
		Pairs:            active,
		Routes:           routes(cfg.Routes),
		ScanInterval:     cfg.Coordinator.ScanInterval.Duration,
		ExecutionTimeout: cfg.Execution.Timeout.Duration + config.ExecutionGrace,
		ReconcileTimeout: cfg.Execution.ConfirmTimeout.Duration,
		RecentAttempts:   cfg.Coordinator.RecentAttempts,
		MonitorOnly:      strings.EqualFold(cfg.Mode, "monitor"),
	}, coordinator.Deps{
		Aggregator: agg,
		Detector:   det,
		Pipeline:   deps.Pipeline,
		Lock:       coordinator.NewExecLock(distLock, cfg.Coordinator.LockKey, cfg.Coordinator.LockTTL.Duration),
		Balances:   balances,
		History:    recorder,
		Bus:        bus,
		Alerts:     deps.Notifier,
		Observer:   m,
		Quotes:     deps.Gas,
		OnStatus:   deps.Hub.PublishStatus,
	}, logger)

	// --- Status API ---
	if cfg.Server.Enabled {
		deps.Server = server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
			RateBurst:   cfg.Server.RateBurst,
		}, server.Handlers{
			Health:  handler.NewHealthHandler(checks, logger),
			Status:  handler.NewStatusHandler(deps.Coordinator, recorder, cfg.Mode, logger),
			Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
		}, deps.Hub, logger)
	}

	return deps, cleanup, nil
}

// fanout publishes to every bus and joins their errors.
type fanout []domain.EventBus

func (f fanout) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, b := range f {
		if err := b.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func tokens(in map[string]config.TokenConfig) map[string]venue.Token {
	out := make(map[string]venue.Token, len(in))
	for sym, t := range in {
		out[sym] = venue.Token{Symbol: sym, Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
	}
	return out
}

func sourceConfig(sc config.SourceConfig) (venue.SourceConfig, error) {
	out := venue.SourceConfig{
		ID:          sc.ID,
		Kind:        domain.VenueKind(sc.Kind),
		Chain:       domain.Chain(sc.Chain),
		URL:         sc.URL,
		FeeRate:     sc.FeeRate,
		TTL:         sc.TTL.Duration,
		ProbeAmount: sc.ProbeAmount,
		Auth:        requestAuth(sc.Auth),
	}
	if sc.Address != "" {
		out.Address = common.HexToAddress(sc.Address)
	}
	if sc.PoolID != "" {
		out.PoolID = common.HexToHash(sc.PoolID)
	}
	if len(sc.Pools) > 0 {
		out.Pools = make(map[domain.Pair]common.Address, len(sc.Pools))
		for key, addr := range sc.Pools {
			pair, err := venue.ParsePair(key)
			if err != nil {
				return venue.SourceConfig{}, fmt.Errorf("source %s: %w", sc.ID, err)
			}
			out.Pools[pair] = common.HexToAddress(addr)
		}
	}
	return out, nil
}

// requestAuth returns nil when a has no credentials so adapters send
// unsigned requests.
func requestAuth(a config.AuthConfig) venue.RequestAuth {
	if !a.Enabled() {
		return nil
	}
	return crypto.NewHMACAuth(a.APIKey, a.APISecret, a.Passphrase, a.HeaderPrefix)
}

func rateLimits(rl config.RateLimitConfig, rps float64, burst int) ratelimit.Config {
	out := ratelimit.Config{
		RequestsPerSecond: rl.RequestsPerSecond,
		Burst:             rl.Burst,
		MaxWait:           rl.MaxWait.Duration,
		MaxRetries:        rl.MaxRetries,
		BaseBackoff:       rl.BaseBackoff.Duration,
		MaxBackoff:        rl.MaxBackoff.Duration,
		CacheTTL:          rl.CacheTTL.Duration,
		BreakerThreshold:  rl.BreakerThreshold,
		BreakerCooldown:   rl.BreakerCooldown.Duration,
	}
	if rps > 0 {
		out.RequestsPerSecond = rps
	}
	if burst > 0 {
		out.Burst = burst
	}
	return out
}

func pairs(in []config.PairConfig) []domain.Pair {
	out := make([]domain.Pair, len(in))
	for i, p := range in {
		out[i] = domain.Pair{Base: p.Base, Quote: p.Quote}
	}
	return out
}

func routes(in []config.RouteConfig) []domain.TransferRoute {
	out := make([]domain.TransferRoute, len(in))
	for i, r := range in {
		out[i] = domain.TransferRoute{From: domain.Chain(r.From), To: domain.Chain(r.To), Asset: r.Asset}
	}
	return out
}
