package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/allocator"
	"github.com/terminal-bench/leasehub/internal/api"
	"github.com/terminal-bench/leasehub/internal/config"
	"github.com/terminal-bench/leasehub/internal/dedup"
	"github.com/terminal-bench/leasehub/internal/ledger"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/monitor"
	"github.com/terminal-bench/leasehub/internal/pool"
	"github.com/terminal-bench/leasehub/internal/pricing"
	"github.com/terminal-bench/leasehub/internal/registry"
	"github.com/terminal-bench/leasehub/internal/reputation"
	"github.com/terminal-bench/leasehub/internal/settlement"
	"github.com/terminal-bench/leasehub/internal/store"
	"github.com/terminal-bench/leasehub/pkg/circuit"
	"github.com/terminal-bench/leasehub/pkg/messaging"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "leasehub-server",
		Usage: "lease storage and computing power to registered devices",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "http-addr", Usage: "listen address of the API and monitor endpoint"},
			&cli.StringFlag{Name: "store", Usage: "postgres or memory"},
			&cli.StringFlag{Name: "log-level", Usage: "zerolog level"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "issue a token for a traffic monitor",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "segment", Value: "default", Usage: "network segment the monitor watches"},
					&cli.DurationFlag{Name: "ttl", Value: 30 * 24 * time.Hour},
				},
				Action: issueToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Server, error) {
	cfg, err := config.LoadServer()
	if err != nil {
		return nil, err
	}
	if c.IsSet("http-addr") {
		cfg.HTTPAddr = c.String("http-addr")
	}
	if c.IsSet("store") {
		cfg.Store = c.String("store")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(os.Stdout).Level(lvl).With().
		Timestamp().
		Str("service", "leasehub-server").
		Logger(), nil
}

func issueToken(c *cli.Context) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	if len(cfg.JWTSecret) < 16 {
		return errors.New("JWT_SECRET must be at least 16 characters")
	}
	token, err := monitor.NewAuthenticator(cfg.JWTSecret).Issue(c.String("segment"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func openStore(ctx context.Context, cfg *config.Server, policy circuit.Policy, log zerolog.Logger) (store.Store, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("using the in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	}

	pg, err := store.Open(cfg.DatabaseURL, policy)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := circuit.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     circuit.DefaultPolicy.Backoff,
		MaxBackoff:  circuit.DefaultPolicy.MaxBackoff,
		Timeout:     cfg.RequestTimeout,
	}

	st, err := openStore(ctx, cfg, policy, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "leasehub-server",
		ReconnectWait:  time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer bus.Close()

	lc, err := ledger.NewNATSClient(bus, ledger.NATSConfig{
		Durable:   cfg.LedgerDurable,
		FetchWait: cfg.PollInterval,
		Policy:    policy,
	}, log)
	if err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}

	checks := []api.Check{
		{Name: "store", Probe: st.Ping},
		{Name: "ledger", Probe: lc.Ping},
	}

	var claims ledger.Claimer
	if cfg.RedisAddr != "" {
		rc := dedup.NewRedis(cfg.RedisAddr, cfg.LedgerDurable+":event:", dedup.DefaultTTL)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			return err
		}
		claims = rc
		checks = append(checks, api.Check{Name: "redis", Probe: rc.Ping})
	} else {
		log.Warn().Msg("REDIS_ADDR not set; remembering handled events in memory")
		claims = dedup.NewMemory(dedup.DefaultTTL)
	}

	m := metrics.New()

	prices := pricing.Uniform(cfg.BasePrice)
	capacities := map[models.ResourceKind]int64{models.Storage: cfg.StorageCapacity, models.ComputingPower: cfg.CPUCapacity}

	var allocators []*allocator.Allocator
	var pools []*pool.Pool
	for _, kind := range []models.ResourceKind{models.Storage, models.ComputingPower} {
		base, err := prices.Base(kind)
		if err != nil {
			return err
		}
		a, err := allocator.New(ctx, allocator.Config{Kind: kind, Capacity: capacities[kind], BasePrice: base}, st, lc, m, log)
		if err != nil {
			return err
		}
		allocators = append(allocators, a)
		pools = append(pools, a.Pool())
	}
	m.WatchPools(pools...)

	registrar := registry.NewHandler(st, lc, log)
	settler := settlement.NewEngine(st, lc, cfg.ETA, m, log)
	auditor := settlement.NewAuditor(st, lc, []models.ResourceKind{models.Storage, models.ComputingPower}, m, log)
	hub := monitor.NewHub(st, reputation.NewEngine(st, lc, m, log), monitor.NewAuthenticator(cfg.JWTSecret), m, log)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Config{
			Store:   st,
			Pools:   pools,
			Checks:  checks,
			Metrics: m,
			Monitor: hub.Serve,
			Log:     log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range allocators {
		a := a
		g.Go(func() error { return a.Run(ctx, cfg.PollInterval, cfg.PollBatch, claims) })
	}
	g.Go(func() error { return registrar.Run(ctx, cfg.PollInterval, cfg.PollBatch, claims) })
	g.Go(func() error { return settler.Run(ctx, cfg.SettleInterval) })
	g.Go(func() error { return auditor.Run(ctx, cfg.AuditInterval) })
	g.Go(func() error { return hub.Run(ctx, cfg.SnapshotInterval) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Err(err).Int("nats_reconnects", bus.Reconnects()).Msg("server stopped")
	return err
}
