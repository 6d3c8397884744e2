package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/classifier"
	"github.com/terminal-bench/leasehub/internal/config"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "leasehub-monitor",
		Usage: "watch a network segment and report misbehaving devices",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "interface", Aliases: []string{"i"}, Usage: "capture interface"},
			&cli.StringFlag{Name: "subnet", Usage: "local IPv4 network, discovered from the interface when empty"},
			&cli.StringFlag{Name: "server", Usage: "websocket URL of the server"},
			&cli.StringFlag{Name: "log-level", Usage: "zerolog level"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Monitor, error) {
	cfg, err := config.LoadMonitor()
	if err != nil {
		return nil, err
	}
	if c.IsSet("interface") {
		cfg.Interface = c.String("interface")
	}
	if c.IsSet("subnet") {
		cfg.Subnet = c.String("subnet")
	}
	if c.IsSet("server") {
		cfg.ServerURL = c.String("server")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// network resolves the capture interface and the subnet it watches
func network(cfg *config.Monitor) (string, netip.Prefix, error) {
	names := classifier.DefaultInterfaces
	if cfg.Interface != "" {
		names = []string{cfg.Interface}
	}
	iface, prefix, err := classifier.Discover(names)
	if cfg.Subnet == "" {
		return iface, prefix, err
	}

	configured, perr := netip.ParsePrefix(cfg.Subnet)
	if perr != nil {
		return "", netip.Prefix{}, perr
	}
	if err != nil {
		if cfg.Interface == "" {
			return "", netip.Prefix{}, err
		}
		iface = cfg.Interface
	}
	return iface, configured, nil
}

// serverAddr returns the IPv4 address the server is reached at
func serverAddr(ctx context.Context, cfg *config.Monitor) (netip.Addr, error) {
	if cfg.ServerAddr != "" {
		return netip.ParseAddr(cfg.ServerAddr)
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return netip.Addr{}, err
	}
	if addr, err := netip.ParseAddr(u.Hostname()); err == nil {
		return addr, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", u.Hostname())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve %s: %w", u.Hostname(), err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%s has no IPv4 address", u.Hostname())
	}
	return addrs[0], nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(os.Stdout).Level(lvl).With().
		Timestamp().
		Str("service", "leasehub-monitor").
		Logger()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	iface, subnet, err := network(cfg)
	if err != nil {
		return err
	}
	server, err := serverAddr(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	cl, err := classifier.New(classifier.Config{
		Subnet:     subnet,
		ServerAddr: server,
		ServerPort: uint16(cfg.ServerPort),
	}, m, log)
	if err != nil {
		return err
	}

	uplink := classifier.NewUplink(classifier.UplinkConfig{
		URL:            cfg.ServerURL,
		Token:          cfg.Token,
		ReportInterval: cfg.ReportInterval,
		ReconnectEvery: cfg.ReconnectInterval,
	}, cl, log)

	log.Info().
		Str("interface", iface).
		Stringer("subnet", subnet).
		Stringer("server", server).
		Msg("monitor started")

	g, ctx := errgroup.WithContext(ctx)
	src, err := openCapture(ctx, iface)
	if err != nil {
		return err
	}
	g.Go(func() error { return classifier.Capture(ctx, src, cl, log) })
	g.Go(func() error { return uplink.Run(ctx) })

	if cfg.MetricsAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.GET("/metrics", gin.WrapH(m.Handler()))
		r.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "healthy", "tracked": cl.Tracked()})
		})
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Err(err).Msg("monitor stopped")
	return err
}
