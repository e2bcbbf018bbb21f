package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-orchestrator/internal/api"
	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/config"
	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
	"github.com/shehryarbajwa/browser-orchestrator/internal/logging"
	"github.com/shehryarbajwa/browser-orchestrator/internal/metrics"
	"github.com/shehryarbajwa/browser-orchestrator/internal/monitor"
	"github.com/shehryarbajwa/browser-orchestrator/internal/proxy"
	"github.com/shehryarbajwa/browser-orchestrator/internal/ratelimit"
	"github.com/shehryarbajwa/browser-orchestrator/internal/session"
)

const (
	startupTimeout  = 5 * time.Minute
	shutdownTimeout = 30 * time.Second
	clientIdleTTL   = 10 * time.Minute
)

type options struct {
	envFile  string
	addr     string
	logLevel string
	dev      bool
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Browser automation orchestrator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "optional env file loaded before the environment")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides HOST and PORT")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	cmd.Flags().BoolVar(&opts.dev, "dev", false, "human-readable development logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		host, port, err := net.SplitHostPort(opts.addr)
		if err != nil {
			return fmt.Errorf("invalid --addr: %w", err)
		}
		cfg.Server.Host, cfg.Server.Port = host, port
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.dev {
		cfg.Logging.Development = true
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting browser orchestrator", zap.String("browser_mode", cfg.Browser.Mode))

	bus := events.NewBus(log)
	m := metrics.New()
	bus.Subscribe(m)

	mon := monitor.New(monitor.DefaultSampler(), cfg.Monitor.SampleInterval, monitor.Thresholds{
		Enabled:       cfg.Manager.ResourceMonitoringEnabled,
		MaxMemoryMB:   cfg.Manager.MaxMemoryMB,
		MaxCPUPercent: cfg.Manager.MaxCPUPercent,
	}, bus, log)

	backend := browser.NewRodBackend(cfg.Browser, log)
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	err = backend.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error("failed to close browser", zap.Error(err))
		}
	}()
	log.Info("browser ready", zap.String("control_url", backend.ControlURL()))

	pages, err := session.NewManager(cfg.Manager, session.Options{
		Backend:   backend,
		Gate:      mon,
		Publisher: bus,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	mon.Start(ctx)

	m.RegisterGauges(func() metrics.Gauges {
		st := pages.Statistics()
		g := metrics.Gauges{
			Pages:             st.CurrentPages,
			ActiveNavigations: st.ActiveNavigations,
			QueuedNavigations: st.QueuedNavigations,
			TrackedDomains:    st.TrackedDomains,
			Healthy:           true,
		}
		if st.Resources != nil {
			g.MemoryMB = st.Resources.Current.MemoryMB
			g.CPUPercent = st.Resources.Current.CPUPercent
			g.Healthy = st.Resources.Healthy
		}
		return g
	})

	var limiter *ratelimit.ClientLimiter
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewClientLimiter(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst)
		mon.OnTick(func() { limiter.Evict(clientIdleTTL) })
	}

	proxyServer := proxy.NewServer(bus, backend, m, log)

	handler := api.NewHandler(pages, log)
	handler.Browser = backend
	shutdownRequested := make(chan struct{})
	var once sync.Once
	handler.OnShutdown = func() { once.Do(func() { close(shutdownRequested) }) }
	router := handler.SetupRoutes(proxyServer, limiter, m)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var errs []error
	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case <-shutdownRequested:
		log.Info("shutdown requested over API")
	case err := <-serveErr:
		if err != nil {
			log.Error("server error", zap.Error(err))
			errs = append(errs, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := pages.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("page manager: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		log.Error("unclean shutdown", zap.Error(err))
		return err
	}

	log.Info("server stopped cleanly")
	return nil
}
