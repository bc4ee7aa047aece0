package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatewarden/handlers"
	"gatewarden/waf"
	"gatewarden/waf/admin"
	"gatewarden/waf/audit"
	"gatewarden/waf/auth"
	"gatewarden/waf/autoban"
	"gatewarden/waf/blocklist"
	"gatewarden/waf/clientkey"
	"gatewarden/waf/clock"
	"gatewarden/waf/config"
	"gatewarden/waf/counter"
	"gatewarden/waf/health"
	"gatewarden/waf/logging"
	"gatewarden/waf/maintenance"
	"gatewarden/waf/metrics"
	"gatewarden/waf/ratelimit"
	"gatewarden/waf/reload"
	"gatewarden/waf/requestid"
	"gatewarden/waf/scanner"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// app holds the wired components of one server process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store   counter.Store
	blocks  *blocklist.List
	login   *auth.Guard
	ledger  *autoban.Ledger
	audit   *audit.Log
	guard   *waf.Guard
	admin   *admin.Service
	sweeper *maintenance.Sweeper
	reload  *reload.Manager

	public  http.Handler
	private http.Handler

	closers []io.Closer
}

func newApp(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, clk clock.Clock) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(reg)}

	switch cfg.CounterStoreBackend {
	case config.BackendExternal:
		rdb := counter.NewRedisCounter(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		a.closers = append(a.closers, rdb)
		a.store = counter.NewExternal(rdb,
			counter.WithPrefix(cfg.Redis.Prefix),
			counter.WithTimeout(cfg.Redis.Timeout),
			counter.WithLogger(logger),
			counter.WithClock(clk),
			counter.WithFailureHook(func(op string) {
				a.metrics.CounterStoreFailures.WithLabelValues(op).Inc()
			}),
		)
	default:
		a.store = counter.NewMemory(clk)
	}

	var err error
	a.blocks, err = blocklist.New(blocklist.Config{
		TTL:       cfg.BlockTTL,
		Whitelist: cfg.BlockList.Whitelist,
		Path:      cfg.BlockList.Path,
	}, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("block list: %w", err)
	}

	auditOpts := []audit.Option{audit.WithClock(clk), audit.WithLogger(logger)}
	if sink := logging.SetupRotation(cfg.Audit.Sink); sink != nil {
		a.closers = append(a.closers, sink)
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	a.audit = audit.New(cfg.AuditLogCapacity, auditOpts...)

	resolver, err := clientkey.NewResolver(clientkey.Config{
		TrustedProxies: cfg.TrustedProxies,
		JWTSecret:      cfg.JWTSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("client key resolver: %w", err)
	}

	a.login = auth.NewGuard(clk)
	a.ledger = autoban.NewLedger(clk)
	a.guard, err = waf.New(cfg.GuardConfig(), waf.Deps{
		Resolver:   resolver,
		BlockList:  a.blocks,
		LoginGuard: a.login,
		Limiter:    ratelimit.New(a.store, cfg.Limits(), clk),
		Detector:   scanner.NewCatalogue(),
		Ledger:     a.ledger,
		Audit:      a.audit,
		Metrics:    a.metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a.admin, err = admin.NewService(admin.Deps{
		Guard:      a.guard,
		BlockList:  a.blocks,
		Audit:      a.audit,
		LoginGuard: a.login,
		Ledger:     a.ledger,
		Store:      a.store,
		Metrics:    a.metrics,
		Clock:      clk,
		Logger:     logger,
		ArchiveDir: cfg.Audit.ArchiveDir,
	})
	if err != nil {
		return nil, err
	}

	tasks := []maintenance.Task{
		{Name: "login", Prune: a.login.Prune},
		{Name: "suspicion", Prune: a.ledger.Prune},
		{Name: "blocks", Prune: a.blocks.CleanExpired},
	}
	if p, ok := a.store.(counter.Pruner); ok {
		tasks = append(tasks, maintenance.Task{Name: "counters", Prune: p.Prune})
	}
	a.sweeper = maintenance.New(cfg.MaintenanceInterval, logger, tasks...)
	a.sweeper.OnSweep(func(map[string]int) {
		a.metrics.BlockListSize.Set(float64(a.blocks.Count()))
	})

	a.reload, err = reload.NewManager(reload.Config{Logger: logger, Metrics: a.metrics}, reload.Target{
		Name:   "blocklist",
		Path:   cfg.BlockList.Path,
		Reload: a.reloadBlockList,
	})
	if err != nil {
		logger.Warn("hot reload unavailable, block list changes require restart", slog.String("error", err.Error()))
	}

	healthHandler := health.Handler(version,
		health.WithCheck("counter_store", a.pingStore),
		health.WithInfo(func() map[string]any {
			info := map[string]any{
				"counter_store": cfg.CounterStoreBackend,
				"blocked_ips":   a.blocks.Count(),
				"stages":        a.guard.Stages(),
			}
			if a.reload != nil {
				info["reload"] = a.reload.Status()
			}
			return info
		}),
	)

	a.public = requestid.Middleware(a.routes(healthHandler))
	a.private = admin.NewRouter(a.admin, admin.RouterOptions{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:  healthHandler,
	})
	return a, nil
}

// routes mounts the demo application behind the guard.
func (a *app) routes(healthHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)

	login := a.cfg.Policy("/login", "")
	login.LoginProtected = true
	mux.Handle("POST /login", a.guard.Protect(login)(handlers.Login(a.cfg.DemoUsers)))
	mux.Handle("/products", a.guard.Protect(a.cfg.Policy("/products", ""))(http.HandlerFunc(handlers.Products)))
	mux.Handle("/invoices", a.guard.Protect(a.cfg.Policy("/invoices", ""))(&handlers.Invoices{}))
	mux.Handle("/", a.guard.Protect(a.cfg.Policy("/", ""))(http.HandlerFunc(handlers.Home)))
	return mux
}

func (a *app) reloadBlockList() error {
	if err := a.blocks.Load(); err != nil {
		return err
	}
	a.metrics.BlockListSize.Set(float64(a.blocks.Count()))
	return nil
}

func (a *app) pingStore(ctx context.Context) error {
	if p, ok := a.store.(counter.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (a *app) Close() {
	if a.reload != nil {
		_ = a.reload.Stop()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(cfg, logger, reg, clock.System)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if a.reload == nil {
					continue
				}
				logger.Info("SIGHUP received, reloading")
				if err := a.reload.ReloadAll(); err != nil {
					logger.Error("reload failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	go a.sweeper.Run(ctx)

	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           a.public,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if cfg.AdminListen != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           a.private,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errc:
		logger.Error("server error", slog.String("error", runErr.Error()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("shutdown", slog.String("addr", srv.Addr), slog.String("error", serr.Error()))
		}
	}
	return runErr
}
