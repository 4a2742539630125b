package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/modular/modules/eventbus/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/exthost"
	"github.com/GoCodeAlone/exthost/api"
	"github.com/GoCodeAlone/exthost/bridge"
	"github.com/GoCodeAlone/exthost/config"
	"github.com/GoCodeAlone/exthost/engine"
	"github.com/GoCodeAlone/exthost/marketplace"
	"github.com/GoCodeAlone/exthost/registry"
	"github.com/GoCodeAlone/exthost/sandbox"
	"github.com/GoCodeAlone/exthost/tenant"
)

var (
	configFile = flag.String("config", "", "Path to host configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	var cfg *config.HostConfig
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else {
		cfg = config.Default()
		logger.Info("No config file specified, using defaults")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	// The event bus and the registry run as modular modules so other host
	// components can reach them through the service registry.
	app := modular.NewStdApplication(nil, logger)
	app.RegisterModule(eventbus.NewModule())

	regOpts := []registry.ModuleOption{
		registry.WithTTL(cfg.Registry.CacheTTL.Std()),
	}
	if cfg.Registry.RedisAddr != "" {
		redisCache := registry.NewRedisCache(registry.RedisCacheConfig{
			Address:  cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			Prefix:   "exthost",
		})
		if err := redisCache.Connect(context.Background()); err != nil {
			log.Fatalf("Failed to connect registry cache: %v", err)
		}
		regOpts = append(regOpts, registry.WithCache(redisCache))
	}
	regMod := registry.NewModule(registry.ServiceName, cfg.Registry.DatabasePath, regOpts...)
	app.RegisterModule(regMod)

	if err := app.Init(); err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	reg := regMod.Registry()

	var bus *eventbus.EventBusModule
	if err := app.GetService("eventbus.provider", &bus); err != nil {
		log.Fatalf("Failed to resolve event bus: %v", err)
	}

	sbOpts := []sandbox.ServiceOption{}
	if cfg.Sandbox.ExecutionTimeout > 0 {
		sbOpts = append(sbOpts, sandbox.WithExecutionTimeout(cfg.Sandbox.ExecutionTimeout.Std()))
	}
	sb, err := sandbox.NewService(cfg.Sandbox.PoolSize, sbOpts...)
	if err != nil {
		log.Fatalf("Failed to create sandbox service: %v", err)
	}
	defer sb.Close()

	br := bridge.New(bus)
	eng := engine.NewLocalEngine(br, logger)

	promReg := prometheus.NewRegistry()
	metrics := exthost.NewMetrics(promReg)
	monitor := exthost.NewResourceMonitor(sb, metrics, cfg.Lifecycle.MonitorInterval.Std())

	var market marketplace.Client
	if cfg.Marketplace.URL != "" {
		opts := []marketplace.Option{}
		if cfg.Marketplace.RequestsPerSecond > 0 {
			opts = append(opts, marketplace.WithRateLimit(
				cfg.Marketplace.RequestsPerSecond, cfg.Marketplace.Burst))
		}
		market = marketplace.NewHTTPClient(cfg.Marketplace.URL, opts...)
	}

	grants := tenant.NewGrantStore()

	mgr, err := exthost.NewManager(exthost.ManagerConfig{
		HostVersion:    cfg.HostVersion,
		RuntimeVersion: cfg.RuntimeVersion,
		ModulesDir:     cfg.ModulesDir,
		StepTimeout:    cfg.Lifecycle.StepTimeout.Std(),
		Retry: engine.RetryPolicy{
			MaxAttempts:     cfg.Lifecycle.MaxStepAttempts,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
		},
	}, exthost.ManagerDeps{
		Registry:    reg,
		Migrator:    regMod.Store(),
		Sandbox:     sb,
		Bridge:      br,
		Engine:      eng,
		Grants:      grants,
		Marketplace: market,
		Events:      exthost.NewEvents(bus, logger),
		Metrics:     metrics,
		Monitor:     monitor,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to create lifecycle manager: %v", err)
	}
	defer mgr.Close()

	isolation := tenant.NewIsolation(grants)

	// Tenant-scoped surface: admin API plus module-served routes mounted
	// under /modules/<id>/.
	tenantMux := http.NewServeMux()
	api.NewModuleHandler(mgr, market).RegisterRoutes(tenantMux)
	tenantMux.HandleFunc("/modules/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/modules/")
		moduleID, path, ok := strings.Cut(rest, "/")
		if !ok || moduleID == "" {
			http.NotFound(w, r)
			return
		}
		moduleMux, ok := br.ModuleMux(moduleID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + path
		moduleMux.ServeHTTP(w, r2)
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/api/", isolation.Process(tenantMux))
	mux.Handle("/modules/", isolation.Process(tenantMux))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting host server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := app.Stop(); err != nil {
		log.Printf("Application shutdown error: %v", err)
	}
}
