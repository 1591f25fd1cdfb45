package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"ondevice-gateway/internal/admin"
	"ondevice-gateway/internal/config"
	"ondevice-gateway/internal/engine"
	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/facade/openai"
	"ondevice-gateway/internal/logbus"
	"ondevice-gateway/internal/logging"
	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/internal/model"
	"ondevice-gateway/internal/normalize"
	"ondevice-gateway/internal/sockrpc"
	"ondevice-gateway/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logging.New("info")
		fallback.Fatal().Err(err).Msg("config load failed")
	}
	log := logging.New(cfg.LogLevel)

	m := metrics.New()

	var db *store.LogStore
	if cfg.DBPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err = store.Open(ctx, cfg.DBPath)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("log store open failed")
		}
		defer db.Close()
	}
	bus := logbus.New(db, 500, log)

	gen := model.NewRuntime(cfg.RuntimeURL)
	exec := executor.New(cfg.MaxQueueSize, log, executor.WithDepthObserver(m.SetQueueDepth))
	defer exec.Close()
	eng := engine.New(gen, exec, cfg.Model, log)

	norm := normalize.Options{
		DefaultModel:        cfg.Model,
		ToolChoiceHeuristic: cfg.ToolChoiceHeuristic,
	}

	oa := openai.NewHandler(eng, m, bus, norm, log)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Type", openai.WarningHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", oa.Health)
	r.Mount("/metrics", m.Handler())
	r.Mount("/v1", oa.Routes())
	r.Mount("/admin", admin.NewHandler(bus, exec, db, cfg.AdminToken).Routes())

	var rpc *sockrpc.Server
	if cfg.SocketPath != "" {
		_ = os.Remove(cfg.SocketPath)
		l, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.SocketPath).Msg("socket listen failed")
		}
		rpc = sockrpc.NewServer(eng, norm, log)
		go func() {
			log.Info().Str("path", cfg.SocketPath).Msg("socket rpc listening")
			if err := rpc.Serve(l); err != nil {
				log.Error().Err(err).Msg("socket rpc stopped")
			}
		}()
		defer os.Remove(cfg.SocketPath)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("model", cfg.Model).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	if rpc != nil {
		rpc.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
