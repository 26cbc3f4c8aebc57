package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/msgproviders/internal/api"
	"github.com/nidhogg/msgproviders/internal/bus"
	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/config"
	"github.com/nidhogg/msgproviders/internal/gateway"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/host/httpclient"
	"github.com/nidhogg/msgproviders/internal/host/mailer"
	"github.com/nidhogg/msgproviders/internal/host/secrets"
	"github.com/nidhogg/msgproviders/internal/host/telemetry"
	msgrouter "github.com/nidhogg/msgproviders/internal/router"
	"github.com/nidhogg/msgproviders/internal/runtime"
	"github.com/nidhogg/msgproviders/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/msghost.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	if lvl, err := zapcore.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger = logger.WithOptions(zap.IncreaseLevel(lvl))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics {
		metrics = telemetry.NewMetrics()
	}

	// State
	state, err := store.Open(ctx, cfg.State.Backend, cfg.State.Options, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.String("backend", cfg.State.Backend), zap.Error(err))
	}
	logger.Info("State store ready", zap.String("backend", cfg.State.Backend))

	// Secrets: environment and dotenv first, then sealed values in state.
	var dotenv []string
	if cfg.Secrets.Dotenv != "" {
		dotenv = append(dotenv, cfg.Secrets.Dotenv)
	}
	envSecrets, err := secrets.NewEnv(cfg.Secrets.EnvPrefix, dotenv...)
	if err != nil {
		logger.Fatal("failed to load secrets", zap.Error(err))
	}
	chain := secrets.Chain{envSecrets}
	if cfg.Secrets.Key != "" {
		key, err := hex.DecodeString(cfg.Secrets.Key)
		if err != nil || len(key) != 32 {
			logger.Fatal("secrets.key must be 64 hex characters")
		}
		sealed, err := secrets.NewEncrypted(state, key)
		if err != nil {
			logger.Fatal("failed to init encrypted secrets", zap.Error(err))
		}
		chain = append(chain, sealed)
	}

	hub := gateway.NewHub(logger, cfg.Server.Origins)
	httpOpts := []httpclient.Option{}
	if metrics != nil {
		httpOpts = append(httpOpts, httpclient.WithObserver(metrics))
	}
	bindings := host.Bindings{
		HTTP:      httpclient.New(logger, httpOpts...),
		Secrets:   chain,
		State:     state,
		Telemetry: telemetry.New(logger, metrics),
		Transport: hub,
		Mailer:    mailer.New(logger, 30*time.Second),
	}

	gw := gateway.New(gateway.Options{
		Registry: runtime.Builtin(logger),
		Bindings: bindings,
		Enabled:  cfg.Enabled(),
		Static:   cfg.Static(),
		Egress: gateway.Egress{
			MaxAttempts: cfg.Egress.MaxAttempts,
			Backoff:     cfg.Egress.Backoff(),
			MaxBackoff:  cfg.Egress.MaxBackoff(),
		},
		ArtifactDigest: selfDigest(),
		Metrics:        metrics,
		Logger:         logger,
	})
	logger.Info("Gateway ready", zap.Strings("providers", gw.Providers()))

	sink, err := bus.Open(ctx, bus.Options{
		Kind:     cfg.Bus.Kind,
		URL:      cfg.Bus.URL,
		Exchange: cfg.Bus.Exchange,
		MaxLen:   cfg.Bus.MaxLen,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open bus", zap.String("kind", cfg.Bus.Kind), zap.Error(err))
	}
	if mem, ok := sink.(*bus.Memory); ok {
		go drain(mem, logger)
	}

	router := msgrouter.New(msgrouter.Options{
		Sink:       sink,
		Sender:     gw,
		DedupeSize: cfg.Router.DedupeSize,
		DedupeTTL:  cfg.Router.TTL(),
		Echo:       cfg.Router.AutoReply.Echo,
		EchoPrefix: cfg.Router.AutoReply.Prefix,
		Metrics:    metrics,
		Logger:     logger,
	})
	gw.SetHandler(router.Handle)

	handler := api.NewHandler(api.Options{
		Gateway:       gw,
		Hub:           hub,
		Broadcaster:   gateway.NewBroadcaster(gw, 50, logger),
		Metrics:       metrics,
		Env:           cfg.Server.Env,
		DefaultTenant: cfg.Server.Tenant,
		Origins:       cfg.Server.Origins,
		Logger:        logger,
	})

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("msghost listening", zap.String("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down msghost...")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sink.Close(); err != nil {
		logger.Warn("bus close", zap.Error(err))
	}
	if err := state.Close(); err != nil {
		logger.Warn("state close", zap.Error(err))
	}
}

// drain logs events from the in-process bus when nothing else consumes
// them.
func drain(m *bus.Memory, logger *zap.Logger) {
	for ev := range m.Events() {
		logger.Info("event",
			zap.String("provider", ev.Provider),
			zap.String("tenant", ev.Tenant.String()),
			zap.String("session", ev.Envelope.SessionID),
			zap.Int("text_len", len(ev.Envelope.Text)),
		)
	}
}

// selfDigest identifies the running binary in provenance records.
func selfDigest() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	data, err := os.ReadFile(exe)
	if err != nil {
		return "unknown"
	}
	return "sha256:" + canon.SHA256Hex(data)
}
