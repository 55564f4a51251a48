package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videocall-platform/internal/auth"
	"videocall-platform/internal/calls"
	"videocall-platform/internal/config"
	"videocall-platform/internal/history"
	"videocall-platform/internal/httpapi"
	"videocall-platform/internal/presence"
	"videocall-platform/internal/realtime"
	"videocall-platform/internal/signaling"
	"videocall-platform/internal/users"
	"videocall-platform/pkg/logger"
	"videocall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// users first: call_history references it.
	schema := append(append([]string{}, users.Schema...), history.Schema...)
	if err := utils.ApplySchema(rootCtx, db, schema...); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	var publisher history.Publisher
	if cfg.KafkaEnabled() {
		kp, err := history.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.HistoryTopic)
		if err != nil {
			log.Error("kafka init failed", "err", err)
			os.Exit(1)
		}
		defer kp.Close()
		publisher = kp
		log.Info("call history publishing enabled", "topic", cfg.Kafka.HistoryTopic)
	}

	userService := users.NewService(users.NewPostgresRepo(db))
	historyService := history.NewService(history.NewPostgresRepo(db), publisher)

	registry := presence.NewRegistry()
	mirror := presence.NewRedisMirror(rdb, cfg.Presence.MirrorTTL)

	dispatcher := signaling.NewDispatcher(registry, calls.NewTable(), signaling.NewHub(), historyService, signaling.Options{
		RingTimeout:    cfg.Calls.RingTimeout,
		PersistTimeout: cfg.Calls.PersistTimeout,
		PersistQueue:   cfg.Calls.PersistQueue,
		Logger:         log,
		Mirror:         mirror,
	})
	go dispatcher.RefreshPresence(rootCtx, cfg.Presence.RefreshInterval)

	ws := realtime.NewHandler(dispatcher, authManager, cfg.WS, log)

	h := httpapi.Handlers{
		Auth:       authManager,
		Users:      userService,
		History:    historyService,
		Presence:   presence.FallbackLister{Primary: mirror, Fallback: registry},
		ICEServers: cfg.ICE.Servers,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	ready := func(ctx context.Context) error {
		if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}
	registerRoutes(r, h, ws, auth.RequireAccessToken(authManager), ready)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Hijacked websocket connections are not covered by srv.Shutdown.
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Error("websocket shutdown failed", "err", err)
	}
	// Every connection is gone; flush the outcomes they produced.
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Error("dispatcher shutdown failed", "err", err)
	}
}
