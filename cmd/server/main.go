package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Khels/WebChat/internal/auth"
	"github.com/Khels/WebChat/internal/broadcast"
	"github.com/Khels/WebChat/internal/config"
	"github.com/Khels/WebChat/internal/db"
	clog "github.com/Khels/WebChat/internal/log"
	"github.com/Khels/WebChat/internal/mw"
	"github.com/Khels/WebChat/internal/server"
	"github.com/Khels/WebChat/internal/service"
	"github.com/Khels/WebChat/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与广播总线并启动 Gin 服务。
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	clog.Init(cfg.Env, cfg.LogLevel)

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	tokens, err := auth.NewStore(gdb, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("token store")
	}

	bc := broadcast.New(newBus(cfg), cfg.BroadcastQueueSize)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := bc.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("broadcast connect")
	}

	users := service.NewUserService(gdb, tokens)
	chats := service.NewChatService(gdb)
	msgs := service.NewMessageService(gdb, chats)
	wsh := ws.NewHandler(tokens, users, chats, msgs, bc, ws.Options{
		Channel:        cfg.BroadcastChannel,
		AuthTimeout:    cfg.WSAuthTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	rl := mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute)
	r := server.SetupRouter(cfg, server.NewHandler(tokens, users, chats, msgs, wsh.Publisher()), wsh, rl)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case <-bc.Done():
		log.Error().Msg("broadcast listener stopped")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server run")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// websocket 连接已被劫持，Shutdown 不会等待它们；断开广播后会话以 1001 结束，
	// 关闭数据库前等待它们写完离线状态。
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	rl.Stop()
	if err := bc.Disconnect(); err != nil {
		log.Error().Err(err).Msg("broadcast disconnect")
	}
	if err := wsh.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ws sessions still closing")
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newBus(cfg config.Config) broadcast.Bus {
	if cfg.RedisURL == config.MemoryBusURL {
		log.Warn().Msg("using in-process broadcast bus, messages stay on this instance")
		return broadcast.NewMemoryBus(cfg.BroadcastQueueSize)
	}
	bus, err := broadcast.NewRedisBus(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis bus")
	}
	return bus
}
