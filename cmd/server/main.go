package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/abhang-atish/colyseus/internal/adapters/http"
	"github.com/abhang-atish/colyseus/internal/adapters/ws"
	"github.com/abhang-atish/colyseus/internal/config"
	"github.com/abhang-atish/colyseus/internal/domain"
	"github.com/abhang-atish/colyseus/internal/driver"
	"github.com/abhang-atish/colyseus/internal/matchmaker"
	"github.com/abhang-atish/colyseus/internal/presence"
	"github.com/abhang-atish/colyseus/internal/room"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var (
		pres presence.Presence
		drv  driver.Driver
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			pingCancel()
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		pingCancel()
		pres = presence.NewRedis(client)
		drv = driver.NewRedisDriver(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis presence and driver")
	} else {
		pres = presence.NewLocal()
		drv = driver.NewLocal()
		log.Info().Msg("using in-process presence and driver")
	}

	processID := domain.NewProcessID()
	mm := matchmaker.New(processID, pres, drv, matchmaker.Options{
		SeatReservationTTL: cfg.SeatReservationTTL,
		RemoteCallTimeout:  cfg.RemoteCallTimeout,
	})
	mm.Define("relay", func() room.Logic { return room.RelayLogic{} })

	ctl := ws.NewController(ctx, mm, cfg)
	r := router.SetupRouter(cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("process", string(processID)).Msg("matchmaking server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := mm.GracefulShutdown(1001); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
