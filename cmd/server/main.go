package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/adapters/broadcast"
	router "github.com/dkeye/Consult/internal/adapters/http"
	wssignal "github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/adapters/sse"
	"github.com/dkeye/Consult/internal/adapters/store/memory"
	"github.com/dkeye/Consult/internal/adapters/store/sqlstore"
	"github.com/dkeye/Consult/internal/app/chat"
	"github.com/dkeye/Consult/internal/app/lifecycle"
	"github.com/dkeye/Consult/internal/app/presence"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// store is what the server needs from a persistence backend.
type store interface {
	core.SessionStore
	core.EnvelopeStore
	core.MessageStore
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	st, closer, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closer.Close()

	hub := broadcast.NewHub(st)
	feed := sse.NewFeed(hub, cfg.SSE.BufferSize)
	hub.Observe(feed.Publish)

	sessions := lifecycle.NewService(st, appointments(cfg.Appointments), hub)
	sessions.OnEnded(lifecycle.LogHook)
	if cfg.Hooks.EndWebhook != "" {
		sessions.OnEnded(lifecycle.Webhook(cfg.Hooks.EndWebhook, nil, cfg.Hooks.WebhookTimeout))
	}

	reg := presence.NewRegistry()
	deps := router.Deps{
		Sessions: sessions,
		Messages: chat.NewLog(st, st, hub, cfg.Chat.MaxLength),
		Channel:  hub,
		Signal: wssignal.NewSignalWSController(hub, reg, wssignal.Config{
			WriteWait:      cfg.Signal.WriteWait,
			PongWait:       cfg.Signal.PongWait,
			PingPeriod:     cfg.Signal.PingPeriod,
			SendBuffer:     cfg.Signal.SendBuffer,
			MaxMessageSize: cfg.Signal.ReadLimit,
			RateLimit:      cfg.Signal.RateLimit,
			RateInterval:   cfg.Signal.RateInterval,
		}),
		Feed:     feed,
		Presence: reg,
		Auth:     router.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
	}

	r := router.SetupRouter(ctx, cfg, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Msg("Consult server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	// Streams hold their handlers open; end them before waiting on Shutdown.
	feed.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Close()
	log.Info().Msg("Server exited gracefully")
}

func openStore(c config.StoreConfig) (store, io.Closer, error) {
	switch c.Driver {
	case "sqlite":
		s, err := sqlstore.Open(c.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return memory.NewStore(), io.NopCloser(nil), nil
	}
}

func appointments(items []config.AppointmentConfig) *memory.Appointments {
	dir := memory.NewAppointments()
	for _, a := range items {
		dir.Put(domain.Appointment{
			ID:         domain.AppointmentID(a.ID),
			ProviderID: domain.UserID(a.ProviderID),
			PatientID:  domain.UserID(a.PatientID),
		})
	}
	log.Info().Int("appointments", len(items)).Msg("appointment directory loaded")
	return dir
}
