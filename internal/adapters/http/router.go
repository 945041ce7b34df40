package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/config"
)

// SetupRouter builds the API. ctx bounds the long-lived socket
// connections; cancel it to drop them on shutdown.
func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieName := cfg.Auth.CookieName
	if cookieName == "" {
		cookieName = "ConsultSessions"
	}
	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode, MaxAge: 86400 * 7})
	r.Use(sessions.Sessions(cookieName, store))
	r.Use(IdentityMiddleware(deps.Auth))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{ctx: ctx, deps: deps}
	api := r.Group("/api")
	if cfg.Mode == "debug" {
		api.POST("/dev/login", h.devLogin)
	}

	s := api.Group("/sessions", RequireIdentity())
	s.POST("", h.createSession)
	s.GET("/:id", h.getSession)
	s.POST("/:id/activate", h.activateSession)
	s.POST("/:id/end", h.endSession)
	s.GET("/:id/messages", h.listMessages)
	s.POST("/:id/messages", h.postMessage)
	s.GET("/:id/envelopes", h.listEnvelopes)
	s.POST("/:id/envelopes", h.publishEnvelope)
	s.GET("/:id/ws", h.signalWS)
	s.GET("/:id/events", h.events)
	s.GET("/:id/presence", h.presence)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
