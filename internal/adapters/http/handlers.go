package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/adapters/sse"
	"github.com/dkeye/Consult/internal/app/presence"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Deps are the services behind the API.
type Deps struct {
	Sessions core.SessionService
	Messages core.MessageLog
	Channel  core.Channel
	Signal   *signal.SignalWSController
	Feed     *sse.Feed
	Presence *presence.Registry
	Auth     *Authenticator
}

type handlers struct {
	ctx  context.Context
	deps Deps
}

type CreateSessionRequest struct {
	AppointmentID domain.AppointmentID `json:"appointment_id" binding:"required"`
	Modality      string               `json:"modality"`
}

type EndSessionRequest struct {
	Notes string `json:"notes"`
}

type PostMessageRequest struct {
	ID        domain.MessageID `json:"id" binding:"required"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
}

type LoginRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Name   string `json:"name"`
	Role   string `json:"role" binding:"required"`
}

type LoginResponse struct {
	Identity domain.Identity `json:"identity"`
	Token    string          `json:"token,omitempty"`
}

func bad(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrInvalid, err)
}

func (h *handlers) createSession(c *gin.Context) {
	who, _ := Identity(c)
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bad(err))
		return
	}
	m, err := domain.ParseModality(req.Modality)
	if err != nil {
		writeError(c, bad(err))
		return
	}
	sess, err := h.deps.Sessions.CreateOrResume(c.Request.Context(), who, req.AppointmentID, m)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// session authorizes the caller on :id and returns the session.
func (h *handlers) session(c *gin.Context) (domain.Identity, domain.Session, bool) {
	who, _ := Identity(c)
	sess, err := h.deps.Sessions.Get(c.Request.Context(), who, domain.SessionID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return who, domain.Session{}, false
	}
	return who, sess, true
}

func (h *handlers) getSession(c *gin.Context) {
	if _, sess, ok := h.session(c); ok {
		c.JSON(http.StatusOK, sess)
	}
}

func (h *handlers) activateSession(c *gin.Context) {
	who, _ := Identity(c)
	sess, err := h.deps.Sessions.Activate(c.Request.Context(), who, domain.SessionID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handlers) endSession(c *gin.Context) {
	who, _ := Identity(c)
	var req EndSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, bad(err))
			return
		}
	}
	sess, err := h.deps.Sessions.End(c.Request.Context(), who, domain.SessionID(c.Param("id")), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handlers) listMessages(c *gin.Context) {
	who, _ := Identity(c)
	msgs, err := h.deps.Messages.History(c.Request.Context(), who, domain.SessionID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *handlers) postMessage(c *gin.Context) {
	who, _ := Identity(c)
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bad(err))
		return
	}
	m := domain.ChatMessage{
		ID:        req.ID,
		SessionID: domain.SessionID(c.Param("id")),
		Content:   req.Content,
		CreatedAt: req.CreatedAt.UTC(),
	}
	if err := h.deps.Messages.Post(c.Request.Context(), who, m); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listEnvelopes(c *gin.Context) {
	_, sess, ok := h.session(c)
	if !ok {
		return
	}
	f := core.HistoryFilter{
		SenderID: domain.UserID(c.Query("sender")),
		AfterID:  domain.EnvelopeID(c.Query("after")),
	}
	for _, k := range c.QueryArray("kind") {
		kind := domain.EnvelopeKind(k)
		if !kind.Valid() {
			writeError(c, bad(fmt.Errorf("unknown kind %q", k)))
			return
		}
		f.Kinds = append(f.Kinds, kind)
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(c, bad(err))
			return
		}
		f.Since = since
	}
	envs, err := h.deps.Channel.History(c.Request.Context(), sess.ID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envs)
}

func (h *handlers) publishEnvelope(c *gin.Context) {
	who, sess, ok := h.session(c)
	if !ok {
		return
	}
	var env domain.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		writeError(c, bad(err))
		return
	}
	out, err := h.deps.Signal.Publish(c.Request.Context(), who, sess.ID, env)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *handlers) signalWS(c *gin.Context) {
	who, sess, ok := h.session(c)
	if !ok {
		return
	}
	log.Info().Str("module", "adapters.http").Str("sid", string(sess.ID)).Str("user", string(who.UserID)).Msg("ws signal endpoint hit")
	h.deps.Signal.HandleSignal(h.ctx, c, who, sess.ID)
}

func (h *handlers) events(c *gin.Context) {
	_, sess, ok := h.session(c)
	if !ok {
		return
	}
	h.deps.Feed.Handler(sess.ID)(c.Writer, c.Request)
}

func (h *handlers) presence(c *gin.Context) {
	_, sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.deps.Presence.Online(sess.ID))
}

// devLogin binds an identity to the cookie session and returns a token.
func (h *handlers) devLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bad(err))
		return
	}
	who, err := domain.NewIdentity(domain.UserID(req.UserID), req.Name, domain.Role(req.Role))
	if err != nil {
		writeError(c, bad(err))
		return
	}
	if err := saveIdentity(c, who); err != nil {
		writeError(c, err)
		return
	}
	resp := LoginResponse{Identity: who}
	if token, err := h.deps.Auth.Issue(who); err == nil {
		resp.Token = token
	}
	log.Info().Str("module", "adapters.http").Str("user", string(who.UserID)).Str("role", string(who.Role)).Msg("dev login")
	c.JSON(http.StatusOK, resp)
}
