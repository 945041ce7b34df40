// Package remote reaches the server's HTTP and WebSocket API. A Client
// stands in for the in-process session service, chat log and channel, so
// a coordinator runs unchanged in a separate process.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Retry governs reconnecting a dropped subscription.
	Retry app.RetryPolicy
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	retry app.RetryPolicy
}

// Sessions, Messages and Channel are views of one Client, one per port.
type (
	Sessions struct{ c *Client }
	Messages struct{ c *Client }
	Channel  struct{ c *Client }
)

var (
	_ core.SessionService = Sessions{}
	_ core.MessageLog     = Messages{}
	_ core.Channel        = Channel{}
)

func (c *Client) Sessions() Sessions { return Sessions{c} }
func (c *Client) Messages() Messages { return Messages{c} }
func (c *Client) Channel() Channel   { return Channel{c} }

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Retry == (app.RetryPolicy{}) {
		cfg.Retry = app.DefaultRetryPolicy()
	}
	return &Client{base: base, token: cfg.Token, http: hc, retry: cfg.Retry}, nil
}

func sessionPath(sid domain.SessionID, rest string) string {
	return "/api/sessions/" + string(sid) + rest
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// responseError turns a non-2xx response into a domain error.
func responseError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	_ = json.Unmarshal(b, &body)
	msg := strings.TrimSpace(string(b))
	if body.Error != "" {
		msg = body.Error
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: unauthenticated: %s", domain.ErrPermissionDenied, msg)
	}
	if body.Code != "" && body.Code != "internal" {
		return domain.CodeError(body.Code, body.Error)
	}
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: %s", domain.ErrChannel, resp.Status, msg)
	}
	return fmt.Errorf("%s: %s", resp.Status, msg)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrChannel, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrChannel, path, err)
	}
	return nil
}

// The identity argument of the service methods is ignored: the server
// derives it from the token.

func (r Sessions) CreateOrResume(ctx context.Context, _ domain.Identity, appt domain.AppointmentID, m domain.Modality) (domain.Session, error) {
	var s domain.Session
	err := r.c.do(ctx, http.MethodPost, "/api/sessions", nil, map[string]string{
		"appointment_id": string(appt),
		"modality":       string(m),
	}, &s)
	return s, err
}

func (r Sessions) Get(ctx context.Context, _ domain.Identity, id domain.SessionID) (domain.Session, error) {
	var s domain.Session
	err := r.c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, nil, &s)
	return s, err
}

func (r Sessions) Activate(ctx context.Context, _ domain.Identity, id domain.SessionID) (domain.Session, error) {
	var s domain.Session
	err := r.c.do(ctx, http.MethodPost, sessionPath(id, "/activate"), nil, nil, &s)
	return s, err
}

func (r Sessions) End(ctx context.Context, _ domain.Identity, id domain.SessionID, notes string) (domain.Session, error) {
	var s domain.Session
	err := r.c.do(ctx, http.MethodPost, sessionPath(id, "/end"), nil, map[string]string{"notes": notes}, &s)
	return s, err
}

func (r Messages) Post(ctx context.Context, _ domain.Identity, m domain.ChatMessage) error {
	return r.c.do(ctx, http.MethodPost, sessionPath(m.SessionID, "/messages"), nil, map[string]any{
		"id":         m.ID,
		"content":    m.Content,
		"created_at": m.CreatedAt,
	}, nil)
}

func (r Messages) History(ctx context.Context, _ domain.Identity, sid domain.SessionID) ([]domain.ChatMessage, error) {
	var msgs []domain.ChatMessage
	err := r.c.do(ctx, http.MethodGet, sessionPath(sid, "/messages"), nil, nil, &msgs)
	return msgs, err
}

// Publish posts env; the server stamps it and binds the sender to the token.
func (r Channel) Publish(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	var out domain.Envelope
	err := r.c.do(ctx, http.MethodPost, sessionPath(env.SessionID, "/envelopes"), nil, env, &out)
	return out, err
}

func (r Channel) History(ctx context.Context, sid domain.SessionID, f core.HistoryFilter) ([]domain.Envelope, error) {
	q := url.Values{}
	for _, k := range f.Kinds {
		q.Add("kind", string(k))
	}
	if f.SenderID != "" {
		q.Set("sender", string(f.SenderID))
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.AfterID != "" {
		q.Set("after", string(f.AfterID))
	}
	var envs []domain.Envelope
	err := r.c.do(ctx, http.MethodGet, sessionPath(sid, "/envelopes"), q, nil, &envs)
	return envs, err
}
