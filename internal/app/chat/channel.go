// Package chat is the session text channel. A message travels on two paths,
// the authoritative log and the envelope relay; receivers merge both by id.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

var timeNow = time.Now

type RelayPolicy string

const (
	// RelayOnFailure publishes a relayed copy only when the log rejects the post.
	RelayOnFailure RelayPolicy = "on-failure"
	// RelayAlways writes both paths for every message.
	RelayAlways RelayPolicy = "always"
)

func ParseRelayPolicy(s string) (RelayPolicy, error) {
	switch RelayPolicy(s) {
	case RelayOnFailure, "":
		return RelayOnFailure, nil
	case RelayAlways:
		return RelayAlways, nil
	}
	return "", fmt.Errorf("unknown relay policy %q", s)
}

type Config struct {
	MaxLength int
	Relay     RelayPolicy
}

type entry struct {
	msg     domain.ChatMessage
	arrival uint64
}

// Channel is one participant's merged view of the session chat.
// Compose, Receive and Merge must be called from one goroutine; Deliver and
// Fetch only read immutable fields and may run elsewhere.
type Channel struct {
	self    domain.Identity
	sid     domain.SessionID
	log     core.MessageLog
	channel core.Channel
	cfg     Config

	byID    map[domain.MessageID]struct{}
	entries []entry
	arrival uint64
}

func NewChannel(self domain.Identity, sid domain.SessionID, ml core.MessageLog, ch core.Channel, cfg Config) *Channel {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = domain.MaxMessageLen
	}
	if cfg.Relay == "" {
		cfg.Relay = RelayOnFailure
	}
	return &Channel{
		self:    self,
		sid:     sid,
		log:     ml,
		channel: ch,
		cfg:     cfg,
		byID:    make(map[domain.MessageID]struct{}),
	}
}

// Send validates content, echoes it locally and delivers it.
func (c *Channel) Send(ctx context.Context, content string) (domain.ChatMessage, error) {
	m, err := c.Compose(content)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return m, c.Deliver(ctx, m)
}

// Compose builds a message with a local id and adds the optimistic echo.
func (c *Channel) Compose(content string) (domain.ChatMessage, error) {
	m, err := domain.NewChatMessage(c.sid, c.self, content, c.cfg.MaxLength, timeNow().UTC())
	if err != nil {
		return domain.ChatMessage{}, err
	}
	c.add(m)
	return m, nil
}

// Deliver writes m to the authoritative log and, per policy, the relay.
func (c *Channel) Deliver(ctx context.Context, m domain.ChatMessage) error {
	postErr := c.log.Post(ctx, c.self, m)
	if postErr != nil {
		log.Warn().Str("module", "chat").Str("sid", string(c.sid)).Str("msg", string(m.ID)).Err(postErr).Msg("authoritative post failed")
	}
	if postErr == nil && c.cfg.Relay != RelayAlways {
		return nil
	}
	if postErr != nil && !errors.Is(postErr, domain.ErrChannel) {
		return postErr
	}
	relayErr := c.relay(ctx, m)
	if postErr != nil && relayErr != nil {
		return fmt.Errorf("%w: message %s undelivered: %v", domain.ErrChannel, m.ID, relayErr)
	}
	if relayErr != nil {
		log.Warn().Str("module", "chat").Str("sid", string(c.sid)).Err(relayErr).Msg("relay copy failed")
	}
	return nil
}

func (c *Channel) relay(ctx context.Context, m domain.ChatMessage) error {
	env, err := domain.NewEnvelope(c.sid, c.self.UserID, domain.KindRelayedMessage, m)
	if err != nil {
		return err
	}
	_, err = c.channel.Publish(ctx, env)
	return err
}

// Receive merges a chat-message or relayed-message envelope. It reports the
// message and whether it was new.
func (c *Channel) Receive(env domain.Envelope) (domain.ChatMessage, bool, error) {
	if env.Kind != domain.KindChatMessage && env.Kind != domain.KindRelayedMessage {
		return domain.ChatMessage{}, false, nil
	}
	var m domain.ChatMessage
	if err := env.Decode(&m); err != nil {
		return domain.ChatMessage{}, false, err
	}
	if m.ID == "" || m.SessionID != c.sid {
		return domain.ChatMessage{}, false, fmt.Errorf("%s envelope carries a foreign message", env.Kind)
	}
	if m.SenderID != env.SenderID {
		return domain.ChatMessage{}, false, fmt.Errorf("%w: %s relayed a message from %s", domain.ErrPermissionDenied, env.SenderID, m.SenderID)
	}
	return m, c.add(m), nil
}

// Fetch reads stored history and relayed copies from the channel log.
func (c *Channel) Fetch(ctx context.Context) ([]domain.ChatMessage, error) {
	stored, err := c.log.History(ctx, c.self, c.sid)
	if err != nil {
		return nil, err
	}
	relayed, err := c.channel.History(ctx, c.sid, core.HistoryFilter{Kinds: []domain.EnvelopeKind{domain.KindRelayedMessage}})
	if err != nil {
		// The authoritative history alone is still usable.
		log.Warn().Str("module", "chat").Str("sid", string(c.sid)).Err(err).Msg("relayed history unavailable")
		return stored, nil
	}
	for _, env := range relayed {
		var m domain.ChatMessage
		if env.Decode(&m) == nil && m.ID != "" && m.SenderID == env.SenderID {
			stored = append(stored, m)
		}
	}
	return stored, nil
}

// Merge adds messages not seen yet and returns them in history order.
func (c *Channel) Merge(msgs []domain.ChatMessage) []domain.ChatMessage {
	var fresh []domain.ChatMessage
	for _, m := range msgs {
		if m.SessionID == c.sid && c.add(m) {
			fresh = append(fresh, m)
		}
	}
	sortMessages(fresh)
	return fresh
}

// Load is Fetch followed by Merge.
func (c *Channel) Load(ctx context.Context) ([]domain.ChatMessage, error) {
	msgs, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.Merge(msgs)
	return c.History(), nil
}

// History is every known message ordered by CreatedAt, ties by arrival.
func (c *Channel) History() []domain.ChatMessage {
	es := make([]entry, len(c.entries))
	copy(es, c.entries)
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].msg.CreatedAt.Equal(es[j].msg.CreatedAt) {
			return es[i].msg.CreatedAt.Before(es[j].msg.CreatedAt)
		}
		return es[i].arrival < es[j].arrival
	})
	out := make([]domain.ChatMessage, len(es))
	for i, e := range es {
		out[i] = e.msg
	}
	return out
}

func (c *Channel) Len() int { return len(c.entries) }

func (c *Channel) add(m domain.ChatMessage) bool {
	if _, ok := c.byID[m.ID]; ok {
		return false
	}
	c.arrival++
	c.byID[m.ID] = struct{}{}
	c.entries = append(c.entries, entry{msg: m, arrival: c.arrival})
	return true
}

func sortMessages(ms []domain.ChatMessage) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].CreatedAt.Before(ms[j].CreatedAt) })
}
