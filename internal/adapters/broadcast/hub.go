// Package broadcast is the in-process Signal Channel Transport: a
// publish/subscribe hub keyed by session id with a pluggable history log.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrHubClosed = errors.New("hub closed")

// Hub implements core.Channel. Envelopes are stamped, appended to the store
// and then fanned out to every live subscriber of the session, the sender's
// own subscriptions included; receivers skip what they authored.
type Hub struct {
	store core.EnvelopeStore
	now   func() time.Time

	mu        sync.RWMutex
	topics    map[domain.SessionID]*topic
	observers []func(domain.Envelope)
	closed    bool
}

var _ core.Channel = (*Hub)(nil)

func NewHub(store core.EnvelopeStore) *Hub {
	return &Hub{
		store:  store,
		now:    time.Now,
		topics: make(map[domain.SessionID]*topic),
	}
}

// Observe registers fn to see every published envelope after fan-out.
func (h *Hub) Observe(fn func(domain.Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

func (h *Hub) getOrCreate(sid domain.SessionID) (*topic, error) {
	h.mu.RLock()
	t, ok := h.topics[sid]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrHubClosed
	}
	if ok {
		return t, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[sid]; ok {
		return t, nil
	}
	t = newTopic(sid)
	h.topics[sid] = t
	return t, nil
}

func (h *Hub) Publish(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	if err := env.Validate(); err != nil {
		return domain.Envelope{}, err
	}
	t, err := h.getOrCreate(env.SessionID)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrChannel, err)
	}

	// Stamping, append and fan-out happen under the topic lock so the
	// stored order, created_at order and delivery order agree.
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	env.ID = domain.NewEnvelopeID()
	env.CreatedAt = t.stamp(h.now())
	if err := h.store.AppendEnvelope(ctx, env); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: append envelope: %v", domain.ErrChannel, err)
	}
	n := t.fanout(env)
	log.Debug().Str("module", "broadcast").Str("sid", string(env.SessionID)).
		Str("kind", string(env.Kind)).Str("from", string(env.SenderID)).Int("sent_to", n).Msg("published")

	h.mu.RLock()
	observers := h.observers
	h.mu.RUnlock()
	for _, fn := range observers {
		fn(env)
	}
	return env, nil
}

func (h *Hub) Subscribe(ctx context.Context, sid domain.SessionID) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := h.getOrCreate(sid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrChannel, err)
	}
	return t.add(), nil
}

func (h *Hub) History(ctx context.Context, sid domain.SessionID, f core.HistoryFilter) ([]domain.Envelope, error) {
	out, err := h.store.Envelopes(ctx, sid, f)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", domain.ErrChannel, err)
	}
	return out, nil
}

// SubscriberCount is the number of live subscriptions on sid.
func (h *Hub) SubscriberCount(sid domain.SessionID) int {
	h.mu.RLock()
	t, ok := h.topics[sid]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.count()
}

// StopTopic closes every subscription on sid and forgets the topic.
func (h *Hub) StopTopic(sid domain.SessionID) {
	h.mu.Lock()
	t, ok := h.topics[sid]
	delete(h.topics, sid)
	h.mu.Unlock()
	if ok {
		t.closeAll()
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	topics := h.topics
	h.topics = make(map[domain.SessionID]*topic)
	h.mu.Unlock()
	for _, t := range topics {
		t.closeAll()
	}
}
