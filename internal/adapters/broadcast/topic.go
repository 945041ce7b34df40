package broadcast

import (
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog/log"
)

// topic is the set of live subscriptions of one session.
// It never touches the history log.
type topic struct {
	sid domain.SessionID

	pubMu sync.Mutex
	last  time.Time

	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscription
}

func newTopic(sid domain.SessionID) *topic {
	return &topic{sid: sid, subs: make(map[uint64]*subscription)}
}

// stamp returns a strictly increasing timestamp for this topic.
// Callers hold pubMu.
func (t *topic) stamp(now time.Time) time.Time {
	now = now.UTC()
	if !now.After(t.last) {
		now = t.last.Add(time.Microsecond)
	}
	t.last = now
	return now
}

func (t *topic) add() *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	s := &subscription{id: t.next, topic: t, box: core.NewMailbox[domain.Envelope]()}
	t.subs[s.id] = s
	log.Info().Str("module", "broadcast").Str("sid", string(t.sid)).Uint64("sub", s.id).Msg("subscriber added")
	return s
}

func (t *topic) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[id]; ok {
		delete(t.subs, id)
		log.Info().Str("module", "broadcast").Str("sid", string(t.sid)).Uint64("sub", id).Msg("subscriber removed")
	}
}

func (t *topic) fanout(env domain.Envelope) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.subs {
		if s.box.Push(env) {
			n++
		}
	}
	return n
}

func (t *topic) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *topic) closeAll() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[uint64]*subscription)
	t.mu.Unlock()
	for _, s := range subs {
		s.box.Close()
	}
}

type subscription struct {
	id    uint64
	topic *topic
	box   *core.Mailbox[domain.Envelope]
	once  sync.Once
}

func (s *subscription) Envelopes() <-chan domain.Envelope { return s.box.Out() }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.topic.remove(s.id)
		s.box.Close()
	})
}
