package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Consult/internal/adapters/broadcast"
	api "github.com/dkeye/Consult/internal/adapters/http"
	"github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/adapters/sse"
	"github.com/dkeye/Consult/internal/adapters/store/memory"
	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/chat"
	"github.com/dkeye/Consult/internal/app/lifecycle"
	"github.com/dkeye/Consult/internal/app/orch"
	"github.com/dkeye/Consult/internal/app/presence"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

var (
	doc      = domain.Identity{UserID: "doc", Name: "Dr. Doc", Role: domain.RoleProvider}
	pat      = domain.Identity{UserID: "pat", Name: "Pat", Role: domain.RolePatient}
	stranger = domain.Identity{UserID: "eve", Name: "Eve", Role: domain.RolePatient}
	appt     = domain.Appointment{ID: "appt-1", ProviderID: "doc", PatientID: "pat"}
)

type server struct {
	url  string
	auth *api.Authenticator
	hub  *broadcast.Hub
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := memory.NewStore()
	hub := broadcast.NewHub(store)
	feed := sse.NewFeed(hub, 0)
	hub.Observe(feed.Publish)
	reg := presence.NewRegistry()
	auth := api.NewAuthenticator("test-secret", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	r := api.SetupRouter(ctx, &config.Config{Mode: "test", Secret: "cookie-secret"}, api.Deps{
		Sessions: lifecycle.NewService(store, memory.NewAppointments(appt), hub),
		Messages: chat.NewLog(store, store, hub, 0),
		Channel:  hub,
		Signal:   signal.NewSignalWSController(hub, reg, signal.Config{}),
		Feed:     feed,
		Presence: reg,
		Auth:     auth,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		feed.Close()
		hub.Close()
	})
	return &server{url: srv.URL, auth: auth, hub: hub}
}

func (s *server) client(t *testing.T, who domain.Identity) *Client {
	t.Helper()
	tok, err := s.auth.Issue(who)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, err := New(Config{BaseURL: s.url, Token: tok, Retry: app.RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
		MaxRetries:      5,
	}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func next(t *testing.T, sub core.Subscription) domain.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.Envelopes():
		if !ok {
			t.Fatal("subscription closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope")
	}
	return domain.Envelope{}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"ftp://x", "localhost:8080", "::"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Errorf("New(%q) accepted", raw)
		}
	}
}

func TestSessionCalls(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	sessions := s.client(t, pat).Sessions()

	sess, err := sessions.CreateOrResume(ctx, pat, appt.ID, domain.ModalityVideo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.State != domain.StateWaiting || sess.PatientID != pat.UserID {
		t.Fatalf("session = %+v", sess)
	}
	again, err := sessions.CreateOrResume(ctx, pat, appt.ID, domain.ModalityVideo)
	if err != nil || again.ID != sess.ID {
		t.Fatalf("resume = %+v, %v", again, err)
	}

	if _, err := sessions.Activate(ctx, pat, sess.ID); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("patient activate err = %v", err)
	}
	if _, err := s.client(t, stranger).Sessions().Get(ctx, stranger, sess.ID); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("stranger get err = %v", err)
	}
	if _, err := sessions.Get(ctx, pat, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing get err = %v", err)
	}

	docSessions := s.client(t, doc).Sessions()
	active, err := docSessions.Activate(ctx, doc, sess.ID)
	if err != nil || active.State != domain.StateActive {
		t.Fatalf("activate = %+v, %v", active, err)
	}
	ended, err := docSessions.End(ctx, doc, sess.ID, "follow up in a week")
	if err != nil || ended.State != domain.StateEnded || ended.Notes != "follow up in a week" {
		t.Fatalf("end = %+v, %v", ended, err)
	}
	if _, err := docSessions.Activate(ctx, doc, sess.ID); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("activate ended err = %v", err)
	}
}

func TestUnauthenticated(t *testing.T) {
	s := newServer(t)
	c, err := New(Config{BaseURL: s.url})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Sessions().CreateOrResume(context.Background(), pat, appt.ID, domain.ModalityChat); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnreachableServerIsChannelError(t *testing.T) {
	s := newServer(t)
	c := s.client(t, pat)
	c.base.Host = "127.0.0.1:1"
	_, err := c.Sessions().Get(context.Background(), pat, "s")
	if !errors.Is(err, domain.ErrChannel) {
		t.Fatalf("err = %v", err)
	}
	if !app.Retryable(err) {
		t.Fatal("transport failure should be retryable")
	}
}

func TestMessagesAndEnvelopes(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.client(t, pat)
	sess, err := c.Sessions().CreateOrResume(ctx, pat, appt.ID, domain.ModalityChat)
	if err != nil {
		t.Fatal(err)
	}

	msg := domain.ChatMessage{ID: "m1", SessionID: sess.ID, Content: "hello"}
	if err := c.Messages().Post(ctx, pat, msg); err != nil {
		t.Fatalf("post: %v", err)
	}
	// Client-assigned ids make a resend harmless.
	if err := c.Messages().Post(ctx, pat, msg); err != nil {
		t.Fatalf("repost: %v", err)
	}
	msg.ID = "m2"
	msg.Content = "  "
	if err := c.Messages().Post(ctx, pat, msg); !errors.Is(err, domain.ErrEmptyMessage) {
		t.Fatalf("blank post err = %v", err)
	}
	hist, err := c.Messages().History(ctx, pat, sess.ID)
	if err != nil || len(hist) != 1 || hist[0].SenderID != pat.UserID {
		t.Fatalf("history = %+v, %v", hist, err)
	}

	join, _ := domain.NewEnvelope(sess.ID, "", domain.KindJoinLobby, domain.LobbyPayload{Name: pat.Name})
	out, err := c.Channel().Publish(ctx, join)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if out.ID == "" || out.SenderID != pat.UserID {
		t.Fatalf("published = %+v", out)
	}
	forged, _ := domain.NewEnvelope(sess.ID, "", domain.KindSessionStatus, domain.StatusPayload{State: domain.StateEnded})
	if _, err := c.Channel().Publish(ctx, forged); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("forged status err = %v", err)
	}

	joins, err := c.Channel().History(ctx, sess.ID, core.HistoryFilter{Kinds: []domain.EnvelopeKind{domain.KindJoinLobby}, SenderID: pat.UserID})
	if err != nil || len(joins) != 1 || joins[0].ID != out.ID {
		t.Fatalf("joins = %+v, %v", joins, err)
	}
	all, err := c.Channel().History(ctx, sess.ID, core.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	after, err := c.Channel().History(ctx, sess.ID, core.HistoryFilter{AfterID: all[0].ID})
	if err != nil || len(after) != len(all)-1 {
		t.Fatalf("after = %d envelopes, want %d (%v)", len(after), len(all)-1, err)
	}
}

func TestSubscribeResumesAfterDrop(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.client(t, pat)
	sess, err := c.Sessions().CreateOrResume(ctx, pat, appt.ID, domain.ModalityChat)
	if err != nil {
		t.Fatal(err)
	}

	sub, err := c.Channel().Subscribe(ctx, sess.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	publish := func(payload string) domain.Envelope {
		env, _ := domain.NewEnvelope(sess.ID, doc.UserID, domain.KindICECandidate, domain.CandidatePayload{Candidate: payload})
		out, err := s.hub.Publish(ctx, env)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	first := publish("a")
	if got := next(t, sub); got.ID != first.ID {
		t.Fatalf("got %s, want %s", got.ID, first.ID)
	}

	// A second socket for the same user displaces the subscription's.
	tok, _ := s.auth.Issue(pat)
	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/api/sessions/" + string(sess.ID) + "/ws?access_token=" + tok
	intruder, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer intruder.Close()

	second := publish("b")
	third := publish("c")
	for _, want := range []domain.EnvelopeID{second.ID, third.ID} {
		if got := next(t, sub); got.ID != want {
			t.Fatalf("got %s, want %s", got.ID, want)
		}
	}
	select {
	case env := <-sub.Envelopes():
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeHandshakeErrors(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	sess, err := s.client(t, pat).Sessions().CreateOrResume(ctx, pat, appt.ID, domain.ModalityChat)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.client(t, stranger).Channel().Subscribe(ctx, sess.ID); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("stranger subscribe err = %v", err)
	}
	if _, err := s.client(t, pat).Channel().Subscribe(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing session err = %v", err)
	}
}

func TestSubscriptionClose(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.client(t, pat)
	sess, err := c.Sessions().CreateOrResume(ctx, pat, appt.ID, domain.ModalityChat)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := c.Channel().Subscribe(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close()
	select {
	case _, ok := <-sub.Envelopes():
		if ok {
			for range sub.Envelopes() {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("envelopes not closed")
	}
}

// Two coordinators in separate "processes" hold a chat consultation
// through the HTTP and WebSocket API only.
func TestCoordinatorsOverRemote(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	deps := func(who domain.Identity) orch.Deps {
		c := s.client(t, who)
		return orch.Deps{Sessions: c.Sessions(), Messages: c.Messages(), Channel: c.Channel()}
	}
	run := func(who domain.Identity) (*orch.Coordinator, <-chan orch.Event) {
		co := orch.New(who, appt.ID, domain.ModalityChat, deps(who), orch.Options{})
		events := make(chan orch.Event, 256)
		go func() {
			for ev := range co.Events() {
				events <- ev
			}
			close(events)
		}()
		if err := co.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", who.UserID, err)
		}
		t.Cleanup(func() {
			_ = co.Leave(ctx)
			<-co.Done()
		})
		return co, events
	}

	patient, patEvents := run(pat)
	provider, docEvents := run(doc)

	waitEvent(t, docEvents, func(ev orch.Event) bool {
		w, ok := ev.(orch.PatientWaiting)
		return ok && w.Entry.PatientID == pat.UserID
	})
	if err := provider.Admit(ctx, pat.UserID); err != nil {
		t.Fatalf("admit: %v", err)
	}
	waitEvent(t, patEvents, func(ev orch.Event) bool {
		sc, ok := ev.(orch.StateChanged)
		return ok && sc.To == domain.StateActive
	})

	sent, err := patient.Send(ctx, "can you hear me?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitEvent(t, docEvents, func(ev orch.Event) bool {
		m, ok := ev.(orch.Message)
		return ok && m.Msg.ID == sent.ID && !m.Local
	})

	if _, err := provider.End(ctx, "done"); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitEvent(t, patEvents, func(ev orch.Event) bool {
		_, ok := ev.(orch.Ended)
		return ok
	})
}

func waitEvent(t *testing.T, events <-chan orch.Event, match func(orch.Event) bool) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("events closed")
			}
			if match(ev) {
				return
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}
}
