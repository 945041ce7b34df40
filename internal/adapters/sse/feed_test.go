package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/adapters/broadcast"
	"github.com/dkeye/Consult/internal/adapters/store/memory"
	"github.com/dkeye/Consult/internal/domain"
)

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

type fixture struct {
	hub  *broadcast.Hub
	feed *Feed
	url  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := broadcast.NewHub(memory.NewStore())
	feed := NewFeed(hub, 0)
	hub.Observe(feed.Publish)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		feed.Handler(domain.SessionID(strings.TrimPrefix(r.URL.Path, "/events/")))(w, r)
	}))
	t.Cleanup(func() {
		feed.Close()
		srv.Close()
		hub.Close()
	})
	return &fixture{hub: hub, feed: feed, url: srv.URL + "/events/"}
}

// stream opens the feed and decodes events onto a channel.
func (f *fixture) stream(t *testing.T, sid, lastEventID string) <-chan sseEvent {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.url+sid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.ID != "" || ev.Data != "" {
					out <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "id: "):
				ev.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data += strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

func next(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sseEvent{}
}

func (f *fixture) publish(t *testing.T, sid domain.SessionID, kind domain.EnvelopeKind) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(sid, "doc", kind, domain.AdmitPayload{PatientID: "pat"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.hub.Publish(context.Background(), env)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return out
}

func TestLiveFeed(t *testing.T) {
	f := newFixture(t)
	events := f.stream(t, "s1", "")

	f.publish(t, "s2", domain.KindJoinLobby)
	sent := f.publish(t, "s1", domain.KindAdmitPatient)

	ev := next(t, events)
	if ev.ID != string(sent.ID) || ev.Event != string(domain.KindAdmitPatient) {
		t.Fatalf("event = %+v", ev)
	}
	var got domain.Envelope
	if err := json.Unmarshal([]byte(ev.Data), &got); err != nil {
		t.Fatalf("data: %v", err)
	}
	if got.SessionID != "s1" || got.SenderID != "doc" {
		t.Fatalf("envelope = %+v", got)
	}
}

func TestReplayFromLastEventID(t *testing.T) {
	f := newFixture(t)
	first := f.publish(t, "s1", domain.KindJoinLobby)
	second := f.publish(t, "s1", domain.KindAdmitPatient)
	third := f.publish(t, "s1", domain.KindAdmitAck)

	events := f.stream(t, "s1", string(first.ID))
	for _, want := range []domain.Envelope{second, third} {
		if ev := next(t, events); ev.ID != string(want.ID) {
			t.Fatalf("replayed %s, want %s", ev.ID, want.ID)
		}
	}
}

func TestCloseEndsStreams(t *testing.T) {
	f := newFixture(t)
	events := f.stream(t, "s1", "")
	f.feed.Close()
	f.feed.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("unexpected event after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed")
	}
	// Publishing after close must not block.
	f.publish(t, "s1", domain.KindJoinLobby)
}
