package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var appt = domain.Appointment{ID: "appt-1", ProviderID: "doc", PatientID: "pat"}

func TestSessionLiveIndex(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := domain.NewSession(appt, domain.ModalityVideo, now)
	got, created, err := s.CreateIfAbsent(ctx, first)
	if err != nil || !created || got.ID != first.ID {
		t.Fatalf("first create: %+v created=%v err=%v", got, created, err)
	}

	dup := domain.NewSession(appt, domain.ModalityAudio, now)
	got, created, err = s.CreateIfAbsent(ctx, dup)
	if err != nil || created || got.ID != first.ID {
		t.Fatalf("second create should resume: %+v created=%v err=%v", got, created, err)
	}
	if got.Modality != domain.ModalityVideo {
		t.Fatalf("resumed modality = %s", got.Modality)
	}

	ended, err := s.UpdateSession(ctx, first.ID, func(sess *domain.Session) error {
		*sess = sess.Finish("doc", "done", now.Add(time.Minute))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ended.Duration != time.Minute || ended.Notes != "done" {
		t.Fatalf("ended = %+v", ended)
	}

	next := domain.NewSession(appt, domain.ModalityChat, now)
	got, created, err = s.CreateIfAbsent(ctx, next)
	if err != nil || !created || got.ID != next.ID {
		t.Fatalf("create after end: %+v created=%v err=%v", got, created, err)
	}

	stored, err := s.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.StateEnded || stored.EndedBy != "doc" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestSessionErrors(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if _, err := s.UpdateSession(ctx, "missing", func(*domain.Session) error { return nil }); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}

	sess := domain.NewSession(appt, domain.ModalityVideo, time.Now())
	if _, _, err := s.CreateIfAbsent(ctx, sess); err != nil {
		t.Fatal(err)
	}
	_, err := s.UpdateSession(ctx, sess.ID, func(s *domain.Session) error {
		s.State = domain.StateActive
		return domain.ErrInvalidTransition
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("update error = %v", err)
	}
	stored, _ := s.GetSession(ctx, sess.ID)
	if stored.State != domain.StateWaiting {
		t.Fatalf("failed update persisted: %s", stored.State)
	}
}

func TestEnvelopeLog(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	kinds := []domain.EnvelopeKind{domain.KindJoinLobby, domain.KindAdmitPatient, domain.KindJoinLobby}
	senders := []domain.UserID{"pat", "doc", "pat"}
	var ids []domain.EnvelopeID
	for i, k := range kinds {
		env, err := domain.NewEnvelope("s1", senders[i], k, domain.LobbyPayload{Name: "P"})
		if err != nil {
			t.Fatal(err)
		}
		env.ID = domain.NewEnvelopeID()
		env.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.AppendEnvelope(ctx, env); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, env.ID)
	}

	all, err := s.Envelopes(ctx, "s1", core.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != ids[0] || all[2].ID != ids[2] {
		t.Fatalf("all = %+v", all)
	}
	var p domain.LobbyPayload
	if err := all[0].Decode(&p); err != nil || p.Name != "P" {
		t.Fatalf("payload = %+v err=%v", p, err)
	}

	joins, _ := s.Envelopes(ctx, "s1", core.HistoryFilter{Kinds: []domain.EnvelopeKind{domain.KindJoinLobby}})
	if len(joins) != 2 {
		t.Fatalf("joins = %d", len(joins))
	}
	after, _ := s.Envelopes(ctx, "s1", core.HistoryFilter{AfterID: ids[0]})
	if len(after) != 2 || after[0].ID != ids[1] {
		t.Fatalf("after = %+v", after)
	}
	since, _ := s.Envelopes(ctx, "s1", core.HistoryFilter{Since: base.Add(time.Second), SenderID: "pat"})
	if len(since) != 1 || since[0].ID != ids[2] {
		t.Fatalf("since = %+v", since)
	}
	none, _ := s.Envelopes(ctx, "other", core.HistoryFilter{})
	if len(none) != 0 {
		t.Fatalf("foreign session leaked %d", len(none))
	}
}

func TestMessagesIdempotentAndOrdered(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	who := domain.Identity{UserID: "pat", Name: "Pat", Role: domain.RolePatient}

	late, _ := domain.NewChatMessage("s1", who, "second", 0, base.Add(time.Second))
	early, _ := domain.NewChatMessage("s1", who, "first", 0, base)

	for _, m := range []domain.ChatMessage{late, early, late} {
		if _, err := s.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	created, err := s.AppendMessage(ctx, early)
	if err != nil || created {
		t.Fatalf("duplicate append created=%v err=%v", created, err)
	}

	got, err := s.Messages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != early.ID || got[1].ID != late.ID {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].SenderRole != domain.RolePatient || got[0].SenderName != "Pat" {
		t.Fatalf("sender fields lost: %+v", got[0])
	}
}

func TestMessageIDsScopedToSession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	who := domain.Identity{UserID: "pat", Name: "Pat", Role: domain.RolePatient}
	m, _ := domain.NewChatMessage("s1", who, "hello", 0, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	other := m
	other.SessionID = "s2"

	for _, msg := range []domain.ChatMessage{m, other} {
		created, err := s.AppendMessage(ctx, msg)
		if err != nil || !created {
			t.Fatalf("append to %s: created=%v err=%v", msg.SessionID, created, err)
		}
	}
	if created, err := s.AppendMessage(ctx, other); err != nil || created {
		t.Fatalf("duplicate within a session: created=%v err=%v", created, err)
	}
	for _, sid := range []domain.SessionID{"s1", "s2"} {
		got, err := s.Messages(ctx, sid)
		if err != nil || len(got) != 1 || got[0].ID != m.ID {
			t.Fatalf("%s messages = %+v err=%v", sid, got, err)
		}
	}
}
