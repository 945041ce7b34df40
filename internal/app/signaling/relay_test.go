package signaling

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Consult/internal/domain"
)

type fakePeer struct {
	remote     *webrtc.SessionDescription
	offers     int
	answers    int
	candidates []webrtc.ICECandidateInit
	failApply  error
}

func (f *fakePeer) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (f *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (f *fakePeer) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if f.failApply != nil {
		return webrtc.SessionDescription{}, f.failApply
	}
	f.offers++
	f.remote = &offer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (f *fakePeer) ApplyAnswer(answer webrtc.SessionDescription) error {
	if f.failApply != nil {
		return f.failApply
	}
	f.answers++
	f.remote = &answer
	return nil
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeer) HasRemoteDescription() bool { return f.remote != nil }
func (f *fakePeer) Close() error               { return nil }

var (
	provider = domain.Identity{UserID: "doc", Role: domain.RoleProvider}
	patient  = domain.Identity{UserID: "pat", Role: domain.RolePatient}
	ready    = Readiness{MediaAcquired: true, Admitted: true}
)

func envelope(t *testing.T, from domain.UserID, kind domain.EnvelopeKind, payload any) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope("s1", from, kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	env.ID = domain.NewEnvelopeID()
	env.CreatedAt = time.Now()
	return env
}

func candidate(t *testing.T, from domain.UserID, c string, mid string, idx uint16) domain.Envelope {
	return envelope(t, from, domain.KindICECandidate, domain.CandidatePayload{Candidate: c, SDPMid: &mid, SDPMLineIndex: &idx})
}

func TestStartGuards(t *testing.T) {
	tests := []struct {
		name  string
		who   domain.Identity
		ready Readiness
	}{
		{"provider without media", provider, Readiness{Admitted: true}},
		{"patient without media", patient, Readiness{Admitted: true}},
		{"patient not admitted", patient, Readiness{MediaAcquired: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.who, "s1")
			if _, err := r.Start(&fakePeer{}, tt.ready); !errors.Is(err, domain.ErrNotReady) {
				t.Fatalf("err = %v, want ErrNotReady", err)
			}
			if r.Started() {
				t.Fatal("relay started despite guard")
			}
		})
	}
}

func TestProviderOffersOnce(t *testing.T) {
	r := New(provider, "s1")
	out, err := r.Start(&fakePeer{}, Readiness{MediaAcquired: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Kind != domain.KindOffer {
		t.Fatalf("start output = %+v", out)
	}
	var d domain.DescriptionPayload
	if err := out[0].Decode(&d); err != nil || d.Type != "offer" || d.SDP != "local-offer" {
		t.Fatalf("offer payload = %+v err=%v", d, err)
	}
	again, err := r.Start(&fakePeer{}, ready)
	if err != nil || len(again) != 0 {
		t.Fatalf("second start = %+v err=%v", again, err)
	}
}

func TestOfferIsIdempotent(t *testing.T) {
	peer := &fakePeer{}
	r := New(patient, "s1")
	if _, err := r.Start(peer, ready); err != nil {
		t.Fatal(err)
	}
	offer := envelope(t, "doc", domain.KindOffer, domain.DescriptionPayload{Type: "offer", SDP: "v=0 a"})

	out, err := r.Apply(offer)
	if err != nil || len(out) != 1 || out[0].Kind != domain.KindAnswer {
		t.Fatalf("answer = %+v err=%v", out, err)
	}
	out, err = r.Apply(offer)
	if err != nil || len(out) != 0 {
		t.Fatalf("replayed offer produced %+v err=%v", out, err)
	}
	different := envelope(t, "doc", domain.KindOffer, domain.DescriptionPayload{Type: "offer", SDP: "v=0 b"})
	if out, _ := r.Apply(different); len(out) != 0 {
		t.Fatal("conflicting offer was applied")
	}
	if peer.offers != 1 || peer.remote.SDP != "v=0 a" {
		t.Fatalf("peer saw %d offers, remote %q", peer.offers, peer.remote.SDP)
	}
}

func TestCandidatesAreASet(t *testing.T) {
	peer := &fakePeer{}
	r := New(provider, "s1")
	if _, err := r.Start(peer, ready); err != nil {
		t.Fatal(err)
	}

	c1 := candidate(t, "pat", "candidate:1", "0", 0)
	c2 := candidate(t, "pat", "candidate:2", "0", 0)
	c1again := candidate(t, "pat", "candidate:1", "0", 0)

	// Candidates before the answer are queued, duplicates once.
	for _, env := range []domain.Envelope{c1, c2, c1again} {
		if _, err := r.Apply(env); err != nil {
			t.Fatal(err)
		}
	}
	if len(peer.candidates) != 0 || r.Pending() != 2 {
		t.Fatalf("applied %d before remote description, pending %d", len(peer.candidates), r.Pending())
	}

	answer := envelope(t, "pat", domain.KindAnswer, domain.DescriptionPayload{Type: "answer", SDP: "v=0 ans"})
	if _, err := r.Apply(answer); err != nil {
		t.Fatal(err)
	}
	if len(peer.candidates) != 2 || r.Pending() != 0 {
		t.Fatalf("after flush applied=%d pending=%d", len(peer.candidates), r.Pending())
	}

	// Reapplying the same candidate or answer is a no-op.
	_, _ = r.Apply(c2)
	_, _ = r.Apply(answer)
	if len(peer.candidates) != 2 || peer.answers != 1 {
		t.Fatalf("reapply changed the peer: candidates=%d answers=%d", len(peer.candidates), peer.answers)
	}

	// Same candidate string on another m-line is a distinct entry.
	if _, err := r.Apply(candidate(t, "pat", "candidate:1", "1", 1)); err != nil {
		t.Fatal(err)
	}
	if len(peer.candidates) != 3 {
		t.Fatalf("candidates = %d", len(peer.candidates))
	}
}

func TestBufferedBeforeStart(t *testing.T) {
	peer := &fakePeer{}
	r := New(patient, "s1")

	// Candidate first, then the offer: out of order relative to each other.
	if _, err := r.Apply(candidate(t, "doc", "candidate:9", "0", 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Apply(envelope(t, "doc", domain.KindOffer, domain.DescriptionPayload{Type: "offer", SDP: "v=0"})); err != nil {
		t.Fatal(err)
	}
	if peer.offers != 0 {
		t.Fatal("applied before start")
	}

	out, err := r.Start(peer, ready)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Kind != domain.KindAnswer {
		t.Fatalf("start output = %+v", out)
	}
	if len(peer.candidates) != 1 {
		t.Fatalf("buffered candidate not applied: %d", len(peer.candidates))
	}
}

func TestNegotiationFailure(t *testing.T) {
	peer := &fakePeer{failApply: errors.New("bad sdp")}
	r := New(patient, "s1")
	if _, err := r.Start(peer, ready); err != nil {
		t.Fatal(err)
	}
	_, err := r.Apply(envelope(t, "doc", domain.KindOffer, domain.DescriptionPayload{Type: "offer", SDP: "garbage"}))
	if !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestCandidateEnvelope(t *testing.T) {
	r := New(provider, "s1")
	mid := "0"
	env, err := r.Candidate(webrtc.ICECandidateInit{Candidate: "candidate:x", SDPMid: &mid})
	if err != nil {
		t.Fatal(err)
	}
	var c domain.CandidatePayload
	if err := env.Decode(&c); err != nil || c.Candidate != "candidate:x" || *c.SDPMid != "0" || c.SDPMLineIndex != nil {
		t.Fatalf("payload = %+v err=%v", c, err)
	}
	if env.Kind != domain.KindICECandidate || env.SenderID != "doc" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestOfferFromNewLinkRestarts(t *testing.T) {
	doc := New(provider, "s1")
	out, err := doc.Start(&fakePeer{}, ready)
	if err != nil {
		t.Fatal(err)
	}
	offer := out[0]
	var sent domain.DescriptionPayload
	if err := offer.Decode(&sent); err != nil || sent.Link == "" {
		t.Fatalf("offer carries no link: %+v err=%v", sent, err)
	}

	pat := New(patient, "s1")
	if pat.Restarts(offer) {
		t.Fatal("first offer treated as a restart")
	}
	if _, err := pat.Start(&fakePeer{}, ready); err != nil {
		t.Fatal(err)
	}
	answers, err := pat.Apply(offer)
	if err != nil || len(answers) != 1 {
		t.Fatalf("answer = %+v err=%v", answers, err)
	}
	var echoed domain.DescriptionPayload
	if err := answers[0].Decode(&echoed); err != nil || echoed.Link != sent.Link {
		t.Fatalf("answer link = %q, want %q", echoed.Link, sent.Link)
	}

	// Same link, different SDP: a conflict, not a restart.
	conflict := envelope(t, "doc", domain.KindOffer, domain.DescriptionPayload{Type: "offer", SDP: "v=0 other", Link: sent.Link})
	if pat.Restarts(conflict) || pat.Restarts(offer) {
		t.Fatal("same link reported as restart")
	}
	unlinked := envelope(t, "doc", domain.KindOffer, domain.DescriptionPayload{Type: "offer", SDP: "v=0 other"})
	if pat.Restarts(unlinked) {
		t.Fatal("unlinked offer reported as restart")
	}

	// A rebuilt provider peer offers under a new link.
	fresh, err := New(provider, "s1").Start(&fakePeer{}, ready)
	if err != nil {
		t.Fatal(err)
	}
	if !pat.Restarts(fresh[0]) {
		t.Fatal("offer from a new link not reported as restart")
	}
}

func TestAnswerForOtherLinkIgnored(t *testing.T) {
	peer := &fakePeer{}
	r := New(provider, "s1")
	if _, err := r.Start(peer, ready); err != nil {
		t.Fatal(err)
	}
	stale := envelope(t, "pat", domain.KindAnswer, domain.DescriptionPayload{Type: "answer", SDP: "v=0 old", Link: "gone"})
	if _, err := r.Apply(stale); err != nil {
		t.Fatal(err)
	}
	if peer.answers != 0 {
		t.Fatal("answer for another link was applied")
	}
}
