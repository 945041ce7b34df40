// Package signaling exchanges session descriptions and ICE candidates over
// the session channel. The provider offers and the patient answers.
package signaling

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Readiness gates Start.
type Readiness struct {
	MediaAcquired bool
	Admitted      bool
}

// Relay applies remote signaling envelopes to a PeerLink at most once.
// Not safe for concurrent use; the coordinator loop owns it.
type Relay struct {
	self domain.Identity
	sid  domain.SessionID

	peer     core.PeerLink
	buffered []domain.Envelope

	localSDP  string
	remoteSDP string
	link      string // provider peer this negotiation belongs to

	applied map[string]struct{}
	queued  map[string]struct{}
	pending []domain.CandidatePayload
}

func New(self domain.Identity, sid domain.SessionID) *Relay {
	return &Relay{
		self:    self,
		sid:     sid,
		applied: make(map[string]struct{}),
		queued:  make(map[string]struct{}),
	}
}

func (r *Relay) Started() bool { return r.peer != nil }

// Start binds the peer and returns envelopes to publish: the offer on the
// provider side, plus any answer produced by flushing buffered envelopes.
func (r *Relay) Start(peer core.PeerLink, ready Readiness) ([]domain.Envelope, error) {
	if r.peer != nil {
		return nil, nil
	}
	if !ready.MediaAcquired {
		return nil, fmt.Errorf("%w: local media not acquired", domain.ErrNotReady)
	}
	if !r.self.IsProvider() && !ready.Admitted {
		return nil, fmt.Errorf("%w: patient not admitted", domain.ErrNotReady)
	}
	r.peer = peer

	var out []domain.Envelope
	if r.self.IsProvider() {
		offer, err := peer.CreateOffer()
		if err != nil {
			return nil, fmt.Errorf("%w: create offer: %v", domain.ErrConnection, err)
		}
		r.localSDP = offer.SDP
		r.link = uuid.NewString()
		env, err := r.description(domain.KindOffer, offer)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}

	buffered := r.buffered
	r.buffered = nil
	for _, env := range buffered {
		replies, err := r.Apply(env)
		if err != nil {
			return out, err
		}
		out = append(out, replies...)
	}
	return out, nil
}

// Apply folds a remote signaling envelope into the peer. Envelopes that
// arrive before Start are buffered.
func (r *Relay) Apply(env domain.Envelope) ([]domain.Envelope, error) {
	switch env.Kind {
	case domain.KindOffer, domain.KindAnswer, domain.KindICECandidate:
	default:
		return nil, nil
	}
	if r.peer == nil {
		r.buffered = append(r.buffered, env)
		return nil, nil
	}

	switch env.Kind {
	case domain.KindOffer:
		return r.applyOffer(env)
	case domain.KindAnswer:
		return nil, r.applyAnswer(env)
	default:
		var c domain.CandidatePayload
		if err := env.Decode(&c); err != nil {
			return nil, err
		}
		return nil, r.addCandidate(c)
	}
}

func (r *Relay) applyOffer(env domain.Envelope) ([]domain.Envelope, error) {
	if r.self.IsProvider() {
		log.Warn().Str("module", "signaling").Str("sid", string(r.sid)).Str("from", string(env.SenderID)).Msg("provider ignores offer")
		return nil, nil
	}
	var d domain.DescriptionPayload
	if err := env.Decode(&d); err != nil {
		return nil, err
	}
	if !r.register(d.SDP) {
		return nil, nil
	}
	r.link = d.Link
	answer, err := r.peer.ApplyOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP})
	if err != nil {
		r.remoteSDP = ""
		return nil, fmt.Errorf("%w: apply offer: %v", domain.ErrConnection, err)
	}
	r.localSDP = answer.SDP
	out, err := r.description(domain.KindAnswer, answer)
	if err != nil {
		return nil, err
	}
	return []domain.Envelope{out}, r.flush()
}

func (r *Relay) applyAnswer(env domain.Envelope) error {
	if !r.self.IsProvider() {
		log.Warn().Str("module", "signaling").Str("sid", string(r.sid)).Msg("patient ignores answer")
		return nil
	}
	var d domain.DescriptionPayload
	if err := env.Decode(&d); err != nil {
		return err
	}
	if d.Link != "" && d.Link != r.link {
		log.Debug().Str("module", "signaling").Str("sid", string(r.sid)).Msg("ignore answer for another link")
		return nil
	}
	if !r.register(d.SDP) {
		return nil
	}
	if err := r.peer.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}); err != nil {
		r.remoteSDP = ""
		return fmt.Errorf("%w: apply answer: %v", domain.ErrConnection, err)
	}
	return r.flush()
}

// Restarts reports whether env is an offer from a provider peer other than
// the one already answered. Such an offer needs a fresh peer and relay;
// Apply would drop it as conflicting.
func (r *Relay) Restarts(env domain.Envelope) bool {
	if env.Kind != domain.KindOffer || r.self.IsProvider() || r.remoteSDP == "" {
		return false
	}
	var d domain.DescriptionPayload
	if err := env.Decode(&d); err != nil {
		return false
	}
	return d.Link != "" && d.Link != r.link
}

// register reports whether sdp should be applied. The remote description
// is written once; repeats are no-ops and a different one is dropped.
func (r *Relay) register(sdp string) bool {
	switch r.remoteSDP {
	case "":
		r.remoteSDP = sdp
		return true
	case sdp:
		return false
	}
	log.Warn().Str("module", "signaling").Str("sid", string(r.sid)).Msg("ignore conflicting remote description")
	return false
}

func (r *Relay) addCandidate(c domain.CandidatePayload) error {
	key := c.Key()
	if _, ok := r.applied[key]; ok {
		return nil
	}
	if !r.peer.HasRemoteDescription() {
		if _, ok := r.queued[key]; !ok {
			r.queued[key] = struct{}{}
			r.pending = append(r.pending, c)
		}
		return nil
	}
	if err := r.peer.AddICECandidate(toInit(c)); err != nil {
		return fmt.Errorf("%w: add candidate: %v", domain.ErrConnection, err)
	}
	r.applied[key] = struct{}{}
	return nil
}

func (r *Relay) flush() error {
	pending := r.pending
	r.pending = nil
	r.queued = make(map[string]struct{})
	for _, c := range pending {
		if err := r.addCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// Candidate wraps a locally gathered candidate for publishing.
func (r *Relay) Candidate(c webrtc.ICECandidateInit) (domain.Envelope, error) {
	return domain.NewEnvelope(r.sid, r.self.UserID, domain.KindICECandidate, domain.CandidatePayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Pending is the number of candidates waiting for a remote description.
func (r *Relay) Pending() int { return len(r.pending) }

func (r *Relay) description(kind domain.EnvelopeKind, d webrtc.SessionDescription) (domain.Envelope, error) {
	return domain.NewEnvelope(r.sid, r.self.UserID, kind, domain.DescriptionPayload{Type: d.Type.String(), SDP: d.SDP, Link: r.link})
}

func toInit(c domain.CandidatePayload) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
