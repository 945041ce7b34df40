// Package orch runs one consultation session for one participant. A
// Coordinator owns the lobby, signaling relay, chat channel and resource
// scope, and serializes every input through a single loop goroutine.
package orch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/chat"
	"github.com/dkeye/Consult/internal/app/lifecycle"
	"github.com/dkeye/Consult/internal/app/lobby"
	"github.com/dkeye/Consult/internal/app/resources"
	"github.com/dkeye/Consult/internal/app/signaling"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Deps are the collaborators of a Coordinator. Devices, Peers and WakeLock
// are optional; without them the session runs chat-only.
type Deps struct {
	Sessions core.SessionService
	Channel  core.Channel
	Messages core.MessageLog
	Devices  core.MediaDevices
	Peers    core.PeerFactory
	WakeLock core.WakeLock
}

type Options struct {
	Chat         chat.Config
	LobbyTimeout time.Duration
	Retry        app.RetryPolicy
}

var lobbyKinds = []domain.EnvelopeKind{
	domain.KindJoinLobby, domain.KindLeaveLobby, domain.KindAdmitPatient, domain.KindAdmitAck,
}

const farewellTimeout = 3 * time.Second

type Coordinator struct {
	self    domain.Identity
	appt    domain.AppointmentID
	want    domain.Modality
	deps    Deps
	opts    Options
	channel core.Channel
	logger  zerolog.Logger

	events  *core.Mailbox[Event]
	inbox   *core.Mailbox[func()]
	outbox  *core.Mailbox[domain.Envelope]
	done    chan struct{}
	started atomic.Bool
	running atomic.Bool
	final   atomic.Pointer[Snapshot]

	// Owned by the loop goroutine once Start returns.
	ctx       context.Context
	cancel    context.CancelFunc
	machine   *lifecycle.Machine
	session   domain.Session
	lobby     *lobby.Lobby
	relay     *signaling.Relay
	chat      *chat.Channel
	scope     *resources.Scope
	sub       core.Subscription
	media     core.LocalMedia
	modality  domain.Modality
	peer      core.PeerLink
	peerGen   int
	admitted  bool
	connected bool
	seen      map[domain.EnvelopeID]struct{}
	lastSeen  domain.EnvelopeID
	timer     *time.Timer
	ended     bool
}

// New prepares a coordinator. The event channel exists from here on, so
// nothing emitted during Start can be missed.
func New(self domain.Identity, appt domain.AppointmentID, modality domain.Modality, deps Deps, opts Options) *Coordinator {
	if opts.Retry == (app.RetryPolicy{}) {
		opts.Retry = app.DefaultRetryPolicy()
	}
	var ch core.Channel
	if deps.Channel != nil {
		ch = app.WithRetry(deps.Channel, opts.Retry)
	}
	return &Coordinator{
		self:    self,
		appt:    appt,
		want:    modality,
		deps:    deps,
		opts:    opts,
		channel: ch,
		logger:  log.With().Str("module", "orch").Str("user", string(self.UserID)).Str("role", string(self.Role)).Logger(),
		events:  core.NewMailbox[Event](),
		inbox:   core.NewMailbox[func()](),
		outbox:  core.NewMailbox[domain.Envelope](),
		done:    make(chan struct{}),
		machine: lifecycle.NewMachine(),
		seen:    make(map[domain.EnvelopeID]struct{}),
	}
}

// Events delivers every event in order; it is closed after Ended.
func (c *Coordinator) Events() <-chan Event { return c.events.Out() }

// Done is closed once the coordinator has released everything.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Start joins the session and runs the loop until the session ends, the
// participant leaves or ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: coordinator already started", domain.ErrInvalidTransition)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.setup(); err != nil {
		c.logger.Error().Err(err).Msg("start failed")
		c.emit(Error{Err: err, Fatal: true})
		c.shutdown("start failed")
		close(c.done)
		return err
	}
	c.running.Store(true)
	go c.drain()
	go c.loop()
	return nil
}

func (c *Coordinator) setup() error {
	if c.deps.Sessions == nil || c.channel == nil || c.deps.Messages == nil {
		return fmt.Errorf("%w: sessions, channel and messages are required", domain.ErrNotReady)
	}
	var sess domain.Session
	err := c.opts.Retry.Do(c.ctx, "create-or-resume", func() error {
		var err error
		sess, err = c.deps.Sessions.CreateOrResume(c.ctx, c.self, c.appt, c.want)
		return err
	})
	if err != nil {
		return err
	}
	if sess.Ended() {
		return fmt.Errorf("%w: %s", domain.ErrSessionEnded, sess.ID)
	}
	c.session = sess
	c.logger = c.logger.With().Str("sid", string(sess.ID)).Logger()
	if c.self.IsProvider() {
		// The provider opens the consultation; only the patient waits.
		c.setState(domain.StateActive)
	} else {
		c.setState(sess.State)
	}

	c.scope = resources.NewScope(sess.ID)
	sub, err := c.channel.Subscribe(c.ctx, sess.ID)
	if err != nil {
		return err
	}
	c.sub = sub
	c.scope.Track(sub)

	c.acquireMedia()
	c.lobby = lobby.New(c.self, sess)
	c.relay = signaling.New(c.self, sess.ID)
	c.chat = chat.NewChannel(c.self, sess.ID, c.deps.Messages, c.channel, c.opts.Chat)
	c.loadChat()

	if c.self.IsProvider() {
		return c.rejoin()
	}
	return c.joinLobby()
}

// rejoin restores the provider's view from the lobby history. When the
// patient was already admitted into a running session the peer link is
// offered again.
func (c *Coordinator) rejoin() error {
	if err := c.replayLobby(); err != nil {
		return err
	}
	if c.session.State == domain.StateWaiting || !c.lobby.PatientAdmitted() {
		return nil
	}
	c.logger.Info().Str("patient", string(c.session.PatientID)).Msg("resuming admitted session")
	c.admitted = true
	c.startPeer()
	return nil
}

func (c *Coordinator) acquireMedia() {
	c.modality = domain.ModalityChat
	if !c.session.Modality.HasMedia() || c.deps.Devices == nil {
		return
	}
	media, m, steps, err := c.scope.Acquire(c.ctx, c.deps.Devices, c.session.Modality)
	for _, d := range steps {
		c.emit(Error{Err: d})
	}
	if err != nil {
		c.emit(Error{Err: err})
		return
	}
	c.media, c.modality = media, m
	if media != nil && c.deps.WakeLock != nil {
		if err := c.scope.HoldWakeLock(c.deps.WakeLock); err != nil {
			c.emit(Error{Err: err})
		}
	}
}

func (c *Coordinator) loadChat() {
	msgs, err := c.chat.Fetch(c.ctx)
	if err != nil {
		c.emit(Error{Err: err})
		return
	}
	for _, m := range c.chat.Merge(msgs) {
		c.emit(Message{Msg: m})
	}
}

func (c *Coordinator) replayLobby() error {
	hist, err := c.channel.History(c.ctx, c.session.ID, core.HistoryFilter{Kinds: lobbyKinds})
	if err != nil {
		return err
	}
	for _, env := range hist {
		c.seen[env.ID] = struct{}{}
	}
	for _, o := range c.lobby.Replay(hist) {
		c.applyOutcome(o)
	}
	return nil
}

func (c *Coordinator) joinLobby() error {
	env, err := c.lobby.Join()
	if err != nil {
		return err
	}
	out, err := c.publish(env)
	if err != nil {
		return err
	}
	c.lobby.Joined(out)
	if c.opts.LobbyTimeout > 0 {
		c.timer = time.NewTimer(c.opts.LobbyTimeout)
	}
	c.logger.Info().Msg("waiting in lobby")
	return nil
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for !c.ended {
		var timeout <-chan time.Time
		if c.timer != nil {
			timeout = c.timer.C
		}
		// nil while a resubscribe is in flight
		var feed <-chan domain.Envelope
		if c.sub != nil {
			feed = c.sub.Envelopes()
		}
		select {
		case <-c.ctx.Done():
			c.leave("context done")
		case env, ok := <-feed:
			if !ok {
				c.resubscribe()
				continue
			}
			c.lastSeen = env.ID
			c.handle(env)
		case fn, ok := <-c.inbox.Out():
			if ok {
				fn()
			}
		case <-timeout:
			c.lobbyTimeout()
		}
	}
}

func (c *Coordinator) handle(env domain.Envelope) {
	if env.SenderID == c.self.UserID {
		c.seen[env.ID] = struct{}{}
		return
	}
	if _, dup := c.seen[env.ID]; dup {
		return
	}
	c.seen[env.ID] = struct{}{}
	if c.ended {
		return
	}

	switch env.Kind {
	case domain.KindJoinLobby, domain.KindLeaveLobby, domain.KindAdmitPatient, domain.KindAdmitAck:
		o, err := c.lobby.Apply(env)
		if err != nil {
			c.emit(Error{Err: err})
			return
		}
		c.applyOutcome(o)
	case domain.KindOffer, domain.KindAnswer, domain.KindICECandidate:
		if !c.modality.HasMedia() {
			return
		}
		if c.relay.Restarts(env) {
			c.restartPeer(env)
			return
		}
		replies, err := c.relay.Apply(env)
		c.enqueue(replies...)
		if err != nil {
			c.emit(Error{Err: err})
		}
	case domain.KindSessionStatus:
		c.onStatus(env)
	case domain.KindChatMessage, domain.KindRelayedMessage:
		m, fresh, err := c.chat.Receive(env)
		if err != nil {
			c.emit(Error{Err: err})
			return
		}
		if fresh {
			c.emit(Message{Msg: m})
		}
	}
}

func (c *Coordinator) applyOutcome(o lobby.Outcome) {
	if o.Waiting != nil {
		c.emit(PatientWaiting{Entry: *o.Waiting})
	}
	if o.Left != "" {
		c.emit(PatientLeft{PatientID: o.Left})
	}
	if o.Reply != nil {
		c.enqueue(*o.Reply)
	}
	if o.Admitted {
		c.stopTimer()
		c.admitted = true
		c.logger.Info().Msg("admitted")
		c.emit(Admitted{PatientID: c.self.UserID})
		c.setState(domain.StateActive)
		c.startPeer()
	}
}

// onStatus acts on the payload rather than re-reading the session.
func (c *Coordinator) onStatus(env domain.Envelope) {
	var p domain.StatusPayload
	if err := env.Decode(&p); err != nil {
		c.emit(Error{Err: err})
		return
	}
	switch p.State {
	case domain.StateEnded:
		c.session.State = domain.StateEnded
		c.session.EndedBy = p.EndedBy
		c.session.Duration = p.Duration
		c.logger.Info().Str("ended_by", string(p.EndedBy)).Msg("session ended remotely")
		c.shutdown("ended by " + string(p.EndedBy))
	case domain.StateActive:
		if c.self.IsProvider() || c.lobby.Admitted() {
			c.session.State = domain.StateActive
			c.setState(domain.StateActive)
		}
	}
}

func (c *Coordinator) startPeer() {
	if !c.modality.HasMedia() || c.media == nil || c.deps.Peers == nil {
		return
	}
	if c.peer != nil {
		// Re-admission: negotiate from scratch.
		c.logger.Info().Msg("restarting peer")
		c.closePeer()
	}
	c.peerGen++
	peer, err := c.deps.Peers.NewPeer(c.ctx, c.session.ID, c.peerEvents(c.peerGen))
	if err != nil {
		c.emit(Error{Err: fmt.Errorf("%w: new peer: %v", domain.ErrConnection, err)})
		return
	}
	if !c.scope.SetPeer(peer) {
		return
	}
	c.peer = peer
	for _, track := range c.media.Tracks() {
		if _, err := peer.AddLocalTrack(track); err != nil {
			c.emit(Error{Err: fmt.Errorf("%w: add track: %v", domain.ErrConnection, err)})
		}
	}
	out, err := c.relay.Start(peer, signaling.Readiness{
		MediaAcquired: c.media != nil,
		Admitted:      c.self.IsProvider() || c.lobby.Admitted(),
	})
	c.enqueue(out...)
	if err != nil {
		c.emit(Error{Err: err})
	}
}

// closePeer drops the peer and the negotiation state that belonged to it.
func (c *Coordinator) closePeer() {
	if c.peer != nil {
		_ = c.peer.Close()
	}
	c.peer, c.connected = nil, false
	c.relay = signaling.New(c.self, c.session.ID)
}

// restartPeer answers an offer from a provider that rebuilt its side of
// the link, on a fresh peer.
func (c *Coordinator) restartPeer(offer domain.Envelope) {
	c.logger.Info().Msg("provider restarted the link, renegotiating")
	c.closePeer()
	if _, err := c.relay.Apply(offer); err != nil {
		c.emit(Error{Err: err})
		return
	}
	c.startPeer()
}

// peerEvents routes pion callbacks into the loop. Callbacks of a replaced
// peer are dropped by generation.
func (c *Coordinator) peerEvents(gen int) core.PeerEvents {
	current := func() bool { return gen == c.peerGen && !c.ended }
	return core.PeerEvents{
		OnICECandidate: func(ci webrtc.ICECandidateInit) {
			c.inbox.Push(func() {
				if !current() {
					return
				}
				env, err := c.relay.Candidate(ci)
				if err != nil {
					c.emit(Error{Err: err})
					return
				}
				c.enqueue(env)
			})
		},
		OnConnected: func() {
			c.inbox.Push(func() {
				if !current() {
					return
				}
				c.connected = true
				c.logger.Info().Msg("peer connected")
				c.emit(Connected{})
				if c.machine.State() == domain.StatePaused {
					c.setState(domain.StateActive)
				}
			})
		},
		OnFailed: func(state webrtc.PeerConnectionState) {
			c.inbox.Push(func() {
				if !current() {
					return
				}
				c.connected = false
				c.emit(Error{Err: fmt.Errorf("%w: peer %s", domain.ErrConnection, state)})
				if c.machine.State() == domain.StateActive {
					c.setState(domain.StatePaused)
				}
			})
		},
		OnTrack: func(_ context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			c.inbox.Push(func() {
				if current() {
					c.emit(StreamReceived{Track: track, Receiver: receiver})
				}
			})
		},
	}
}

// resubscribe reconnects to the session feed in the background; the loop
// keeps serving commands meanwhile.
func (c *Coordinator) resubscribe() {
	c.logger.Warn().Msg("subscription closed, resubscribing")
	c.sub = nil
	ctx, sid, after := c.ctx, c.session.ID, c.lastSeen
	go func() {
		var missed []domain.Envelope
		sub, err := c.channel.Subscribe(ctx, sid)
		var histErr error
		if err == nil {
			missed, histErr = c.channel.History(ctx, sid, core.HistoryFilter{AfterID: after})
		}
		pushed := c.inbox.Push(func() { c.resubscribed(sub, err, missed, histErr) })
		if !pushed && sub != nil {
			sub.Close()
		}
	}()
}

func (c *Coordinator) resubscribed(sub core.Subscription, err error, missed []domain.Envelope, histErr error) {
	if err != nil {
		c.emit(Error{Err: err, Fatal: true})
		c.shutdown("channel lost")
		return
	}
	c.sub = sub
	if !c.scope.Track(sub) {
		return
	}
	if histErr != nil {
		c.emit(Error{Err: histErr})
		return
	}
	for _, env := range missed {
		c.lastSeen = env.ID
		c.handle(env)
	}
}

func (c *Coordinator) lobbyTimeout() {
	c.timer = nil
	if c.lobby.Admitted() {
		return
	}
	err := fmt.Errorf("%w after %s", domain.ErrLobbyTimeout, c.opts.LobbyTimeout)
	c.logger.Warn().Err(err).Msg("giving up")
	c.emit(Error{Err: err, Fatal: true})
	c.leave("lobby timeout")
}

// leave tears down locally; a patient still in the lobby says goodbye.
func (c *Coordinator) leave(reason string) {
	if !c.self.IsProvider() && !c.lobby.Admitted() {
		if env, err := c.lobby.Leave(); err == nil {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), farewellTimeout)
			if _, err := c.deps.Channel.Publish(ctx, env); err != nil {
				c.logger.Warn().Err(err).Msg("leave-lobby not delivered")
			}
			cancel()
		}
	}
	c.shutdown(reason)
}

// shutdown releases everything once. The loop exits after the current step.
func (c *Coordinator) shutdown(reason string) {
	if c.ended {
		return
	}
	c.ended = true
	c.stopTimer()
	c.setState(domain.StateEnded)
	if c.scope != nil {
		c.scope.Release()
	}
	snap := c.snapshot()
	c.final.Store(&snap)
	c.logger.Info().Str("reason", reason).Msg("coordinator stopped")
	c.emit(Ended{Session: c.session, Reason: reason})
	c.events.Seal()
	c.cancel()
	c.inbox.Close()
	c.outbox.Close()
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) setState(to domain.State) {
	from := c.machine.State()
	changed, err := c.machine.Transition(to)
	if err != nil {
		c.logger.Warn().Err(err).Msg("state change refused")
		return
	}
	if changed {
		c.emit(StateChanged{From: from, To: to})
	}
}

func (c *Coordinator) publish(env domain.Envelope) (domain.Envelope, error) {
	out, err := c.channel.Publish(c.ctx, env)
	if err != nil {
		return domain.Envelope{}, err
	}
	c.seen[out.ID] = struct{}{}
	return out, nil
}

// enqueue hands envelopes to drain, which keeps their order.
func (c *Coordinator) enqueue(envs ...domain.Envelope) {
	for _, env := range envs {
		c.outbox.Push(env)
	}
}

// drain publishes queued envelopes one at a time off the loop, so a
// channel in retry backoff never stalls it.
func (c *Coordinator) drain() {
	for env := range c.outbox.Out() {
		if _, err := c.channel.Publish(c.ctx, env); err != nil && c.ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("publish failed")
			c.inbox.Push(func() { c.emit(Error{Err: err}) })
		}
	}
}

func (c *Coordinator) emit(ev Event) {
	c.events.Push(ev)
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{
		Session:   c.session,
		State:     c.machine.State(),
		Modality:  c.modality,
		Admitted:  c.admitted,
		Connected: c.connected,
	}
	if c.lobby != nil {
		s.Waiting = c.lobby.Waiting()
	}
	if c.chat != nil {
		s.History = c.chat.History()
	}
	return s
}
