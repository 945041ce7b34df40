package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Consult/internal/domain"
)

// call runs fn on the loop goroutine and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	if !c.running.Load() {
		select {
		case <-c.done:
			return domain.ErrSessionEnded
		default:
			return fmt.Errorf("%w: coordinator not started", domain.ErrNotReady)
		}
	}
	errc := make(chan error, 1)
	if !c.inbox.Push(func() { errc <- fn() }) {
		return domain.ErrSessionEnded
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		// fn runs on the loop, so its result is in errc if it ran at all.
		select {
		case err := <-errc:
			return err
		default:
			return domain.ErrSessionEnded
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit lets the patient in. Provider only. The lobby bookkeeping runs on
// the loop; publishing and activation run on the caller's goroutine so
// retries never stall the loop.
func (c *Coordinator) Admit(ctx context.Context, patientID domain.UserID) error {
	var (
		env  domain.Envelope
		sid  domain.SessionID
		life context.Context
	)
	err := c.call(ctx, func() error {
		var err error
		env, err = c.lobby.Admit(patientID)
		sid, life = c.session.ID, c.ctx
		return err
	})
	if err != nil {
		return err
	}
	if _, err := c.channel.Publish(life, env); err != nil {
		return err
	}
	var sess domain.Session
	activated := c.opts.Retry.Do(life, "activate", func() error {
		var err error
		sess, err = c.deps.Sessions.Activate(life, c.self, sid)
		return err
	})
	return c.call(ctx, func() error {
		c.admitted = true
		if c.lobby.MarkAdmitted(patientID) {
			c.emit(PatientLeft{PatientID: patientID})
		}
		c.emit(Admitted{PatientID: patientID})
		c.logger.Info().Str("patient", string(patientID)).Msg("patient admitted")
		if activated != nil {
			c.emit(Error{Err: activated})
		} else {
			c.session = sess
			c.setState(sess.State)
		}
		c.startPeer()
		return nil
	})
}

// Send echoes the message locally and delivers it in the background.
// Delivery failures arrive as Error events.
func (c *Coordinator) Send(ctx context.Context, content string) (domain.ChatMessage, error) {
	var out domain.ChatMessage
	err := c.call(ctx, func() error {
		m, err := c.chat.Compose(content)
		if err != nil {
			return err
		}
		out = m
		c.emit(Message{Msg: m, Local: true})
		deliverCtx := c.ctx
		go func() {
			if err := c.chat.Deliver(deliverCtx, m); err != nil {
				c.inbox.Push(func() { c.emit(Error{Err: err}) })
			}
		}()
		return nil
	})
	return out, err
}

// End finishes the session for both participants. Ending twice returns
// the ended session.
func (c *Coordinator) End(ctx context.Context, notes string) (domain.Session, error) {
	if final := c.final.Load(); final != nil && final.Session.Ended() {
		return final.Session, nil
	}
	var (
		sid  domain.SessionID
		life context.Context
	)
	err := c.call(ctx, func() error {
		sid, life = c.session.ID, c.ctx
		return nil
	})
	if errors.Is(err, domain.ErrSessionEnded) {
		// Left earlier: the loop is gone but the session is still live.
		if final := c.final.Load(); final != nil && final.Session.ID != "" {
			if final.Session.Ended() {
				return final.Session, nil
			}
			return c.deps.Sessions.End(ctx, c.self, final.Session.ID, notes)
		}
	}
	if err != nil {
		return domain.Session{}, err
	}
	var sess domain.Session
	err = c.opts.Retry.Do(life, "end", func() error {
		var err error
		sess, err = c.deps.Sessions.End(life, c.self, sid, notes)
		return err
	})
	if err != nil {
		return domain.Session{}, err
	}
	err = c.call(ctx, func() error {
		c.session = sess
		c.shutdown("ended")
		return nil
	})
	if errors.Is(err, domain.ErrSessionEnded) {
		// The ended status outran us and already stopped the loop.
		return sess, nil
	}
	return sess, err
}

// Leave tears down locally without ending the session.
func (c *Coordinator) Leave(ctx context.Context) error {
	err := c.call(ctx, func() error {
		c.leave("left")
		return nil
	})
	if errors.Is(err, domain.ErrSessionEnded) {
		return nil
	}
	return err
}

// Snapshot returns the current read model, or the final one once stopped.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.call(ctx, func() error {
		s = c.snapshot()
		return nil
	})
	if errors.Is(err, domain.ErrSessionEnded) {
		if final := c.final.Load(); final != nil {
			return *final, nil
		}
	}
	return s, err
}
