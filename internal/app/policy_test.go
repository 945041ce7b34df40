package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
		MaxRetries:      3,
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{domain.ErrChannel, true},
		{fmt.Errorf("%w: dial", domain.ErrChannel), true},
		{domain.ErrNotFound, false},
		{fmt.Errorf("%w: %w", domain.ErrChannel, domain.ErrPermissionDenied), false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDoRetriesChannelErrors(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return domain.ErrChannel
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func() error {
		calls++
		return domain.ErrChannel
	})
	if !errors.Is(err, domain.ErrChannel) {
		t.Fatalf("err = %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func() error {
		calls++
		return domain.ErrPermissionDenied
	})
	if !errors.Is(err, domain.ErrPermissionDenied) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

type flakyChannel struct {
	core.Channel
	fails int
}

func (f *flakyChannel) Publish(_ context.Context, env domain.Envelope) (domain.Envelope, error) {
	if f.fails > 0 {
		f.fails--
		return domain.Envelope{}, domain.ErrChannel
	}
	env.ID = "stamped"
	return env, nil
}

func TestRetryingChannelPublish(t *testing.T) {
	ch := WithRetry(&flakyChannel{fails: 2}, fastPolicy())
	out, err := ch.Publish(context.Background(), domain.Envelope{SessionID: "s", SenderID: "u", Kind: domain.KindOffer})
	if err != nil || out.ID != "stamped" {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}
