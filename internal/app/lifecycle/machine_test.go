package lifecycle

import (
	"errors"
	"testing"

	"github.com/dkeye/Consult/internal/domain"
)

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.State
		wantErr bool
	}{
		{"happy path", []domain.State{domain.StateWaiting, domain.StateActive, domain.StateEnded}, false},
		{"pause and resume", []domain.State{domain.StateWaiting, domain.StateActive, domain.StatePaused, domain.StateActive}, false},
		{"end from waiting", []domain.State{domain.StateWaiting, domain.StateEnded}, false},
		{"resume straight to active", []domain.State{domain.StateActive}, false},
		{"waiting to paused", []domain.State{domain.StateWaiting, domain.StatePaused}, true},
		{"active back to waiting", []domain.State{domain.StateWaiting, domain.StateActive, domain.StateWaiting}, true},
		{"ended is terminal", []domain.State{domain.StateWaiting, domain.StateEnded, domain.StateActive}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			var err error
			for _, s := range tt.path {
				if _, err = m.Transition(s); err != nil {
					break
				}
			}
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestMachineReenterIsNoop(t *testing.T) {
	m := NewMachine()
	if changed, err := m.Transition(domain.StateWaiting); err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	_, _ = m.Transition(domain.StateEnded)
	changed, err := m.Transition(domain.StateEnded)
	if err != nil || changed {
		t.Fatalf("re-end changed=%v err=%v", changed, err)
	}
	if m.State() != domain.StateEnded {
		t.Fatalf("state = %s", m.State())
	}
}
