package orch

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Consult/internal/app/lobby"
	"github.com/dkeye/Consult/internal/domain"
)

// Event is anything the coordinator reports to its owner.
type Event interface{ event() }

type StateChanged struct {
	From domain.State
	To   domain.State
}

// PatientWaiting is emitted on the provider when a patient joins the lobby.
type PatientWaiting struct{ Entry lobby.Entry }

// PatientLeft is emitted on the provider when a waiting entry is cleared.
type PatientLeft struct{ PatientID domain.UserID }

// Admitted is emitted on both sides once the patient is let in.
type Admitted struct{ PatientID domain.UserID }

type StreamReceived struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

type Connected struct{}

type Message struct {
	Msg   domain.ChatMessage
	Local bool
}

// Error reports a failure. Fatal errors are followed by Ended.
type Error struct {
	Err   error
	Fatal bool
}

type Ended struct {
	Session domain.Session
	Reason  string
}

func (StateChanged) event()   {}
func (PatientWaiting) event() {}
func (PatientLeft) event()    {}
func (Admitted) event()       {}
func (StreamReceived) event() {}
func (Connected) event()      {}
func (Message) event()        {}
func (Error) event()          {}
func (Ended) event()          {}

// Snapshot is the read model of a coordinator.
type Snapshot struct {
	Session   domain.Session       `json:"session"`
	State     domain.State         `json:"state"`
	Modality  domain.Modality      `json:"modality"`
	Waiting   []lobby.Entry        `json:"waiting,omitempty"`
	Admitted  bool                 `json:"admitted"`
	Connected bool                 `json:"connected"`
	History   []domain.ChatMessage `json:"history,omitempty"`
}
