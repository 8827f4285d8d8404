package d2d

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// NegotiationState is the negotiation progress of one transport.
type NegotiationState string

const (
	StateIdle              NegotiationState = "idle"
	StateNegotiating       NegotiationState = "negotiating"
	StateNegotiated        NegotiationState = "negotiated"
	StateNegotiationFailed NegotiationState = "negotiation_failed"
)

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventFail    = "fail"
)

// negotiation guards a transport's state. Transitions out of a terminal
// state are rejected by the machine, so a timeout that fires after success
// is a no-op.
type negotiation struct {
	mu  sync.Mutex
	fsm *fsm.FSM
}

func newNegotiation() *negotiation {
	return &negotiation{
		fsm: fsm.NewFSM(
			string(StateIdle),
			fsm.Events{
				{Name: eventStart, Src: []string{string(StateIdle)}, Dst: string(StateNegotiating)},
				{Name: eventSucceed, Src: []string{string(StateNegotiating)}, Dst: string(StateNegotiated)},
				{Name: eventFail, Src: []string{string(StateNegotiating)}, Dst: string(StateNegotiationFailed)},
			},
			fsm.Callbacks{},
		),
	}
}

// fire applies event and reports whether the transition happened.
func (n *negotiation) fire(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fsm.Event(context.Background(), event) == nil
}

func (n *negotiation) state() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NegotiationState(n.fsm.Current())
}

func (n *negotiation) is(s NegotiationState) bool {
	return n.state() == s
}
