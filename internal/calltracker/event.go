package calltracker

import "fmt"

// EventKind tags an asynchronous transport event.
type EventKind int

const (
	EventIncoming EventKind = iota + 1
	EventProgressing
	EventStarted
	EventStartFailed
	EventHeld
	EventHoldFailed
	EventResumed
	EventResumeFailed
	EventMerged
	EventMergeFailed
	EventTerminated
	EventDtmfComplete
	EventAcceptFailed
)

func (k EventKind) String() string {
	names := map[EventKind]string{
		EventIncoming:     "incoming",
		EventProgressing:  "progressing",
		EventStarted:      "started",
		EventStartFailed:  "start_failed",
		EventHeld:         "held",
		EventHoldFailed:   "hold_failed",
		EventResumed:      "resumed",
		EventResumeFailed: "resume_failed",
		EventMerged:       "merged",
		EventMergeFailed:  "merge_failed",
		EventTerminated:   "terminated",
		EventDtmfComplete: "dtmf_complete",
		EventAcceptFailed: "accept_failed",
	}
	if name, ok := names[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is the single message type transports deliver into a tracker.
type Event struct {
	Kind    EventKind
	Session SessionHandle
	Reason  ReasonCode

	// Incoming only.
	Address     string
	DisplayName string
}

func (e Event) String() string {
	return fmt.Sprintf("%s session=%s reason=%d", e.Kind, e.Session, e.Reason)
}
