package d2d

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotNegotiated is returned when sending over a transport, or a
// communicator, that has not completed negotiation.
var ErrNotNegotiated = errors.New("d2d: transport not negotiated")

// Transport is one D2D channel candidate.
type Transport interface {
	Name() string
	State() NegotiationState
	// StartNegotiation begins negotiating. The outcome is reported to the
	// listener exactly once.
	StartNegotiation(ctx context.Context)
	Send(ctx context.Context, msgs []Message) error
	SetListener(l TransportListener)
}

// TransportListener receives negotiation results and decoded messages.
type TransportListener interface {
	OnNegotiationSuccess(t Transport)
	OnNegotiationFailed(t Transport)
	OnMessagesReceived(t Transport, msgs []Message)
}
