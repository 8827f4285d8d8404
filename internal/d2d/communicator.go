package d2d

import (
	"context"
	"log/slog"
	"sync"

	"github.com/frostbyte73/core"

	"github.com/dense-identity/callcore/internal/logger"
)

// Listener receives the outcome of negotiation and decoded messages from
// the active transport.
type Listener interface {
	OnNegotiationSuccess(t Transport)
	OnNegotiationFailed()
	OnMessagesReceived(msgs []Message)
}

// Communicator negotiates one transport from an ordered candidate list.
// Candidates are tried strictly in order; the first to negotiate becomes
// active for the rest of the call. If all fail, OnNegotiationFailed fires
// once.
type Communicator struct {
	mu         sync.Mutex
	transports []Transport
	current    int
	active     Transport
	listener   Listener
	log        *slog.Logger
	ctx        context.Context

	started    core.Fuse
	negotiated core.Fuse
	failed     core.Fuse
}

func NewCommunicator(transports []Transport, l Listener) *Communicator {
	c := &Communicator{
		transports: transports,
		listener:   l,
		log:        logger.With("component", "d2d"),
		ctx:        context.Background(),
	}
	for _, t := range transports {
		t.SetListener(c)
	}
	return c
}

// Start begins negotiating with the first candidate. Later calls are
// no-ops.
func (c *Communicator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started.IsBroken() {
		c.mu.Unlock()
		return
	}
	c.started.Break()
	c.ctx = ctx
	c.mu.Unlock()
	c.tryCurrent()
}

func (c *Communicator) tryCurrent() {
	c.mu.Lock()
	if c.current >= len(c.transports) {
		c.mu.Unlock()
		c.fail()
		return
	}
	t := c.transports[c.current]
	ctx := c.ctx
	c.mu.Unlock()

	c.log.Debug("negotiating transport", "transport", t.Name())
	t.StartNegotiation(ctx)
}

func (c *Communicator) fail() {
	c.mu.Lock()
	if c.failed.IsBroken() || c.negotiated.IsBroken() {
		c.mu.Unlock()
		return
	}
	c.failed.Break()
	c.mu.Unlock()

	c.log.Info("d2d negotiation failed on every transport")
	if c.listener != nil {
		c.listener.OnNegotiationFailed()
	}
}

func (c *Communicator) isCurrent(t Transport) bool {
	return c.current < len(c.transports) && c.transports[c.current] == t
}

// OnNegotiationSuccess implements TransportListener.
func (c *Communicator) OnNegotiationSuccess(t Transport) {
	c.mu.Lock()
	if !c.isCurrent(t) || c.negotiated.IsBroken() || c.failed.IsBroken() {
		c.mu.Unlock()
		c.log.Debug("ignoring stale negotiation success", "transport", t.Name())
		return
	}
	c.active = t
	c.negotiated.Break()
	c.mu.Unlock()

	c.log.Info("d2d transport negotiated", "transport", t.Name())
	if c.listener != nil {
		c.listener.OnNegotiationSuccess(t)
	}
}

// OnNegotiationFailed implements TransportListener.
func (c *Communicator) OnNegotiationFailed(t Transport) {
	c.mu.Lock()
	if !c.isCurrent(t) || c.negotiated.IsBroken() || c.failed.IsBroken() {
		c.mu.Unlock()
		return
	}
	c.current++
	c.mu.Unlock()

	c.log.Debug("transport negotiation failed, trying next", "transport", t.Name())
	c.tryCurrent()
}

// OnMessagesReceived implements TransportListener.
func (c *Communicator) OnMessagesReceived(t Transport, msgs []Message) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if t != active {
		return
	}
	if c.listener != nil {
		c.listener.OnMessagesReceived(msgs)
	}
}

// Send routes msgs through the active transport.
func (c *Communicator) Send(ctx context.Context, msgs ...Message) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return ErrNotNegotiated
	}
	return active.Send(ctx, msgs)
}

// Active returns the negotiated transport, or nil.
func (c *Communicator) Active() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Negotiated is closed once a transport is negotiated.
func (c *Communicator) Negotiated() <-chan struct{} {
	return c.negotiated.Watch()
}

// Failed is closed once every candidate has failed.
func (c *Communicator) Failed() <-chan struct{} {
	return c.failed.Watch()
}
