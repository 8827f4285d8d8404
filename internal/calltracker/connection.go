package calltracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is one call leg to one remote party.
//
// Exported getters are safe from any goroutine. Mutation happens only on
// the owning tracker's loop, under the connection lock.
type Connection struct {
	mu sync.RWMutex

	id          string
	address     string
	displayName string
	incoming    bool

	state   ConnectionState
	owner   *Call
	tracker *CallTracker
	session SessionHandle

	createTime     time.Time
	connectTime    time.Time
	disconnectTime time.Time
	holdStart      time.Time
	duration       time.Duration

	cause    DisconnectCause
	muted    bool
	postDial postDial

	// Loop-only fields.
	timeout          *timeout
	pauseTimer       *timeout
	preHandoverState ConnectionState
	localHangup      bool
}

func newConnection(t *CallTracker, address string, incoming bool) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		address:    address,
		incoming:   incoming,
		tracker:    t,
		createTime: t.clock.Now(),
		cause:      CauseNotDisconnected,
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Address() string {
	return c.address
}

func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *Connection) IsIncoming() bool {
	return c.incoming
}

func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) IsAlive() bool {
	return c.State().IsAlive()
}

func (c *Connection) IsRinging() bool {
	return c.State().IsRinging()
}

// Call returns the slot currently owning the connection. It is nil while
// the connection is between trackers after ReleaseForHandover.
func (c *Connection) Call() *Call {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Session returns the transport session handle, empty while none is bound.
func (c *Connection) Session() SessionHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}

// ConnectTime is zero until the connection first becomes ACTIVE.
func (c *Connection) ConnectTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectTime
}

// DisconnectTime is zero until the connection is DISCONNECTED.
func (c *Connection) DisconnectTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disconnectTime
}

// Duration is the connected time of a finished connection, or the time
// connected so far for a live one.
func (c *Connection) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateDisconnected {
		return c.duration
	}
	if c.connectTime.IsZero() {
		return 0
	}
	return c.tracker.clock.Now().Sub(c.connectTime)
}

// HoldDuration returns 0 unless the connection is currently HOLDING.
func (c *Connection) HoldDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateHolding || c.holdStart.IsZero() {
		return 0
	}
	return c.tracker.clock.Now().Sub(c.holdStart)
}

func (c *Connection) Cause() DisconnectCause {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

func (c *Connection) Muted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

func (c *Connection) PostDialState() PostDialState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.postDial.state
}

func (c *Connection) RemainingPostDial() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.postDial.remaining()
}

// setState applies a transition and reports whether anything changed.
// The owning call is told exactly once per real change.
func (c *Connection) setState(s ConnectionState) bool {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return false
	}
	now := c.tracker.clock.Now()
	prev := c.state
	c.state = s
	switch s {
	case StateActive:
		if c.connectTime.IsZero() {
			c.connectTime = now
		}
	case StateHolding:
		c.holdStart = now
	case StateDisconnected:
		if c.disconnectTime.IsZero() {
			c.disconnectTime = now
		}
		if !c.connectTime.IsZero() {
			c.duration = now.Sub(c.connectTime)
		}
	}
	if prev == StateHolding && s != StateHolding {
		c.holdStart = time.Time{}
	}
	owner := c.owner
	c.mu.Unlock()

	if s == StateDisconnected {
		c.timeout.cancel()
		c.timeout = nil
		c.pauseTimer.cancel()
		c.pauseTimer = nil
	}

	c.tracker.connectionChanged(c, s)
	if owner != nil {
		owner.update()
	}
	return true
}

// setDisconnectCause records cause unless a specific cause is already set.
func (c *Connection) setDisconnectCause(cause DisconnectCause) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause != CauseNotDisconnected {
		return false
	}
	c.cause = cause
	return true
}

func (c *Connection) setOwner(call *Call) {
	c.mu.Lock()
	c.owner = call
	c.mu.Unlock()
}

func (c *Connection) setSession(h SessionHandle) {
	c.mu.Lock()
	c.session = h
	c.mu.Unlock()
}

func (c *Connection) setMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *Connection) setPostDial(digits string) {
	c.mu.Lock()
	c.postDial = postDial{digits: digits}
	c.mu.Unlock()
}

func (c *Connection) withPostDial(fn func(p *postDial) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&c.postDial)
}

// hangup asks the transport to end the leg and moves it to DISCONNECTING.
// A leg without a session yet is disconnected locally.
func (c *Connection) hangup(ctx context.Context, reason ReasonCode) error {
	if !c.state.IsAlive() {
		return invalidState("hangup", "connection %s is %s", c.id, c.state)
	}
	c.localHangup = true
	c.setDisconnectCause(CauseLocal)
	c.timeout.cancel()
	c.timeout = nil

	if c.session == "" {
		c.tracker.onDisconnected(c)
		return nil
	}

	c.setState(StateDisconnecting)
	if err := c.tracker.adapter.Terminate(ctx, c.session, reason); err != nil {
		c.tracker.log.Warn("terminate failed, disconnecting locally",
			"conn", c.id, "session", c.session, "error", err)
		c.tracker.onDisconnected(c)
		return transportError("hangup", err)
	}
	return nil
}
