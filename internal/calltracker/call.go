package calltracker

import (
	"time"
)

// Call is a named slot holding connections that share a call state.
// Slots live as long as their tracker and are only emptied and refilled.
type Call struct {
	role    SlotRole
	tracker *CallTracker

	conns           []*Connection
	state           CallState
	confConnectTime time.Time
	handedOver      bool

	// recomputes counts aggregate-state evaluations; read by tests.
	recomputes int
}

func newCall(t *CallTracker, role SlotRole) *Call {
	return &Call{role: role, tracker: t, state: StateIdle}
}

func (c *Call) Role() SlotRole {
	return c.role
}

func (c *Call) State() CallState {
	c.tracker.mu.RLock()
	defer c.tracker.mu.RUnlock()
	return c.state
}

// Connections returns a copy of the member list.
func (c *Call) Connections() []*Connection {
	c.tracker.mu.RLock()
	defer c.tracker.mu.RUnlock()
	out := make([]*Connection, len(c.conns))
	copy(out, c.conns)
	return out
}

func (c *Call) IsIdle() bool {
	return !c.State().IsAlive()
}

func (c *Call) IsRinging() bool {
	return c.State().IsRinging()
}

// ConnectTime is when the call started: for a conference, when its
// earliest leg connected.
func (c *Call) ConnectTime() time.Time {
	c.tracker.mu.RLock()
	defer c.tracker.mu.RUnlock()
	return c.connectTime()
}

func (c *Call) connectTime() time.Time {
	if !c.confConnectTime.IsZero() {
		return c.confConnectTime
	}
	return c.earliestConnectTime()
}

func (c *Call) earliestConnectTime() time.Time {
	var earliest time.Time
	for _, conn := range c.conns {
		ct := conn.connectTime
		if ct.IsZero() {
			continue
		}
		if earliest.IsZero() || ct.Before(earliest) {
			earliest = ct
		}
	}
	return earliest
}

func (c *Call) isIdle() bool {
	return !c.state.IsAlive()
}

func (c *Call) isRinging() bool {
	return c.state.IsRinging()
}

func (c *Call) isFull() bool {
	return len(c.conns) >= c.tracker.maxConferenceSize()
}

func (c *Call) contains(conn *Connection) bool {
	for _, m := range c.conns {
		if m == conn {
			return true
		}
	}
	return false
}

// firstSession returns the session of the first member that has one.
func (c *Call) firstSession() SessionHandle {
	for _, conn := range c.conns {
		if conn.session != "" {
			return conn.session
		}
	}
	return ""
}

// update recomputes the aggregate state after a member changed.
func (c *Call) update() {
	c.recomputes++
	s := aggregate(c.conns)
	if s == c.state {
		return
	}
	c.state = s
	if s == StateIdle || len(c.conns) == 0 {
		c.confConnectTime = time.Time{}
	}
	c.tracker.markDirty()
}

func (c *Call) add(conn *Connection) {
	if c.contains(conn) {
		return
	}
	c.conns = append(c.conns, conn)
	c.handedOver = false
	conn.setOwner(c)
	c.update()
}

// detach removes conn from the member list without touching its owner
// pointer; callers reparent it in the same step.
func (c *Call) detach(conn *Connection) bool {
	for i, m := range c.conns {
		if m == conn {
			c.conns = append(c.conns[:i:i], c.conns[i+1:]...)
			c.update()
			return true
		}
	}
	return false
}

// moveTo reparents conn from c to dst.
func (c *Call) moveTo(conn *Connection, dst *Call) {
	if !c.detach(conn) {
		return
	}
	dst.add(conn)
}

// switchWith exchanges members and state with other. Both lists are
// swapped through a temporary and every member is reparented before
// returning; the tracker lock keeps the exchange invisible to readers.
func (c *Call) switchWith(other *Call) {
	tmp := c.conns
	c.conns = other.conns
	other.conns = tmp

	c.state, other.state = other.state, c.state
	c.confConnectTime, other.confConnectTime = other.confConnectTime, c.confConnectTime

	for _, conn := range c.conns {
		conn.setOwner(c)
	}
	for _, conn := range other.conns {
		conn.setOwner(other)
	}
	c.update()
	other.update()
	c.tracker.markDirty()
}

// merge moves every member of other into c and leaves other idle.
func (c *Call) merge(other *Call) error {
	if !c.state.IsAlive() || !other.state.IsAlive() {
		return invalidState("merge", "cannot merge %s call (%s) with %s call (%s)",
			c.role, c.state, other.role, other.state)
	}
	if limit := c.tracker.maxConferenceSize(); len(c.conns)+len(other.conns) > limit {
		return &CapacityExceededError{Op: "merge", Limit: limit}
	}

	start := c.earliestConnectTime()
	if ot := other.earliestConnectTime(); !ot.IsZero() && (start.IsZero() || ot.Before(start)) {
		start = ot
	}

	moved := other.conns
	other.conns = nil
	other.state = StateIdle
	other.confConnectTime = time.Time{}

	c.conns = append(c.conns, moved...)
	for _, conn := range moved {
		conn.setOwner(c)
	}
	c.confConnectTime = start
	c.update()
	other.update()
	c.tracker.markDirty()
	return nil
}

// clearDisconnected drops members that reached DISCONNECTED and forces
// the call idle once empty.
func (c *Call) clearDisconnected() []*Connection {
	var removed []*Connection
	kept := c.conns[:0]
	for _, conn := range c.conns {
		if conn.state == StateDisconnected {
			removed = append(removed, conn)
			continue
		}
		kept = append(kept, conn)
	}
	for i := len(kept); i < len(c.conns); i++ {
		c.conns[i] = nil
	}
	c.conns = kept
	if len(c.conns) == 0 {
		c.conns = nil
		if c.state != StateIdle {
			c.state = StateIdle
			c.tracker.markDirty()
		}
		c.confConnectTime = time.Time{}
	} else if len(removed) > 0 {
		c.update()
	}
	return removed
}
