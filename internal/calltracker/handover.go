package calltracker

import (
	"context"
	"time"
)

// HandoverEntry records a connection leaving its tracker and the state it
// had at that moment.
type HandoverEntry struct {
	Conn     *Connection
	PreState ConnectionState
	From     SlotRole
}

// Handover moves every live connection of src into the handover slot of
// dst. Both trackers are locked for the whole transfer, so no reader of
// either tracker sees a connection without an owner. Calling it again
// after a completed handover is a no-op.
func Handover(ctx context.Context, src, dst *CallTracker) ([]HandoverEntry, error) {
	if src == dst {
		return nil, invalidState("handover", "source and destination are the same tracker")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	first, second := src, dst
	if second.seq < first.seq {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()

	var entries []HandoverEntry
	err := func() error {
		if n := src.transferable(); len(dst.conns)+n > dst.opts.MaxConnections {
			return &CapacityExceededError{Op: "handover", Limit: dst.opts.MaxConnections}
		}
		entries = src.release(dst.handover)
		dst.adopt(entries)
		return nil
	}()

	src.settle()
	dst.settle()
	srcNotes, dstNotes := src.notes, dst.notes
	src.notes, dst.notes = nil, nil
	second.mu.Unlock()
	first.mu.Unlock()

	src.deliver(srcNotes)
	dst.deliver(dstNotes)
	if err != nil {
		return nil, err
	}
	src.log.Info("handed over calls", "to", dst.profile.Name, "count", len(entries))
	return entries, nil
}

// ReleaseForHandover detaches every live connection from the tracker and
// closes their sessions without signalling the remote side. The returned
// connections must be given to AcceptHandover on the destination.
func (t *CallTracker) ReleaseForHandover(ctx context.Context) ([]HandoverEntry, error) {
	var entries []HandoverEntry
	err := t.do(ctx, func() error {
		entries = t.release(nil)
		return nil
	})
	return entries, err
}

// AcceptHandover places released connections in the handover slot.
func (t *CallTracker) AcceptHandover(ctx context.Context, entries []HandoverEntry) error {
	return t.do(ctx, func() error {
		if len(t.conns)+len(entries) > t.opts.MaxConnections {
			return &CapacityExceededError{Op: "handover", Limit: t.opts.MaxConnections}
		}
		t.adopt(entries)
		return nil
	})
}

// CompleteHandover binds a handed-over connection to its session on this
// tracker and returns it to the slot matching its state before handover.
func (t *CallTracker) CompleteHandover(ctx context.Context, conn *Connection, session SessionHandle) error {
	return t.do(ctx, func() error {
		if conn == nil || conn.owner != t.handover || !t.owns(conn) {
			return &NotFoundError{ConnID: connID(conn)}
		}
		if !conn.state.IsAlive() {
			return invalidState("complete_handover", "connection %s is %s", conn.id, conn.state)
		}
		if other := t.lookup(session); other != nil {
			return invalidState("complete_handover", "session %s already bound to %s", session, other.id)
		}
		conn.setSession(session)

		switch conn.preHandoverState {
		case StateHolding:
			t.handover.moveTo(conn, t.background)
		case StateIncoming, StateWaiting:
			t.handover.moveTo(conn, t.ringing)
			t.armRingTimeout(conn)
		case StateDialing, StateAlerting:
			t.handover.moveTo(conn, t.foreground)
			if t.pendingMO == nil {
				t.pendingMO = conn
				t.markDirty()
			}
			d := t.dialTimeout()
			conn.timeout = t.armTimeout(d, func(*timeout) { t.onDialTimeout(conn, d) })
		default:
			t.handover.moveTo(conn, t.foreground)
		}
		t.routeAudio()
		t.log.Info("handover completed", "conn", conn.id, "session", session, "slot", conn.owner.role.String())
		return nil
	})
}

func (t *CallTracker) transferable() int {
	n := 0
	for _, call := range []*Call{t.ringing, t.foreground, t.background} {
		if call.handedOver {
			continue
		}
		for _, c := range call.conns {
			if c.state.IsAlive() {
				n++
			}
		}
	}
	return n
}

// release empties the ringing, foreground and background slots. Each slot
// is released at most once until it is refilled. Live connections are
// reparented to dst in the same step that removes them; with a nil dst they
// have no owner until a tracker adopts them.
func (t *CallTracker) release(dst *Call) []HandoverEntry {
	var out []HandoverEntry
	var finished []*Connection
	for _, call := range []*Call{t.ringing, t.foreground, t.background} {
		if call.handedOver || len(call.conns) == 0 {
			continue
		}
		for _, c := range call.conns {
			c.timeout.cancel()
			c.timeout = nil
			c.pauseTimer.cancel()
			c.pauseTimer = nil
			if c.session != "" {
				t.adapter.Close(c.session)
				c.setSession("")
			}
			t.unregister(c)
			if t.pendingMO == c {
				t.pendingMO = nil
			}
			if !c.state.IsAlive() {
				finished = append(finished, c)
				continue
			}
			c.mu.Lock()
			c.preHandoverState = c.state
			c.owner = dst
			if dst != nil {
				c.tracker = dst.tracker
			}
			c.mu.Unlock()
			out = append(out, HandoverEntry{Conn: c, PreState: c.state, From: call.role})
		}
		call.conns = nil
		call.update()
		call.confConnectTime = time.Time{}
		call.handedOver = true
		t.markDirty()
	}
	for _, c := range finished {
		t.onDisconnected(c)
	}
	t.pending = deferred{}
	t.mergePending = false
	t.routeAudio()
	return out
}

// adopt takes ownership of released connections in the handover slot.
func (t *CallTracker) adopt(entries []HandoverEntry) {
	for _, e := range entries {
		c := e.Conn
		c.mu.Lock()
		c.tracker = t
		c.preHandoverState = e.PreState
		c.mu.Unlock()
		_ = t.register(c)
		t.handover.add(c)
	}
	if len(entries) > 0 {
		t.markDirty()
	}
}

// deliver hands notifications collected outside the loop to the loop.
func (t *CallTracker) deliver(notes []func()) {
	if len(notes) == 0 {
		return
	}
	if !t.post(func() { t.notes = append(t.notes, notes...) }) {
		for _, n := range notes {
			n()
		}
	}
}
