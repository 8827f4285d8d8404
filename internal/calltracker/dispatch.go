package calltracker

import (
	"github.com/pkg/errors"
)

func (t *CallTracker) dispatch(ev Event) {
	if t.opts.EventFilter != nil && !t.opts.EventFilter(&ev) {
		t.log.Debug("event dropped by filter", "event", ev.String())
		return
	}
	if ev.Kind == EventIncoming {
		t.onIncoming(ev)
		return
	}

	conn := t.lookup(ev.Session)
	if conn == nil {
		t.dropped++
		t.log.Debug("dropping event", "event", ev.String(), "error", &NotFoundError{Session: ev.Session})
		return
	}

	switch ev.Kind {
	case EventProgressing:
		t.onProgressing(conn)
	case EventStarted:
		t.onStarted(conn)
	case EventStartFailed:
		t.onStartFailed(conn, ev.Reason)
	case EventHeld:
		t.onHeld(conn)
	case EventHoldFailed:
		t.onHoldFailed(conn, ev.Reason)
	case EventResumed:
		t.onResumed(conn)
	case EventResumeFailed:
		t.onResumeFailed(conn, ev.Reason)
	case EventMerged:
		t.onMerged()
	case EventMergeFailed:
		t.onMergeFailed(ev.Reason)
	case EventTerminated:
		t.onTerminated(conn, ev.Reason)
	case EventDtmfComplete:
		t.onDtmfComplete(conn)
	case EventAcceptFailed:
		t.onAcceptFailed(conn, ev.Reason)
	default:
		t.log.Warn("unknown event", "event", ev.String())
	}
}

func (t *CallTracker) onIncoming(ev Event) {
	if existing := t.lookup(ev.Session); existing != nil {
		t.log.Debug("duplicate incoming event", "session", ev.Session, "conn", existing.id)
		return
	}
	if t.ringing.isRinging() || len(t.conns) >= t.opts.MaxConnections {
		t.log.Info("rejecting incoming call, busy", "session", ev.Session, "address", ev.Address)
		if err := t.adapter.Terminate(t.ctx, ev.Session, ReasonBusyHere); err != nil {
			t.log.Warn("busy reject failed", "session", ev.Session, "error", err)
		}
		return
	}

	conn := newConnection(t, ev.Address, true)
	conn.displayName = ev.DisplayName
	conn.session = ev.Session
	_ = t.register(conn)

	state := StateIncoming
	if t.foreground.state.IsAlive() || t.background.state.IsAlive() {
		state = StateWaiting
	}
	t.ringing.add(conn)
	conn.setState(state)
	t.armRingTimeout(conn)

	t.log.Info("incoming call", "conn", conn.id, "session", conn.session, "address", conn.address, "state", state.String())
	t.notify(func() { t.notifier.NewRingingConnection(conn) })
}

func (t *CallTracker) armRingTimeout(conn *Connection) {
	d := t.incomingTimeout()
	conn.timeout = t.armTimeout(d, func(*timeout) { t.onIncomingTimeout(conn, d) })
}

func (t *CallTracker) onProgressing(conn *Connection) {
	if conn.state != StateDialing {
		return
	}
	conn.timeout.cancel()
	conn.timeout = nil
	conn.setState(StateAlerting)
}

func (t *CallTracker) onStarted(conn *Connection) {
	if !conn.state.IsAlive() {
		t.log.Debug("started event for finished connection", "conn", conn.id, "state", conn.state.String())
		return
	}
	conn.timeout.cancel()
	conn.timeout = nil
	if t.pendingMO == conn {
		t.pendingMO = nil
		t.markDirty()
	}

	wasRinging := conn.owner == t.ringing
	conn.setState(StateActive)
	if wasRinging {
		dst := t.foreground
		if !dst.isIdle() && t.background.isIdle() {
			dst = t.background
		}
		t.ringing.moveTo(conn, dst)
	}
	t.routeAudio()
	t.log.Info("call started", "conn", conn.id, "session", conn.session, "slot", conn.owner.role.String())

	if !conn.incoming && conn.postDial.digits != "" && conn.postDial.state == PostDialNotStarted {
		t.processPostDial(conn)
	}
}

func (t *CallTracker) onStartFailed(conn *Connection, reason ReasonCode) {
	if !conn.state.IsDialing() {
		t.log.Debug("start failure for connection not dialing", "conn", conn.id, "state", conn.state.String())
		return
	}
	cause := CauseErrorUnspecified
	if reason != ReasonNone {
		cause = MapReasonCode(reason)
	}
	t.log.Info("start failed", "conn", conn.id, "reason", int(reason), "cause", cause.String())
	t.failStart(conn, cause)
}

// onAcceptFailed puts a call whose answer was refused back to ringing.
func (t *CallTracker) onAcceptFailed(conn *Connection, reason ReasonCode) {
	if !conn.state.IsRinging() {
		t.log.Debug("accept failure for answered connection", "conn", conn.id, "state", conn.state.String())
		return
	}
	err := &TransportError{Op: "accept", Code: reason, Err: errors.Errorf("answer of %s rejected", conn.session)}
	t.log.Warn("accept failed", "conn", conn.id, "session", conn.session, "reason", int(reason))
	conn.timeout.cancel()
	t.armRingTimeout(conn)
	t.notify(func() { t.notifier.SuppServiceFailed(OpAccept, err) })
}

func (t *CallTracker) onTerminated(conn *Connection, reason ReasonCode) {
	cause := MapReasonCode(reason)
	if conn.incoming && conn.state.IsRinging() && !conn.localHangup {
		cause = CauseIncomingMissed
	}
	conn.setDisconnectCause(cause)
	t.onDisconnected(conn)
}

// membersOf returns the live members of the call holding conn.
func membersOf(conn *Connection) []*Connection {
	if conn.owner == nil {
		return []*Connection{conn}
	}
	return append([]*Connection(nil), conn.owner.conns...)
}

func (t *CallTracker) onHeld(conn *Connection) {
	for _, m := range membersOf(conn) {
		if m.state == StateActive {
			m.setState(StateHolding)
		}
	}
	if t.pending.kind != deferNone && t.pending.held == conn.session {
		t.resolveDeferred()
	}
}

// resolveDeferred runs the action waiting on the pending hold. Called when
// the hold is confirmed or when the held call went away.
func (t *CallTracker) resolveDeferred() {
	p := t.pending
	t.pending = deferred{}

	switch p.kind {
	case deferDial:
		if mo := t.pendingMO; mo != nil && mo.session == "" && mo.state == StateDialing {
			t.startOutgoing(mo, p.start)
		}
	case deferAnswer:
		conn := t.firstRinging()
		if conn == nil {
			t.log.Debug("waiting call gone before hold completed")
			return
		}
		if err := t.answer(conn, p.accept); err != nil {
			t.notify(func() { t.notifier.SuppServiceFailed(OpAccept, err) })
		}
	case deferResume:
		h := t.foreground.firstSession()
		if t.foreground.state != StateHolding || h == "" {
			return
		}
		if err := t.adapter.Resume(t.ctx, h); err != nil {
			te := transportError("switch", err)
			t.log.Warn("resume after swap failed", "session", h, "error", err)
			t.notify(func() { t.notifier.SuppServiceFailed(OpResume, te) })
		}
	}
}

func (t *CallTracker) onHoldFailed(conn *Connection, reason ReasonCode) {
	err := &TransportError{Op: "hold", Code: reason, Err: errors.Errorf("hold of %s rejected", conn.session)}
	t.log.Warn("hold failed", "conn", conn.id, "session", conn.session, "reason", int(reason))

	if t.pending.kind == deferNone || t.pending.held != conn.session {
		t.notify(func() { t.notifier.SuppServiceFailed(OpSwitch, err) })
		return
	}
	p := t.pending
	t.pending = deferred{}

	op := OpSwitch
	switch p.kind {
	case deferDial:
		op = OpDial
		if mo := t.pendingMO; mo != nil {
			mo.setDisconnectCause(CauseErrorUnspecified)
			t.onDisconnected(mo)
		}
	case deferAnswer:
		op = OpAccept
	}

	if conn.owner == t.background && (t.foreground.isIdle() || p.kind == deferResume || p.kind == deferSwitch) {
		t.foreground.switchWith(t.background)
	}
	for _, m := range membersOf(conn) {
		if m.state == StateHolding {
			m.setState(StateActive)
		}
	}
	t.routeAudio()
	t.notify(func() { t.notifier.SuppServiceFailed(op, err) })
}

func (t *CallTracker) onResumed(conn *Connection) {
	for _, m := range membersOf(conn) {
		if m.state == StateHolding {
			m.setState(StateActive)
		}
	}
	if conn.owner == t.background && t.foreground.isIdle() {
		t.foreground.switchWith(t.background)
	}
	t.routeAudio()
}

func (t *CallTracker) onResumeFailed(conn *Connection, reason ReasonCode) {
	err := &TransportError{Op: "resume", Code: reason, Err: errors.Errorf("resume of %s rejected", conn.session)}
	t.log.Warn("resume failed", "conn", conn.id, "session", conn.session, "reason", int(reason))
	if conn.owner == t.foreground && t.background.isIdle() {
		t.foreground.switchWith(t.background)
		t.routeAudio()
	}
	t.notify(func() { t.notifier.SuppServiceFailed(OpResume, err) })
}

func (t *CallTracker) onMerged() {
	if !t.mergePending {
		t.log.Debug("unexpected merge confirmation")
		return
	}
	t.mergePending = false
	held := append([]*Connection(nil), t.background.conns...)
	if err := t.foreground.merge(t.background); err != nil {
		t.log.Warn("merge failed locally", "error", err)
		t.notify(func() { t.notifier.SuppServiceFailed(OpConference, err) })
		return
	}
	for _, m := range held {
		if m.state == StateHolding {
			m.setState(StateActive)
		}
	}
	t.routeAudio()
	t.audio.setMuted(t.audio.muted)
	t.log.Info("calls merged", "size", len(t.foreground.conns))
}

func (t *CallTracker) onMergeFailed(reason ReasonCode) {
	if !t.mergePending {
		return
	}
	t.mergePending = false
	err := &TransportError{Op: "conference", Code: reason, Err: errors.New("merge rejected")}
	t.log.Warn("merge failed", "reason", int(reason))
	t.notify(func() { t.notifier.SuppServiceFailed(OpConference, err) })
}
