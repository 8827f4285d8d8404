package calltracker

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// CanDial reports whether a new outgoing call may be placed now.
func (t *CallTracker) CanDial(ctx context.Context) (bool, error) {
	var ok bool
	err := t.do(ctx, func() error {
		ok = t.canDial()
		return nil
	})
	return ok, err
}

// Dial places an outgoing call to address. An active foreground call is
// put on hold first and the outgoing request is sent once the hold is
// confirmed. The returned connection is valid even when the start later
// fails; the failure shows up as its disconnect cause.
func (t *CallTracker) Dial(ctx context.Context, address string, opts DialOptions) (*Connection, error) {
	var conn *Connection
	err := t.do(ctx, func() error {
		c, err := t.dial(address, opts)
		conn = c
		return err
	})
	return conn, err
}

func (t *CallTracker) dial(address string, opts DialOptions) (*Connection, error) {
	if !t.canDial() {
		return nil, invalidState("dial", "cannot dial: pending=%t ringing=%s foreground=%s background=%s",
			t.pendingMO != nil, t.ringing.state, t.foreground.state, t.background.state)
	}
	network, post := SplitDialString(address)
	if network == "" {
		return nil, invalidState("dial", "empty dial string")
	}
	if len(t.conns) >= t.opts.MaxConnections {
		return nil, &CapacityExceededError{Op: "dial", Limit: t.opts.MaxConnections}
	}

	var held SessionHandle
	switch {
	case t.foreground.isIdle():
	case t.foreground.state == StateActive:
		if !t.profile.SupportsHold {
			return nil, invalidState("dial", "transport %s cannot hold the active call", t.profile.Name)
		}
		held = t.foreground.firstSession()
		if err := t.adapter.Hold(t.ctx, held); err != nil {
			return nil, transportError("dial", err)
		}
		t.foreground.switchWith(t.background)
		t.routeAudio()
	default:
		return nil, invalidState("dial", "foreground call is %s", t.foreground.state)
	}

	conn := newConnection(t, network, false)
	conn.setPostDial(post)
	_ = t.register(conn)
	t.pendingMO = conn
	t.foreground.add(conn)
	conn.setState(StateDialing)
	t.markDirty()

	start := StartOptions{
		CallerIdentity: exposedIdentity(t.opts.Permission, t.opts.CallerIdentity),
		VideoState:     opts.VideoState,
	}
	t.log.Info("dialing", "conn", conn.id, "address", network, "hold_first", held != "")

	d := opts.Timeout
	if d <= 0 {
		d = t.dialTimeout()
	}
	conn.timeout = t.armTimeout(d, func(*timeout) { t.onDialTimeout(conn, d) })

	if held != "" {
		t.pending = deferred{kind: deferDial, held: held, start: start}
		return conn, nil
	}
	t.startOutgoing(conn, start)
	return conn, nil
}

// startOutgoing requests the session for conn.
func (t *CallTracker) startOutgoing(conn *Connection, start StartOptions) {
	h, err := t.adapter.StartOutgoing(t.ctx, conn.address, start)
	if err != nil {
		t.log.Warn("start outgoing failed", "conn", conn.id, "error", err)
		t.failStart(conn, causeForError(err))
		return
	}
	conn.setSession(h)
}

// failStart records cause and disconnects conn after the start-failure
// grace period, unless the transport finishes it first.
func (t *CallTracker) failStart(conn *Connection, cause DisconnectCause) {
	conn.timeout.cancel()
	conn.timeout = nil
	conn.setDisconnectCause(cause)
	conn.timeout = t.armTimeout(t.opts.StartFailureGrace, func(*timeout) {
		t.onDisconnected(conn)
	})
}

func (t *CallTracker) onDialTimeout(conn *Connection, after time.Duration) {
	if !conn.state.IsDialing() {
		return
	}
	t.log.Warn("dial timed out", "conn", conn.id, "error", &TimeoutError{Op: "dial", After: after})
	conn.setDisconnectCause(CauseTimedOut)
	t.terminateQuietly(conn, ReasonRequestTimeout)
	t.onDisconnected(conn)
}

func (t *CallTracker) onIncomingTimeout(conn *Connection, after time.Duration) {
	if !conn.state.IsRinging() {
		return
	}
	t.log.Warn("incoming call timed out", "conn", conn.id, "error", &TimeoutError{Op: "incoming", After: after})
	conn.setDisconnectCause(CauseTimedOut)
	t.terminateQuietly(conn, ReasonRequestTimeout)
	t.onDisconnected(conn)
}

func (t *CallTracker) onAnswerTimeout(conn *Connection, after time.Duration) {
	if conn.state != StateIncoming && conn.state != StateWaiting {
		return
	}
	t.log.Warn("answer not confirmed", "conn", conn.id, "error", &TimeoutError{Op: "accept", After: after})
	conn.setDisconnectCause(CauseTimedOut)
	t.terminateQuietly(conn, ReasonRequestTimeout)
	t.onDisconnected(conn)
}

func (t *CallTracker) terminateQuietly(conn *Connection, reason ReasonCode) {
	if conn.session == "" {
		return
	}
	if err := t.adapter.Terminate(t.ctx, conn.session, reason); err != nil {
		t.log.Debug("terminate failed", "conn", conn.id, "session", conn.session, "error", err)
	}
}

// AcceptCall answers the ringing call. A waiting call is answered only
// after the active foreground call is confirmed held.
func (t *CallTracker) AcceptCall(ctx context.Context, opts AcceptOptions) error {
	return t.do(ctx, func() error { return t.accept(opts) })
}

func (t *CallTracker) accept(opts AcceptOptions) error {
	if !t.ringing.isRinging() {
		return invalidState("accept", "no ringing call (ringing slot is %s)", t.ringing.state)
	}
	conn := t.firstRinging()
	if conn == nil {
		return invalidState("accept", "no ringing connection")
	}

	if t.ringing.state == StateWaiting && t.foreground.state.IsAlive() {
		if t.foreground.state != StateActive {
			return invalidState("accept", "foreground call is %s", t.foreground.state)
		}
		if !t.background.isIdle() {
			return invalidState("accept", "background call is %s", t.background.state)
		}
		if !t.profile.SupportsHold {
			return invalidState("accept", "transport %s cannot hold the active call", t.profile.Name)
		}
		if t.pending.kind != deferNone {
			return invalidState("accept", "hold already in progress")
		}
		held := t.foreground.firstSession()
		if err := t.adapter.Hold(t.ctx, held); err != nil {
			return transportError("accept", err)
		}
		t.foreground.switchWith(t.background)
		t.routeAudio()
		t.pending = deferred{kind: deferAnswer, held: held, accept: opts}
		t.log.Info("holding active call before answering", "conn", conn.id, "held", held)
		return nil
	}
	return t.answer(conn, opts)
}

func (t *CallTracker) firstRinging() *Connection {
	for _, c := range t.ringing.conns {
		if c.state.IsRinging() {
			return c
		}
	}
	return nil
}

func (t *CallTracker) answer(conn *Connection, opts AcceptOptions) error {
	conn.timeout.cancel()
	d := t.dialTimeout()
	conn.timeout = t.armTimeout(d, func(*timeout) { t.onAnswerTimeout(conn, d) })
	if err := t.adapter.Accept(t.ctx, conn.session, opts); err != nil {
		conn.timeout.cancel()
		t.armRingTimeout(conn)
		return transportError("accept", err)
	}
	t.log.Info("answering", "conn", conn.id, "session", conn.session)
	return nil
}

// RejectCall declines the ringing call.
func (t *CallTracker) RejectCall(ctx context.Context) error {
	return t.do(ctx, t.reject)
}

func (t *CallTracker) reject() error {
	if !t.ringing.isRinging() {
		return invalidState("reject", "no ringing call (ringing slot is %s)", t.ringing.state)
	}
	var first error
	for _, conn := range append([]*Connection(nil), t.ringing.conns...) {
		if !conn.state.IsAlive() {
			continue
		}
		conn.setDisconnectCause(CauseIncomingRejected)
		if err := conn.hangup(t.ctx, ReasonDecline); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SwitchWaitingOrHoldingAndActive answers a waiting call, or swaps the
// active and held calls. The swap is applied immediately and rolled back
// if the transport rejects the hold.
func (t *CallTracker) SwitchWaitingOrHoldingAndActive(ctx context.Context) error {
	return t.do(ctx, t.switchCalls)
}

func (t *CallTracker) switchCalls() error {
	switch t.ringing.state {
	case StateIncoming:
		return invalidState("switch", "cannot switch while a call is ringing")
	case StateWaiting:
		return t.accept(AcceptOptions{})
	}
	if t.pending.kind != deferNone {
		return invalidState("switch", "hold already in progress")
	}

	fg, bg := t.foreground, t.background
	switch {
	case fg.state == StateActive:
		if !t.profile.SupportsHold {
			return invalidState("switch", "transport %s cannot hold the active call", t.profile.Name)
		}
		held := fg.firstSession()
		fg.switchWith(bg)
		t.routeAudio()
		if err := t.adapter.Hold(t.ctx, held); err != nil {
			fg.switchWith(bg)
			t.routeAudio()
			return transportError("switch", err)
		}
		if fg.state == StateHolding {
			t.pending = deferred{kind: deferResume, held: held}
		} else {
			t.pending = deferred{kind: deferSwitch, held: held}
		}
		return nil

	case fg.isIdle() && bg.state == StateHolding:
		fg.switchWith(bg)
		t.routeAudio()
		if err := t.adapter.Resume(t.ctx, fg.firstSession()); err != nil {
			fg.switchWith(bg)
			t.routeAudio()
			return transportError("switch", err)
		}
		return nil
	}
	return invalidState("switch", "nothing to switch: foreground %s, background %s", fg.state, bg.state)
}

// Conference merges the held background call into the active foreground
// call.
func (t *CallTracker) Conference(ctx context.Context) error {
	return t.do(ctx, t.conference)
}

func (t *CallTracker) canConference() error {
	if t.foreground.state != StateActive || t.background.state != StateHolding {
		return invalidState("conference", "need active foreground and held background, have %s and %s",
			t.foreground.state, t.background.state)
	}
	if !t.profile.SupportsMerge {
		return invalidState("conference", "transport %s cannot merge calls", t.profile.Name)
	}
	if limit := t.maxConferenceSize(); t.foreground.isFull() || t.background.isFull() ||
		len(t.foreground.conns)+len(t.background.conns) > limit {
		return &CapacityExceededError{Op: "conference", Limit: limit}
	}
	return nil
}

func (t *CallTracker) conference() error {
	if err := t.canConference(); err != nil {
		return err
	}
	if t.mergePending {
		return invalidState("conference", "merge already in progress")
	}
	if err := t.adapter.Merge(t.ctx, t.foreground.firstSession(), t.background.firstSession()); err != nil {
		return transportError("conference", err)
	}
	t.mergePending = true
	return nil
}

// Hangup ends every live connection in call.
func (t *CallTracker) Hangup(ctx context.Context, call *Call) error {
	return t.do(ctx, func() error { return t.hangupCall(call) })
}

func (t *CallTracker) hangupCall(call *Call) error {
	if call == nil || call.tracker != t {
		return invalidState("hangup", "call does not belong to this tracker")
	}
	if call == t.ringing && call.isRinging() {
		return t.reject()
	}
	if call.isIdle() && len(call.conns) == 0 {
		return invalidState("hangup", "%s call is idle", call.role)
	}
	var first error
	for _, conn := range append([]*Connection(nil), call.conns...) {
		if !conn.state.IsAlive() {
			continue
		}
		if err := conn.hangup(t.ctx, ReasonUserTerminated); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HangupConnection ends one call leg.
func (t *CallTracker) HangupConnection(ctx context.Context, conn *Connection) error {
	return t.do(ctx, func() error {
		if conn == nil || !t.owns(conn) {
			return &NotFoundError{ConnID: connID(conn)}
		}
		reason := ReasonUserTerminated
		if conn.owner == t.ringing && conn.state.IsRinging() {
			conn.setDisconnectCause(CauseIncomingRejected)
			reason = ReasonDecline
		}
		return conn.hangup(t.ctx, reason)
	})
}

// HangupAll ends every live connection the tracker owns.
func (t *CallTracker) HangupAll(ctx context.Context) error {
	return t.do(ctx, func() error {
		var first error
		for _, call := range []*Call{t.ringing, t.foreground, t.background, t.handover} {
			if len(call.conns) == 0 {
				continue
			}
			if err := t.hangupCall(call); err != nil && !IsInvalidState(err) && first == nil {
				first = err
			}
		}
		return first
	})
}

// SetMute mutes or unmutes the call holding the audio group.
func (t *CallTracker) SetMute(ctx context.Context, muted bool) error {
	return t.do(ctx, func() error {
		t.audio.setMuted(muted)
		return nil
	})
}

func causeForError(err error) DisconnectCause {
	var te *TransportError
	if errors.As(err, &te) && te.Code != ReasonNone {
		return MapReasonCode(te.Code)
	}
	var coded interface{ ReasonCode() ReasonCode }
	if errors.As(err, &coded) && coded.ReasonCode() != ReasonNone {
		return MapReasonCode(coded.ReasonCode())
	}
	return CauseErrorUnspecified
}
