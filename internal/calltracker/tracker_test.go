package calltracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ownershipChecker verifies after every settled task that each connection
// sits in exactly one slot and points back at it.
type ownershipChecker struct {
	NopNotifier
	mu       sync.Mutex
	tracker  *CallTracker
	problems []string
}

func (o *ownershipChecker) PreciseCallStateChanged() {
	snap := o.tracker.Snapshot()
	seen := map[string]SlotRole{}
	slots := map[SlotRole]*Call{
		RoleRinging:    o.tracker.Ringing(),
		RoleForeground: o.tracker.Foreground(),
		RoleBackground: o.tracker.Background(),
		RoleHandover:   o.tracker.HandoverCall(),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for role, infos := range snap.Slots {
		for _, info := range infos {
			if prev, dup := seen[info.ID]; dup {
				o.problems = append(o.problems, fmt.Sprintf("%s in %s and %s", info.ID, prev, role))
			}
			seen[info.ID] = role
		}
		for _, c := range slots[role].Connections() {
			if c.Call() != slots[role] {
				o.problems = append(o.problems, fmt.Sprintf("%s listed in %s but owned elsewhere", c.ID(), role))
			}
		}
	}
}

func (o *ownershipChecker) Problems() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.problems...)
}

func withChecker(h **ownershipChecker) func(*Options) {
	return func(o *Options) {
		c := &ownershipChecker{}
		*h = c
		o.Notifier = MultiNotifier(o.Notifier, c)
	}
}

func TestDialStartAndHangup(t *testing.T) {
	h := newHarness(t, ProfileIMS)

	conn := h.dial("1800555")
	assert.Equal(t, PhoneOffhook, h.tracker.State())
	assert.Equal(t, StateDialing, conn.State())
	assert.Same(t, conn, h.tracker.PendingMO())
	assert.Same(t, h.tracker.Foreground(), conn.Call())
	assert.Equal(t, []string{"start 1800555"}, h.adapter.Calls())

	h.advance(2 * time.Second)
	h.event(EventStarted, conn.Session(), ReasonNone)
	assert.Equal(t, StateActive, conn.State())
	assert.Equal(t, epoch.Add(2*time.Second), conn.ConnectTime())
	assert.Nil(t, h.tracker.PendingMO())

	h.advance(10 * time.Second)
	require.NoError(t, h.tracker.Hangup(h.ctx, h.tracker.Foreground()))
	h.sync()
	assert.Equal(t, StateDisconnecting, conn.State())

	h.event(EventTerminated, conn.Session(), ReasonNone)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, CauseLocal, conn.Cause())
	assert.Equal(t, 10*time.Second, conn.Duration())
	assert.Equal(t, PhoneIdle, h.tracker.State())
	assert.True(t, h.tracker.Foreground().IsIdle())
	assert.Empty(t, h.tracker.Connections())
	assert.Equal(t, []*Connection{conn}, h.rec.Disconnects())
	assert.Equal(t, []PhoneState{PhoneOffhook, PhoneIdle}, h.rec.Phones())
}

func TestRemoteHangupIsNormal(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	conn := h.activeCall("1001")

	h.event(EventTerminated, conn.Session(), ReasonOK)
	assert.Equal(t, CauseNormal, conn.Cause())
	assert.Equal(t, PhoneIdle, h.tracker.State())
}

func TestDialTimeoutCancelledBySuccessAlreadyQueued(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.dial("1800555")

	gate := make(chan struct{})
	h.tracker.post(func() { <-gate })
	h.tracker.HandleEvent(Event{Kind: EventStarted, Session: conn.Session()})
	h.clock.Advance(15 * time.Second)
	close(gate)
	h.sync()

	assert.Equal(t, StateActive, conn.State())
	assert.Equal(t, CauseNotDisconnected, conn.Cause())
	assert.NotContains(t, h.adapter.Calls(), "terminate out-1 408")
}

func TestDialTimeout(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.dial("1800555")

	h.advance(14 * time.Second)
	assert.Equal(t, StateDialing, conn.State())

	h.advance(time.Second)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, CauseTimedOut, conn.Cause())
	assert.Contains(t, h.adapter.Calls(), "terminate out-1 408")
	assert.Equal(t, PhoneIdle, h.tracker.State())
	assert.True(t, conn.ConnectTime().IsZero(), "never active")
	assert.Zero(t, conn.Duration())
	assert.Equal(t, epoch.Add(15*time.Second), conn.DisconnectTime())

	// Later events and transitions leave the disconnect time alone.
	h.advance(time.Minute)
	h.event(EventTerminated, conn.Session(), ReasonOK)
	h.tracker.post(func() { conn.setState(StateDisconnected) })
	h.sync()
	assert.Equal(t, epoch.Add(15*time.Second), conn.DisconnectTime())
	assert.Equal(t, CauseTimedOut, conn.Cause())
	assert.Len(t, h.rec.Disconnects(), 1)
}

func TestProgressCancelsDialTimeout(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.dial("1800555")

	h.event(EventProgressing, conn.Session(), ReasonNone)
	assert.Equal(t, StateAlerting, conn.State())

	h.advance(time.Minute)
	assert.Equal(t, StateAlerting, conn.State())
}

func TestStartFailureGracePeriod(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.dial("1800555")

	h.event(EventStartFailed, conn.Session(), ReasonBusyHere)
	assert.Equal(t, StateDialing, conn.State())
	assert.Equal(t, CauseBusy, conn.Cause())

	h.advance(499 * time.Millisecond)
	assert.Equal(t, StateDialing, conn.State())

	h.advance(time.Millisecond)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, CauseBusy, conn.Cause())
	assert.Equal(t, PhoneIdle, h.tracker.State())
	assert.True(t, conn.ConnectTime().IsZero())
	assert.Equal(t, epoch.Add(500*time.Millisecond), conn.DisconnectTime())
}

func TestStartFailedAfterStartedIsIgnored(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.activeCall("1800555")

	h.event(EventStartFailed, conn.Session(), ReasonBusyHere)
	h.advance(time.Second)
	assert.Equal(t, StateActive, conn.State())
	assert.Equal(t, CauseNotDisconnected, conn.Cause())
	assert.Equal(t, PhoneOffhook, h.tracker.State())
	assert.Empty(t, h.rec.Disconnects())
}

func TestStartOutgoingErrorStillReturnsConnection(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	h.adapter.set(func(a *fakeAdapter) { a.startErr = codedErr{ReasonNotFound} })

	conn, err := h.tracker.Dial(h.ctx, "99", DialOptions{})
	require.NoError(t, err)
	require.NotNil(t, conn)
	h.sync()
	assert.Equal(t, StateDialing, conn.State())

	h.advance(500 * time.Millisecond)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, CauseInvalidNumber, conn.Cause())
}

func TestDialRejectedStates(t *testing.T) {
	h := newHarness(t, ProfileIMS)

	_, err := h.tracker.Dial(h.ctx, ";123", DialOptions{})
	assert.True(t, IsInvalidState(err))

	h.dial("1001")
	_, err = h.tracker.Dial(h.ctx, "1002", DialOptions{})
	assert.True(t, IsInvalidState(err), "second dial while one is pending")
}

func TestCanDial(t *testing.T) {
	h := newHarness(t, ProfileIMS)

	ok, err := h.tracker.CanDial(h.ctx)
	require.NoError(t, err)
	assert.True(t, ok, "idle")

	pending := h.dial("1001")
	ok, _ = h.tracker.CanDial(h.ctx)
	assert.False(t, ok, "pending outgoing call")

	h.event(EventStarted, pending.Session(), ReasonNone)
	ok, _ = h.tracker.CanDial(h.ctx)
	assert.True(t, ok, "one active call leaves the background free")

	second := h.dial("1002")
	h.event(EventHeld, pending.Session(), ReasonNone)
	h.event(EventStarted, second.Session(), ReasonNone)
	ok, _ = h.tracker.CanDial(h.ctx)
	assert.False(t, ok, "both slots busy")

	h.event(EventTerminated, second.Session(), ReasonNone)
	ok, _ = h.tracker.CanDial(h.ctx)
	assert.True(t, ok, "foreground freed")

	h.incoming("in-1", "2001")
	ok, _ = h.tracker.CanDial(h.ctx)
	assert.False(t, ok, "ringing")
}

func TestDialHoldsActiveCallFirst(t *testing.T) {
	var checker *ownershipChecker
	h := newHarness(t, ProfileIMS, withChecker(&checker))
	checker.tracker = h.tracker

	first := h.activeCall("1001")
	second := h.dial("1002")

	assert.Equal(t, []string{"start 1001", "hold out-1"}, h.adapter.Calls())
	assert.Empty(t, second.Session(), "outgoing request waits for the hold")
	assert.Same(t, h.tracker.Background(), first.Call())
	assert.Same(t, h.tracker.Foreground(), second.Call())

	h.event(EventHeld, first.Session(), ReasonNone)
	assert.Equal(t, StateHolding, first.State())
	assert.Equal(t, "out-2", string(second.Session()))
	assert.Equal(t, []string{"start 1001", "hold out-1", "start 1002"}, h.adapter.Calls())
	assert.Empty(t, checker.Problems())
}

func TestDialHoldFailureRollsBack(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	first := h.activeCall("1001")
	second := h.dial("1002")

	h.event(EventHoldFailed, first.Session(), ReasonNotAcceptable)
	assert.Equal(t, StateDisconnected, second.State())
	assert.Equal(t, CauseErrorUnspecified, second.Cause())
	assert.Equal(t, StateActive, first.State())
	assert.Same(t, h.tracker.Foreground(), first.Call())
	assert.True(t, h.tracker.Background().IsIdle())
	assert.Equal(t, []Operation{OpDial}, h.rec.Failures())
}

func TestAcceptWaitingCallHoldsForegroundFirst(t *testing.T) {
	var checker *ownershipChecker
	h := newHarness(t, ProfileIMS, withChecker(&checker))
	checker.tracker = h.tracker

	a := h.activeCall("1001")
	b := h.incoming("in-1", "2002")
	require.NotNil(t, b)
	assert.Equal(t, StateWaiting, b.State())
	assert.Equal(t, PhoneRinging, h.tracker.State())
	assert.Equal(t, "Caller 2002", b.DisplayName())

	require.NoError(t, h.tracker.AcceptCall(h.ctx, AcceptOptions{}))
	h.sync()
	assert.NotContains(t, h.adapter.Calls(), "accept in-1", "answer waits for the hold")

	h.event(EventHeld, a.Session(), ReasonNone)
	assert.Contains(t, h.adapter.Calls(), "accept in-1")

	h.event(EventStarted, b.Session(), ReasonNone)
	assert.Equal(t, StateHolding, a.State())
	assert.Equal(t, StateActive, b.State())
	assert.Same(t, h.tracker.Background(), a.Call())
	assert.Same(t, h.tracker.Foreground(), b.Call())
	assert.True(t, h.tracker.Ringing().IsIdle())
	assert.Equal(t, PhoneOffhook, h.tracker.State())
	assert.Empty(t, checker.Problems())
}

func TestAcceptIncomingCall(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	conn := h.incoming("in-1", "2001")
	assert.Equal(t, StateIncoming, conn.State())
	assert.Equal(t, []*Connection{conn}, h.rec.Ringings())

	require.NoError(t, h.tracker.AcceptCall(h.ctx, AcceptOptions{}))
	h.event(EventStarted, "in-1", ReasonNone)
	assert.Equal(t, StateActive, conn.State())
	assert.Same(t, h.tracker.Foreground(), conn.Call())
	assert.Same(t, h.tracker.Foreground(), h.tracker.Audio().Owner())
}

func TestAcceptFailedEventKeepsCallRinging(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	conn := h.incoming("in-1", "2001")

	require.NoError(t, h.tracker.AcceptCall(h.ctx, AcceptOptions{}))
	h.event(EventAcceptFailed, "in-1", ReasonServerInternal)
	assert.Equal(t, StateIncoming, conn.State())
	assert.Same(t, h.tracker.Ringing(), conn.Call())
	assert.Equal(t, []Operation{OpAccept}, h.rec.Failures())

	// The answer timer is gone; the ringing timer starts over.
	h.advance(79 * time.Second)
	assert.Equal(t, StateIncoming, conn.State())
	h.advance(time.Second)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, CauseTimedOut, conn.Cause())

	// Late failures for a finished call are dropped.
	h.event(EventAcceptFailed, "in-1", ReasonServerInternal)
	assert.Len(t, h.rec.Failures(), 1)
}

func TestAcceptWithoutRingingCall(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	err := h.tracker.AcceptCall(h.ctx, AcceptOptions{})
	assert.True(t, IsInvalidState(err))
}

func TestIncomingTimeout(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	conn := h.incoming("in-1", "2001")

	h.advance(80 * time.Second)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, CauseTimedOut, conn.Cause())
	assert.Equal(t, PhoneIdle, h.tracker.State())
}

func TestIncomingMissed(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	conn := h.incoming("in-1", "2001")

	h.event(EventTerminated, "in-1", ReasonTerminated)
	assert.Equal(t, CauseIncomingMissed, conn.Cause())
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	conn := h.incoming("in-1", "2001")

	require.NoError(t, h.tracker.RejectCall(h.ctx))
	h.sync()
	assert.Contains(t, h.adapter.Calls(), "terminate in-1 603")
	assert.Equal(t, StateDisconnecting, conn.State())

	h.event(EventTerminated, "in-1", ReasonNone)
	assert.Equal(t, CauseIncomingRejected, conn.Cause())
	assert.Equal(t, PhoneIdle, h.tracker.State())
}

func TestSecondIncomingWhileRingingIsBusy(t *testing.T) {
	h := newHarness(t, ProfileGSM)
	h.incoming("in-1", "2001")
	second := h.incoming("in-2", "2002")

	assert.Nil(t, second)
	assert.Contains(t, h.adapter.Calls(), "terminate in-2 486")
	assert.Len(t, h.tracker.Ringing().Connections(), 1)
}

func TestSwitchSwapsActiveAndHeld(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a, b := h.heldAndActive()
	h.advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, a.HoldDuration())
	assert.Zero(t, b.HoldDuration())

	require.NoError(t, h.tracker.SwitchWaitingOrHoldingAndActive(h.ctx))
	h.sync()
	assert.Same(t, h.tracker.Foreground(), a.Call(), "swap is applied immediately")
	assert.Same(t, h.tracker.Background(), b.Call())

	h.event(EventHeld, b.Session(), ReasonNone)
	assert.Contains(t, h.adapter.Calls(), "resume out-1")
	h.event(EventResumed, a.Session(), ReasonNone)

	assert.Equal(t, StateActive, a.State())
	assert.Equal(t, StateHolding, b.State())
	assert.Same(t, h.tracker.Foreground(), h.tracker.Audio().Owner())

	h.advance(2 * time.Second)
	assert.Zero(t, a.HoldDuration(), "resumed")
	assert.Equal(t, 2*time.Second, b.HoldDuration())
}

func TestSwitchRollsBackOnSynchronousHoldError(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a, b := h.heldAndActive()
	h.adapter.set(func(f *fakeAdapter) { f.holdErr = errRadio })

	err := h.tracker.SwitchWaitingOrHoldingAndActive(h.ctx)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Same(t, h.tracker.Foreground(), b.Call())
	assert.Same(t, h.tracker.Background(), a.Call())
	assert.Equal(t, StateActive, b.State())
}

func TestSwitchRollsBackOnHoldFailedEvent(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a, b := h.heldAndActive()

	require.NoError(t, h.tracker.SwitchWaitingOrHoldingAndActive(h.ctx))
	h.event(EventHoldFailed, b.Session(), ReasonNotAcceptable)

	assert.Same(t, h.tracker.Foreground(), b.Call())
	assert.Same(t, h.tracker.Background(), a.Call())
	assert.Equal(t, StateActive, b.State())
	assert.Equal(t, StateHolding, a.State())
	assert.Equal(t, []Operation{OpSwitch}, h.rec.Failures())
	assert.NotContains(t, h.adapter.Calls(), "resume out-1")
}

func TestSwitchWithNothingToSwitch(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	err := h.tracker.SwitchWaitingOrHoldingAndActive(h.ctx)
	assert.True(t, IsInvalidState(err))
}

func TestConferenceConnectTimeIsEarliestLeg(t *testing.T) {
	var checker *ownershipChecker
	h := newHarness(t, ProfileIMS, withChecker(&checker))
	checker.tracker = h.tracker

	a := h.activeCall("1001")
	h.advance(5 * time.Second)
	b := h.dial("1002")
	h.event(EventHeld, a.Session(), ReasonNone)
	h.event(EventStarted, b.Session(), ReasonNone)

	require.NoError(t, h.tracker.Conference(h.ctx))
	assert.Contains(t, h.adapter.Calls(), "merge out-2 out-1")

	h.event(EventMerged, b.Session(), ReasonNone)
	fg := h.tracker.Foreground()
	assert.ElementsMatch(t, []*Connection{a, b}, fg.Connections())
	assert.True(t, h.tracker.Background().IsIdle())
	assert.Equal(t, StateActive, a.State())
	assert.Equal(t, epoch, fg.ConnectTime())
	assert.Same(t, fg, a.Call())
	assert.Empty(t, checker.Problems())
}

func TestConferenceCapacity(t *testing.T) {
	h := newHarness(t, ProfileIMS, func(o *Options) { o.MaxConferenceSize = 1 })
	h.heldAndActive()

	err := h.tracker.Conference(h.ctx)
	assert.True(t, IsCapacityExceeded(err))
}

func TestConferenceUnsupported(t *testing.T) {
	h := newHarness(t, ProfileThirdParty)
	h.heldAndActive()

	err := h.tracker.Conference(h.ctx)
	assert.True(t, IsInvalidState(err))
}

func TestConferenceMergeFailed(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a, b := h.heldAndActive()

	require.NoError(t, h.tracker.Conference(h.ctx))
	h.event(EventMergeFailed, b.Session(), ReasonNotAcceptable)
	assert.Equal(t, []Operation{OpConference}, h.rec.Failures())
	assert.Same(t, h.tracker.Background(), a.Call())
}

func TestHeldCallHungUpRemotely(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a, b := h.heldAndActive()

	h.event(EventTerminated, a.Session(), ReasonNone)
	assert.True(t, h.tracker.Background().IsIdle())
	assert.Equal(t, StateActive, b.State())
	assert.Equal(t, PhoneOffhook, h.tracker.State())
}

func TestHangupTransportErrorDisconnectsLocally(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.activeCall("1001")
	h.adapter.set(func(a *fakeAdapter) { a.terminateErr = errRadio })

	err := h.tracker.HangupConnection(h.ctx, conn)
	assert.True(t, IsTransport(err))
	h.sync()
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, CauseLocal, conn.Cause())
}

func TestHangupAll(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a, b := h.heldAndActive()

	require.NoError(t, h.tracker.HangupAll(h.ctx))
	h.event(EventTerminated, a.Session(), ReasonNone)
	h.event(EventTerminated, b.Session(), ReasonNone)
	assert.Equal(t, PhoneIdle, h.tracker.State())
}

func TestHangupUnknownConnection(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	other := newHarness(t, ProfileIMS)
	conn := other.dial("1001")

	err := h.tracker.HangupConnection(h.ctx, conn)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestUnknownSessionEventIsDropped(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	h.event(EventStarted, "nope", ReasonNone)
	h.event(EventTerminated, "", ReasonNone)
	assert.Equal(t, 2, h.tracker.dropped)
	assert.Equal(t, PhoneIdle, h.tracker.State())
}

func TestEventFilterCanDropEvents(t *testing.T) {
	h := newHarness(t, ProfileIMS, func(o *Options) {
		o.EventFilter = func(ev *Event) bool { return ev.Kind != EventProgressing }
	})
	conn := h.dial("1001")
	h.event(EventProgressing, conn.Session(), ReasonNone)
	assert.Equal(t, StateDialing, conn.State())
}

func TestSetStateRecomputesOnce(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.activeCall("1001")

	var delta int
	require.NoError(t, h.tracker.do(h.ctx, func() error {
		fg := h.tracker.foreground
		before := fg.recomputes
		assert.True(t, conn.setState(StateHolding))
		assert.False(t, conn.setState(StateHolding))
		delta = fg.recomputes - before
		return nil
	}))
	assert.Equal(t, 1, delta)
	h.sync()
	assert.Equal(t, []ConnectionState{StateDialing, StateActive, StateHolding}, h.rec.StatesOf(conn))
}

func TestMuteFollowsAudioGroup(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a := h.activeCall("1001")
	require.NoError(t, h.tracker.SetMute(h.ctx, true))
	assert.True(t, a.Muted())

	b := h.dial("1002")
	h.event(EventHeld, a.Session(), ReasonNone)
	h.event(EventStarted, b.Session(), ReasonNone)

	assert.False(t, a.Muted())
	assert.True(t, b.Muted())
	assert.True(t, h.tracker.Audio().Muted())
	assert.Same(t, h.tracker.Foreground(), h.tracker.Audio().Owner())
}

func TestCallerIdentityPermission(t *testing.T) {
	h := newHarness(t, ProfileIMS, func(o *Options) {
		o.CallerIdentity = "+15550100"
		o.Permission = func(string) Permission { return Permission{Substitute: "anonymous"} }
	})
	h.dial("1001")
	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	assert.Equal(t, "anonymous", h.adapter.lastStart.CallerIdentity)
}

func TestPostDialSequence(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.dial("1800555,1;2N3")
	assert.Equal(t, "1800555", conn.Address())

	h.event(EventStarted, conn.Session(), ReasonNone)
	assert.Equal(t, PostDialStarted, conn.PostDialState())
	assert.Equal(t, "", h.adapter.Tones(), "pause comes first")

	h.advance(3 * time.Second)
	assert.Equal(t, "1", h.adapter.Tones())

	h.event(EventDtmfComplete, conn.Session(), ReasonNone)
	assert.Equal(t, PostDialWait, conn.PostDialState())
	assert.Equal(t, "2N3", conn.RemainingPostDial())

	require.NoError(t, h.tracker.ProceedAfterWaitChar(h.ctx, conn))
	h.sync()
	assert.Equal(t, "12", h.adapter.Tones())

	h.event(EventDtmfComplete, conn.Session(), ReasonNone)
	assert.Equal(t, PostDialWild, conn.PostDialState())

	require.NoError(t, h.tracker.ProceedAfterWildChar(h.ctx, conn, "45"))
	for i := 0; i < 3; i++ {
		h.event(EventDtmfComplete, conn.Session(), ReasonNone)
	}
	assert.Equal(t, "12453", h.adapter.Tones())
	assert.Equal(t, PostDialComplete, conn.PostDialState())

	// Mismatched request is ignored.
	require.NoError(t, h.tracker.ProceedAfterWaitChar(h.ctx, conn))
	assert.Equal(t, PostDialComplete, conn.PostDialState())

	notes := h.rec.PostDials()
	require.NotEmpty(t, notes)
	assert.Equal(t, PostDialComplete, notes[len(notes)-1].state)
}

func TestCancelPostDial(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.dial("1001;99")
	require.NoError(t, h.tracker.CancelPostDial(h.ctx, conn))
	assert.Equal(t, PostDialNotStarted, conn.PostDialState(), "nothing to cancel before the call starts")

	h.event(EventStarted, conn.Session(), ReasonNone)
	require.Equal(t, PostDialWait, conn.PostDialState())

	require.NoError(t, h.tracker.CancelPostDial(h.ctx, conn))
	h.sync()
	assert.Equal(t, PostDialCancelled, conn.PostDialState())
	assert.Equal(t, "", h.adapter.Tones())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	a, b := h.heldAndActive()

	snap := h.tracker.Snapshot()
	assert.Equal(t, PhoneOffhook, snap.Phone)
	assert.Equal(t, StateActive, snap.SlotStates[RoleForeground])
	assert.Equal(t, StateHolding, snap.SlotStates[RoleBackground])
	require.Len(t, snap.Slots[RoleForeground], 1)
	assert.Equal(t, b.ID(), snap.Slots[RoleForeground][0].ID)
	assert.Equal(t, a.ID(), snap.Slots[RoleBackground][0].ID)
}

func TestOperationsAfterStop(t *testing.T) {
	tr := New(newFakeAdapter(ProfileIMS), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tr.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := tr.Dial(context.Background(), "1001", DialOptions{})
	assert.ErrorIs(t, err, ErrTrackerClosed)
}
