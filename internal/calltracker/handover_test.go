package calltracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/callcore/internal/logger"
)

func TestHandoverMovesLiveCalls(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	held, active := h.heldAndActive()

	dstAdapter := newFakeAdapter(ProfileGSM)
	dstRec := newRecorder()
	dst := New(dstAdapter, Options{Clock: h.clock, Logger: logger.Discard(), Notifier: dstRec})
	h.start(dst)

	entries, err := Handover(h.ctx, h.tracker, dst)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, active, entries[0].Conn)
	assert.Equal(t, StateActive, entries[0].PreState)
	assert.Equal(t, RoleForeground, entries[0].From)
	assert.Equal(t, held, entries[1].Conn)
	assert.Equal(t, StateHolding, entries[1].PreState)

	h.sync()
	require.NoError(t, dst.Sync(h.ctx))
	assert.Contains(t, h.adapter.Calls(), "close out-1")
	assert.Contains(t, h.adapter.Calls(), "close out-2")
	assert.NotContains(t, h.adapter.Calls(), "terminate out-1 1000")
	assert.Equal(t, PhoneIdle, h.tracker.State())
	assert.True(t, h.tracker.Foreground().IsIdle())
	assert.True(t, h.tracker.Background().IsIdle())
	assert.Empty(t, h.tracker.Connections())

	assert.Equal(t, PhoneOffhook, dst.State())
	assert.ElementsMatch(t, []*Connection{held, active}, dst.HandoverCall().Connections())
	assert.Same(t, dst.HandoverCall(), held.Call())
	assert.Equal(t, StateHolding, held.State(), "states survive the move")
	assert.Equal(t, StateActive, active.State())

	// Late events for the old sessions are dropped.
	h.event(EventTerminated, "out-1", ReasonNone)
	assert.Equal(t, StateHolding, held.State())

	again, err := Handover(h.ctx, h.tracker, dst)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, dst.HandoverCall().Connections(), 2)

	require.NoError(t, dst.CompleteHandover(h.ctx, held, "gsm-1"))
	require.NoError(t, dst.CompleteHandover(h.ctx, active, "gsm-2"))
	require.NoError(t, dst.Sync(h.ctx))
	assert.Same(t, dst.Background(), held.Call())
	assert.Same(t, dst.Foreground(), active.Call())
	assert.True(t, dst.HandoverCall().IsIdle())
	assert.Same(t, dst.Foreground(), dst.Audio().Owner())

	dst.HandleEvent(Event{Kind: EventTerminated, Session: "gsm-2"})
	require.NoError(t, dst.Sync(h.ctx))
	assert.Equal(t, StateDisconnected, active.State())
	assert.Equal(t, []*Connection{active}, dstRec.Disconnects())
}

func TestHandoverCapacity(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	h.heldAndActive()

	dst := New(newFakeAdapter(ProfileGSM), Options{Clock: h.clock, Logger: logger.Discard(), MaxConnections: 1})
	h.start(dst)

	_, err := Handover(h.ctx, h.tracker, dst)
	assert.True(t, IsCapacityExceeded(err))
	assert.Len(t, h.tracker.Connections(), 2, "source untouched")
}

func TestReleaseAndAcceptHandover(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	conn := h.incoming("in-1", "2001")

	dst := New(newFakeAdapter(ProfileGSM), Options{Clock: h.clock, Logger: logger.Discard()})
	h.start(dst)

	entries, err := h.tracker.ReleaseForHandover(h.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StateIncoming, entries[0].PreState)
	assert.Nil(t, conn.Call(), "released connections belong to no slot")
	assert.Empty(t, h.tracker.Ringing().Connections())

	require.NoError(t, dst.AcceptHandover(h.ctx, entries))
	assert.Same(t, dst.HandoverCall(), conn.Call())
	require.NoError(t, dst.CompleteHandover(h.ctx, conn, "gsm-7"))
	require.NoError(t, dst.Sync(h.ctx))
	assert.Same(t, dst.Ringing(), conn.Call())
	assert.Equal(t, PhoneRinging, dst.State())

	err = dst.CompleteHandover(h.ctx, conn, "gsm-8")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestHandoverToSelf(t *testing.T) {
	h := newHarness(t, ProfileIMS)
	_, err := Handover(h.ctx, h.tracker, h.tracker)
	assert.True(t, IsInvalidState(err))
}
