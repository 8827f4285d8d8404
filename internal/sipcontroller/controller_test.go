package sipcontroller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/clock"
	"github.com/dense-identity/callcore/internal/d2d"
)

type negotiationLog struct {
	mu      sync.Mutex
	results []string
}

func (n *negotiationLog) ObserveNegotiation(transport, result string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, transport+":"+result)
}

func (n *negotiationLog) Results() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.results...)
}

type controllerHarness struct {
	t      *testing.T
	c      *Controller
	cmd    *fakeCommander
	clock  *clock.Fake
	obs    *negotiationLog
	events chan BaresipEvent
	ctx    context.Context
}

func newControllerHarness(t *testing.T, d2dEnabled bool) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		t:      t,
		cmd:    newFakeCommander(),
		clock:  clock.NewFake(time.Unix(1700000000, 0)),
		obs:    &negotiationLog{},
		events: make(chan BaresipEvent),
	}
	h.c = newController(Config{
		SipDomain:             "example.com",
		D2DEnabled:            d2dEnabled,
		D2DNegotiationTimeout: 5 * time.Second,
		D2DAnnounce:           []d2d.Message{{Type: d2d.MessageBatteryState, Value: d2d.BatteryGood}},
		Tracker:               calltracker.Options{Clock: h.clock},
		Observer:              h.obs,
	}, h.cmd)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		_ = h.c.serve(ctx, h.events, nil)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// send delivers ev and waits until the tracker has processed it. The
// trailing no-op event returns only once ev was fully handled.
func (h *controllerHarness) send(ev BaresipEvent) {
	h.t.Helper()
	for _, e := range []BaresipEvent{ev, {Type: "NOOP"}} {
		select {
		case h.events <- e:
		case <-time.After(time.Second):
			h.t.Fatal("controller not consuming events")
		}
	}
	require.NoError(h.t, h.c.Tracker().Sync(h.ctx))
}

func (h *controllerHarness) digits(callID, s string) {
	h.t.Helper()
	for i := 0; i < len(s); i++ {
		h.send(BaresipEvent{Type: EventCallDTMFStart, ID: callID, Param: s[i : i+1]})
	}
}

func TestControllerIncomingCallNegotiatesD2D(t *testing.T) {
	h := newControllerHarness(t, true)
	tr := h.c.Tracker()

	h.send(BaresipEvent{Type: EventCallIncoming, ID: "in1", PeerURI: "sip:+15550001@example.com", PeerName: "Bob"})
	assert.Equal(t, calltracker.PhoneRinging, tr.State())

	require.NoError(t, tr.AcceptCall(h.ctx, calltracker.AcceptOptions{}))
	waitCommands(t, h.cmd, 1)
	h.send(BaresipEvent{Type: EventCallEstablished, ID: "in1"})
	assert.Equal(t, calltracker.PhoneOffhook, tr.State())

	// The probe goes out as three in-call digits.
	cmds := waitCommands(t, h.cmd, 4)
	assert.Equal(t, []string{"accept in1", "sndcode in1 A", "sndcode in1 A", "sndcode in1 D"}, cmds)

	h.digits("in1", d2d.Probe)
	require.Eventually(t, func() bool { return len(h.obs.Results()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"dtmf:success"}, h.obs.Results())

	// Announcement: battery=good.
	cmds = waitCommands(t, h.cmd, 8)
	assert.Equal(t, []string{"sndcode in1 C", "sndcode in1 D", "sndcode in1 B", "sndcode in1 D"}, cmds[4:])

	h.digits("in1", "ADCD")
	calls := h.c.ListActiveCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "in1", calls[0].CallID)
	assert.Equal(t, "incoming", calls[0].Direction)
	assert.Equal(t, "foreground", calls[0].Slot)
	assert.Equal(t, "ACTIVE", calls[0].State)
	assert.Equal(t, "dtmf", calls[0].D2D)
	assert.Equal(t, []string{"rat=nr"}, calls[0].Remote)

	h.send(BaresipEvent{Type: EventCallClosed, ID: "in1", Param: "Connection reset by peer"})
	assert.Equal(t, calltracker.PhoneIdle, tr.State())
	assert.Empty(t, h.c.ListActiveCalls())
	assert.Nil(t, h.c.link("a1"))
}

func TestControllerD2DTimesOut(t *testing.T) {
	h := newControllerHarness(t, true)
	tr := h.c.Tracker()

	conn, err := h.c.Dial(h.ctx, "2000")
	require.NoError(t, err)
	waitCommands(t, h.cmd, 1)
	h.send(BaresipEvent{Type: EventCallOutgoing, ID: "c1", PeerURI: "sip:2000@example.com"})
	h.send(BaresipEvent{Type: EventCallRinging, ID: "c1"})
	assert.Equal(t, calltracker.StateAlerting, conn.State())
	h.send(BaresipEvent{Type: EventCallEstablished, ID: "c1"})
	assert.Equal(t, calltracker.StateActive, conn.State())
	waitCommands(t, h.cmd, 4)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(h.obs.Results()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"none:failure"}, h.obs.Results())

	require.NoError(t, tr.Hangup(h.ctx, tr.Foreground()))
	cmds := waitCommands(t, h.cmd, 5)
	assert.Equal(t, "hangup c1 0", cmds[4])
}

func TestControllerWithoutD2D(t *testing.T) {
	h := newControllerHarness(t, false)

	h.send(BaresipEvent{Type: EventCallIncoming, ID: "in1", PeerURI: "sip:1@example.com"})
	require.NoError(t, h.c.Tracker().AcceptCall(h.ctx, calltracker.AcceptOptions{}))
	h.send(BaresipEvent{Type: EventCallEstablished, ID: "in1"})

	assert.Equal(t, []string{"accept in1"}, waitCommands(t, h.cmd, 1))
	calls := h.c.ListActiveCalls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].D2D)
}
