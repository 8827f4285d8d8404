package calltracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/callcore/internal/clock"
	"github.com/dense-identity/callcore/internal/logger"
)

// fakeAdapter records requests and hands out sequential session handles.
type fakeAdapter struct {
	mu      sync.Mutex
	profile TransportProfile
	next    int
	calls   []string
	dtmf    []byte
	closed  []SessionHandle

	startErr     error
	acceptErr    error
	holdErr      error
	resumeErr    error
	mergeErr     error
	terminateErr error
	lastStart    StartOptions
}

func newFakeAdapter(profile TransportProfile) *fakeAdapter {
	return &fakeAdapter{profile: profile}
}

func (a *fakeAdapter) record(format string, args ...any) {
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

func (a *fakeAdapter) Profile() TransportProfile { return a.profile }

func (a *fakeAdapter) StartOutgoing(_ context.Context, address string, opts StartOptions) (SessionHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("start %s", address)
	a.lastStart = opts
	if a.startErr != nil {
		return "", a.startErr
	}
	a.next++
	return SessionHandle(fmt.Sprintf("out-%d", a.next)), nil
}

func (a *fakeAdapter) Accept(_ context.Context, h SessionHandle, _ AcceptOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("accept %s", h)
	return a.acceptErr
}

func (a *fakeAdapter) Hold(_ context.Context, h SessionHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("hold %s", h)
	return a.holdErr
}

func (a *fakeAdapter) Resume(_ context.Context, h SessionHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("resume %s", h)
	return a.resumeErr
}

func (a *fakeAdapter) Merge(_ context.Context, fg, bg SessionHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("merge %s %s", fg, bg)
	return a.mergeErr
}

func (a *fakeAdapter) Terminate(_ context.Context, h SessionHandle, reason ReasonCode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("terminate %s %d", h, reason)
	return a.terminateErr
}

func (a *fakeAdapter) SendDtmf(_ context.Context, h SessionHandle, digit byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("dtmf %s %c", h, digit)
	a.dtmf = append(a.dtmf, digit)
	return nil
}

func (a *fakeAdapter) Close(h SessionHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("close %s", h)
	a.closed = append(a.closed, h)
}

func (a *fakeAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAdapter) Tones() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.dtmf)
}

func (a *fakeAdapter) set(fn func(a *fakeAdapter)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

type postDialNote struct {
	state     PostDialState
	remaining string
}

// recorder captures notifications for assertions.
type recorder struct {
	mu          sync.Mutex
	phone       []PhoneState
	precise     int
	ringing     []*Connection
	states      map[*Connection][]ConnectionState
	disconnects []*Connection
	postDial    []postDialNote
	failures    []Operation
}

func newRecorder() *recorder {
	return &recorder{states: map[*Connection][]ConnectionState{}}
}

func (r *recorder) PhoneStateChanged(_, state PhoneState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phone = append(r.phone, state)
}

func (r *recorder) PreciseCallStateChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.precise++
}

func (r *recorder) NewRingingConnection(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ringing = append(r.ringing, c)
}

func (r *recorder) ConnectionStateChanged(c *Connection, state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[c] = append(r.states[c], state)
}

func (r *recorder) Disconnect(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, c)
}

func (r *recorder) PostDialStateChanged(_ *Connection, state PostDialState, remaining string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postDial = append(r.postDial, postDialNote{state, remaining})
}

func (r *recorder) SuppServiceFailed(op Operation, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, op)
}

func (r *recorder) Phones() []PhoneState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PhoneState(nil), r.phone...)
}

func (r *recorder) Ringings() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Connection(nil), r.ringing...)
}

func (r *recorder) StatesOf(c *Connection) []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states[c]...)
}

func (r *recorder) Disconnects() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Connection(nil), r.disconnects...)
}

func (r *recorder) PostDials() []postDialNote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]postDialNote(nil), r.postDial...)
}

func (r *recorder) Failures() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Operation(nil), r.failures...)
}

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	clock   *clock.Fake
	adapter *fakeAdapter
	rec     *recorder
	tracker *CallTracker
	ctx     context.Context
}

func newHarness(t *testing.T, profile TransportProfile, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   clock.NewFake(epoch),
		adapter: newFakeAdapter(profile),
		rec:     newRecorder(),
		ctx:     context.Background(),
	}
	o := Options{Clock: h.clock, Logger: logger.Discard(), Notifier: h.rec}
	for _, fn := range opts {
		fn(&o)
	}
	h.tracker = New(h.adapter, o)
	h.start(h.tracker)
	return h
}

func (h *harness) start(tr *CallTracker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tr.Run(ctx)
		close(done)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.tracker.Sync(h.ctx))
}

func (h *harness) event(kind EventKind, session SessionHandle, reason ReasonCode) {
	h.t.Helper()
	h.tracker.HandleEvent(Event{Kind: kind, Session: session, Reason: reason})
	h.sync()
}

func (h *harness) incoming(session SessionHandle, address string) *Connection {
	h.t.Helper()
	h.tracker.HandleEvent(Event{Kind: EventIncoming, Session: session, Address: address, DisplayName: "Caller " + address})
	h.sync()
	for _, c := range h.tracker.Connections() {
		if c.Session() == session {
			return c
		}
	}
	return nil
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) dial(address string) *Connection {
	h.t.Helper()
	conn, err := h.tracker.Dial(h.ctx, address, DialOptions{})
	require.NoError(h.t, err)
	h.sync()
	return conn
}

// activeCall dials address and brings it to ACTIVE.
func (h *harness) activeCall(address string) *Connection {
	h.t.Helper()
	conn := h.dial(address)
	h.event(EventStarted, conn.Session(), ReasonNone)
	require.Equal(h.t, StateActive, conn.State())
	return conn
}

// heldAndActive leaves one held call in the background and one active
// call in the foreground.
func (h *harness) heldAndActive() (held, active *Connection) {
	h.t.Helper()
	held = h.activeCall("1001")
	active = h.dial("1002")
	h.event(EventHeld, held.Session(), ReasonNone)
	require.NotEmpty(h.t, active.Session())
	h.event(EventStarted, active.Session(), ReasonNone)
	return held, active
}

type codedErr struct{ code ReasonCode }

func (e codedErr) Error() string          { return fmt.Sprintf("rejected with %d", e.code) }
func (e codedErr) ReasonCode() ReasonCode { return e.code }

var errRadio = errors.New("radio unavailable")
