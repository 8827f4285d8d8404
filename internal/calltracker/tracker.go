// Package calltracker implements the call lifecycle state machine: call
// legs (Connection), call slots (Call) and the CallTracker that owns the
// slots and serializes every mutation onto a single event loop.
package calltracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/dense-identity/callcore/internal/clock"
	"github.com/dense-identity/callcore/internal/logger"
)

const (
	defaultMaxConnections    = 7
	defaultMaxConferenceSize = 5
	defaultStartFailureGrace = 500 * time.Millisecond
	defaultPostDialPause     = 3 * time.Second
)

var trackerSeq atomic.Uint64

// Options configure a CallTracker. Zero values fall back to the transport
// profile or package defaults.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Notifier Notifier

	Permission     PermissionFunc
	CallerIdentity string

	DialTimeout       time.Duration
	IncomingTimeout   time.Duration
	StartFailureGrace time.Duration
	PostDialPause     time.Duration
	MaxConferenceSize int
	MaxConnections    int

	// EventFilter, when set, sees every inbound event before dispatch and
	// may rewrite it or drop it by returning false. Carrier-specific
	// workarounds plug in here.
	EventFilter func(ev *Event) bool
}

// DialOptions accompany a Dial request.
type DialOptions struct {
	VideoState int
	// Timeout overrides the dial timeout for this call.
	Timeout time.Duration
}

type deferredKind int

const (
	deferNone deferredKind = iota
	deferDial
	deferAnswer
	deferResume
	deferSwitch
)

// deferred is an action waiting for the hold of session held to be
// confirmed.
type deferred struct {
	kind   deferredKind
	held   SessionHandle
	start  StartOptions
	accept AcceptOptions
}

// CallTracker owns the ringing, foreground, background and handover slots
// of one transport and applies every state change on its loop.
type CallTracker struct {
	mu  sync.RWMutex
	seq uint64

	adapter  TransportAdapter
	profile  TransportProfile
	opts     Options
	clock    clock.Clock
	log      *slog.Logger
	notifier Notifier
	queue    *taskQueue
	ctx      context.Context

	ringing    *Call
	foreground *Call
	background *Call
	handover   *Call

	pendingMO    *Connection
	conns        []*Connection
	phoneState   PhoneState
	audio        *AudioGroup
	pending      deferred
	mergePending bool

	dirty bool
	notes []func()

	dropped int
}

// New creates a tracker on top of adapter. Run must be called before any
// operation completes.
func New(adapter TransportAdapter, opts Options) *CallTracker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.With("component", "calltracker")
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.StartFailureGrace <= 0 {
		opts.StartFailureGrace = defaultStartFailureGrace
	}
	if opts.PostDialPause <= 0 {
		opts.PostDialPause = defaultPostDialPause
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}

	t := &CallTracker{
		seq:      trackerSeq.Add(1),
		adapter:  adapter,
		profile:  adapter.Profile(),
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger.With("transport", adapter.Profile().Name),
		notifier: opts.Notifier,
		queue:    newTaskQueue(),
		ctx:      context.Background(),
	}
	t.ringing = newCall(t, RoleRinging)
	t.foreground = newCall(t, RoleForeground)
	t.background = newCall(t, RoleBackground)
	t.handover = newCall(t, RoleHandover)
	t.audio = &AudioGroup{tracker: t}
	return t
}

// Run drains the tracker loop until ctx is cancelled.
func (t *CallTracker) Run(ctx context.Context) error {
	t.ctx = ctx
	defer t.queue.close()
	t.log.Info("call tracker started")

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			t.log.Info("call tracker stopped")
			return nil
		case <-t.queue.wake:
			for _, task := range t.queue.drain() {
				t.exec(task)
			}
		}
	}
}

func (t *CallTracker) exec(task func()) {
	t.mu.Lock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("panic in call tracker task", "panic", fmt.Sprint(r))
			}
		}()
		task()
	}()
	t.settle()
	notes := t.notes
	t.notes = nil
	t.mu.Unlock()

	for _, n := range notes {
		n()
	}
}

func (t *CallTracker) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.timeout.cancel()
		conn.pauseTimer.cancel()
	}
}

// post queues fn on the loop. It never blocks.
func (t *CallTracker) post(fn func()) bool {
	return t.queue.push(fn)
}

// do runs fn on the loop and waits for its result.
func (t *CallTracker) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !t.post(func() { errc <- fn() }) {
		return ErrTrackerClosed
	}
	select {
	case err := <-errc:
		return err
	case <-t.queue.closed.Watch():
		return ErrTrackerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync returns once every task queued before it has run.
func (t *CallTracker) Sync(ctx context.Context) error {
	return t.do(ctx, func() error { return nil })
}

// HandleEvent queues a transport event for dispatch. Safe to call from
// any goroutine, including the loop itself.
func (t *CallTracker) HandleEvent(ev Event) {
	if !t.post(func() { t.dispatch(ev) }) {
		t.log.Debug("tracker closed, dropping event", "event", ev.String())
	}
}

func (t *CallTracker) markDirty() {
	t.dirty = true
}

func (t *CallTracker) notify(fn func()) {
	t.notes = append(t.notes, fn)
}

func (t *CallTracker) connectionChanged(c *Connection, s ConnectionState) {
	t.markDirty()
	t.notify(func() { t.notifier.ConnectionStateChanged(c, s) })
}

// settle recomputes the phone state from every slot after a task that
// changed something.
func (t *CallTracker) settle() {
	if !t.dirty {
		return
	}
	t.dirty = false

	next := t.computePhoneState()
	if next != t.phoneState {
		old := t.phoneState
		t.phoneState = next
		t.log.Debug("phone state changed", "from", old.String(), "to", next.String())
		t.notify(func() { t.notifier.PhoneStateChanged(old, next) })
	}
	t.notify(t.notifier.PreciseCallStateChanged)
}

func (t *CallTracker) computePhoneState() PhoneState {
	if t.ringing.isRinging() {
		return PhoneRinging
	}
	if t.pendingMO != nil || !t.foreground.isIdle() || !t.background.isIdle() || !t.handover.isIdle() {
		return PhoneOffhook
	}
	return PhoneIdle
}

func (t *CallTracker) canDial() bool {
	return t.pendingMO == nil &&
		!t.ringing.isRinging() &&
		(t.foreground.isIdle() || t.background.isIdle())
}

func (t *CallTracker) maxConferenceSize() int {
	if t.opts.MaxConferenceSize > 0 {
		return t.opts.MaxConferenceSize
	}
	if t.profile.MaxConferenceSize > 0 {
		return t.profile.MaxConferenceSize
	}
	return defaultMaxConferenceSize
}

func (t *CallTracker) dialTimeout() time.Duration {
	if t.opts.DialTimeout > 0 {
		return t.opts.DialTimeout
	}
	return t.profile.DialTimeout
}

func (t *CallTracker) incomingTimeout() time.Duration {
	if t.opts.IncomingTimeout > 0 {
		return t.opts.IncomingTimeout
	}
	return t.profile.IncomingTimeout
}

// routeAudio hands the audio group to the foreground call, or releases it
// when the foreground is idle.
func (t *CallTracker) routeAudio() {
	if t.foreground.isIdle() {
		t.audio.handOff(nil)
		return
	}
	t.audio.handOff(t.foreground)
}

func (t *CallTracker) register(c *Connection) error {
	if len(t.conns) >= t.opts.MaxConnections {
		return &CapacityExceededError{Op: "register", Limit: t.opts.MaxConnections}
	}
	t.conns = append(t.conns, c)
	return nil
}

func (t *CallTracker) unregister(c *Connection) {
	for i, m := range t.conns {
		if m == c {
			t.conns = append(t.conns[:i:i], t.conns[i+1:]...)
			return
		}
	}
}

// lookup finds the live connection bound to h. The registry is bounded by
// MaxConnections, so a scan is fine.
func (t *CallTracker) lookup(h SessionHandle) *Connection {
	if h == "" {
		return nil
	}
	for _, c := range t.conns {
		if c.session == h {
			return c
		}
	}
	return nil
}

func (t *CallTracker) owns(c *Connection) bool {
	for _, m := range t.conns {
		if m == c {
			return true
		}
	}
	return false
}

// onDisconnected finalises a connection: DISCONNECTED state, registry and
// slot cleanup, pending-MO release, and the disconnect notification.
func (t *CallTracker) onDisconnected(c *Connection) {
	if c.state == StateDisconnected {
		return
	}
	c.timeout.cancel()
	c.timeout = nil
	c.pauseTimer.cancel()
	c.pauseTimer = nil

	c.setDisconnectCause(CauseNormal)
	c.setState(StateDisconnected)

	if t.pendingMO == c {
		t.pendingMO = nil
		if t.pending.kind == deferDial {
			t.pending = deferred{}
		}
		t.markDirty()
	}
	t.unregister(c)
	t.log.Info("connection disconnected", "conn", c.id, "session", c.session, "cause", c.cause.String())
	t.notify(func() { t.notifier.Disconnect(c) })

	if owner := c.owner; owner != nil {
		owner.clearDisconnected()
	}
	if c.session != "" && t.pending.kind != deferNone && t.pending.held == c.session {
		t.resolveDeferred()
	}
	t.routeAudio()
}

// State returns the phone-level aggregate state.
func (t *CallTracker) State() PhoneState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phoneState
}

func (t *CallTracker) Ringing() *Call      { return t.ringing }
func (t *CallTracker) Foreground() *Call   { return t.foreground }
func (t *CallTracker) Background() *Call   { return t.background }
func (t *CallTracker) HandoverCall() *Call { return t.handover }
func (t *CallTracker) Audio() *AudioGroup  { return t.audio }
func (t *CallTracker) Profile() TransportProfile {
	return t.profile
}

// PendingMO returns the outgoing connection not yet confirmed started.
func (t *CallTracker) PendingMO() *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingMO
}

// Connections returns the live connections known to the tracker.
func (t *CallTracker) Connections() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, len(t.conns))
	copy(out, t.conns)
	return out
}

// ConnectionInfo is a point-in-time copy of a connection.
type ConnectionInfo struct {
	ID          string
	Address     string
	Incoming    bool
	Slot        SlotRole
	State       ConnectionState
	Session     SessionHandle
	Cause       DisconnectCause
	ConnectTime time.Time
	PostDial    PostDialState
	Muted       bool
}

// Snapshot is a consistent view of every slot.
type Snapshot struct {
	Phone      PhoneState
	PendingMO  string
	SlotStates map[SlotRole]CallState
	Slots      map[SlotRole][]ConnectionInfo
}

// Snapshot copies the tracker state under the read lock.
func (t *CallTracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		Phone:      t.phoneState,
		SlotStates: make(map[SlotRole]CallState, 4),
		Slots:      make(map[SlotRole][]ConnectionInfo, 4),
	}
	if t.pendingMO != nil {
		s.PendingMO = t.pendingMO.id
	}
	for _, call := range []*Call{t.ringing, t.foreground, t.background, t.handover} {
		s.SlotStates[call.role] = call.state
		for _, c := range call.conns {
			c.mu.RLock()
			s.Slots[call.role] = append(s.Slots[call.role], ConnectionInfo{
				ID:          c.id,
				Address:     c.address,
				Incoming:    c.incoming,
				Slot:        call.role,
				State:       c.state,
				Session:     c.session,
				Cause:       c.cause,
				ConnectTime: c.connectTime,
				PostDial:    c.postDial.state,
				Muted:       c.muted,
			})
			c.mu.RUnlock()
		}
	}
	return s
}

// taskQueue is an unbounded FIFO feeding the loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed core.Fuse
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(fn func()) bool {
	if q.closed.IsBroken() {
		return false
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

func (q *taskQueue) close() {
	q.closed.Break()
}
