package sipcontroller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/clock"
	"github.com/dense-identity/callcore/internal/d2d"
	"github.com/dense-identity/callcore/internal/logger"
)

// NegotiationObserver is told the outcome of every D2D negotiation.
// result is "success" or "failure".
type NegotiationObserver interface {
	ObserveNegotiation(transport, result string)
}

// Controller orchestrates Baresip and the call tracker
type Controller struct {
	config  Config
	client  *BaresipClient
	reg     *SessionRegistry
	adapter *Adapter
	tracker *calltracker.CallTracker
	clock   clock.Clock
	log     *slog.Logger

	ctx context.Context

	mu    sync.Mutex
	links map[calltracker.SessionHandle]*d2dLink
}

// NewController creates a controller talking to Baresip at cfg.BaresipAddr.
func NewController(cfg Config) *Controller {
	client := NewBaresipClient(cfg.BaresipAddr, cfg.Verbose)
	c := newController(cfg, client)
	c.client = client
	return c
}

func newController(cfg Config, cmd Commander) *Controller {
	c := &Controller{
		config: cfg,
		reg:    NewSessionRegistry(),
		clock:  cfg.Tracker.Clock,
		log:    logger.With("component", "controller"),
		ctx:    context.Background(),
		links:  make(map[calltracker.SessionHandle]*d2dLink),
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	c.adapter = NewAdapter(cmd, c.reg, cfg.SipDomain)

	opts := cfg.Tracker
	opts.Notifier = calltracker.MultiNotifier(opts.Notifier, &d2dHooks{c: c})
	c.tracker = calltracker.New(c.adapter, opts)

	c.adapter.Bind(c.tracker)
	c.adapter.OnDtmf(c.onDigit)
	return c
}

// Tracker returns the call tracker driven by this controller.
func (c *Controller) Tracker() *calltracker.CallTracker {
	return c.tracker
}

// Run connects to Baresip and processes events until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if c.client == nil {
		return errors.New("controller has no baresip client")
	}
	if err := c.client.Connect(ctx); err != nil {
		return err
	}
	defer c.client.Close()
	return c.serve(ctx, c.client.Events(), c.client.Errors())
}

func (c *Controller) serve(ctx context.Context, events <-chan BaresipEvent, errs <-chan error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.tracker.Run(ctx); err != nil {
			c.log.Error("tracker stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		_ = c.adapter.Run(ctx)
	}()
	defer wg.Wait()

	c.log.Info("started, listening for baresip events")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("shutting down")
			return nil

		case event, ok := <-events:
			if !ok {
				return errors.New("baresip event stream closed")
			}
			c.handleBaresipEvent(event)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.Error("baresip error", "error", err)
			return err
		}
	}
}

func (c *Controller) handleBaresipEvent(event BaresipEvent) {
	c.log.Debug("event", "type", event.Type, "class", event.Class, "id", event.ID, "peer", event.PeerURI)
	c.adapter.HandleBaresipEvent(event)
}

// Dial places a call to a phone number or SIP URI.
func (c *Controller) Dial(ctx context.Context, address string) (*calltracker.Connection, error) {
	return c.tracker.Dial(ctx, address, calltracker.DialOptions{})
}

// d2dLink is the D2D state kept for one connected call.
type d2dLink struct {
	c       *Controller
	session calltracker.SessionHandle
	dtmf    *d2d.DtmfTransport
	comm    *d2d.Communicator

	mu     sync.Mutex
	remote map[d2d.MessageType]d2d.Message
}

func (l *d2dLink) OnNegotiationSuccess(t d2d.Transport) {
	l.c.observe(t.Name(), "success")
	if len(l.c.config.D2DAnnounce) == 0 {
		return
	}
	go func() {
		if err := l.comm.Send(l.c.ctx, l.c.config.D2DAnnounce...); err != nil {
			l.c.log.Warn("d2d announce failed", "session", l.session, "error", err)
		}
	}()
}

func (l *d2dLink) OnNegotiationFailed() {
	l.c.observe("none", "failure")
}

func (l *d2dLink) OnMessagesReceived(msgs []d2d.Message) {
	l.mu.Lock()
	for _, m := range msgs {
		l.remote[m.Type] = m
	}
	l.mu.Unlock()
	for _, m := range msgs {
		l.c.log.Info("peer device state", "session", l.session, "message", m.String())
	}
}

func (l *d2dLink) remoteState() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.remote))
	for _, m := range l.remote {
		out = append(out, m.String())
	}
	sort.Strings(out)
	return out
}

func (c *Controller) observe(transport, result string) {
	if c.config.Observer != nil {
		c.config.Observer.ObserveNegotiation(transport, result)
	}
}

func (c *Controller) startD2D(h calltracker.SessionHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.links[h]; ok {
		return
	}
	link := &d2dLink{c: c, session: h, remote: make(map[d2d.MessageType]d2d.Message)}
	link.dtmf = d2d.NewDtmfTransport(
		c.adapter.DigitSender(h),
		d2d.WithDtmfClock(c.clock),
		d2d.WithNegotiationTimeout(c.config.D2DNegotiationTimeout),
	)
	link.comm = d2d.NewCommunicator([]d2d.Transport{link.dtmf}, link)
	c.links[h] = link

	ctx := c.ctx
	go link.comm.Start(ctx)
}

func (c *Controller) stopD2D(h calltracker.SessionHandle) {
	c.mu.Lock()
	delete(c.links, h)
	c.mu.Unlock()
}

func (c *Controller) link(h calltracker.SessionHandle) *d2dLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[h]
}

func (c *Controller) onDigit(h calltracker.SessionHandle, digit byte) {
	if l := c.link(h); l != nil {
		l.dtmf.OnDtmfReceived(digit)
	}
}

// d2dHooks starts and stops D2D negotiation as connections go active and
// disconnect.
type d2dHooks struct {
	calltracker.NopNotifier
	c *Controller
}

func (d *d2dHooks) ConnectionStateChanged(conn *calltracker.Connection, state calltracker.ConnectionState) {
	if state == calltracker.StateActive && d.c.config.D2DEnabled {
		d.c.startD2D(conn.Session())
	}
}

func (d *d2dHooks) Disconnect(conn *calltracker.Connection) {
	d.c.stopD2D(conn.Session())
}

// CallInfo describes one live call for display.
type CallInfo struct {
	ConnID    string        `json:"conn_id"`
	CallID    string        `json:"call_id"`
	Peer      string        `json:"peer"`
	Direction string        `json:"direction"`
	Slot      string        `json:"slot"`
	State     string        `json:"state"`
	Connected time.Duration `json:"connected_ns,omitempty"`
	Muted     bool          `json:"muted,omitempty"`
	D2D       string        `json:"d2d,omitempty"`
	Remote    []string      `json:"remote,omitempty"`
}

// ListActiveCalls returns information about active calls
func (c *Controller) ListActiveCalls() []CallInfo {
	snap := c.tracker.Snapshot()
	now := c.clock.Now()

	var out []CallInfo
	for _, role := range []calltracker.SlotRole{
		calltracker.RoleForeground, calltracker.RoleBackground,
		calltracker.RoleRinging, calltracker.RoleHandover,
	} {
		for _, ci := range snap.Slots[role] {
			info := CallInfo{
				ConnID:    ci.ID,
				Peer:      ci.Address,
				Direction: "outgoing",
				Slot:      role.String(),
				State:     ci.State.String(),
				Muted:     ci.Muted,
			}
			if ci.Incoming {
				info.Direction = "incoming"
			}
			if !ci.ConnectTime.IsZero() {
				info.Connected = now.Sub(ci.ConnectTime)
			}
			if s := c.reg.ByHandle(ci.Session); s != nil {
				info.CallID = s.CallID
			}
			if l := c.link(ci.Session); l != nil {
				info.D2D = string(l.dtmf.State())
				if t := l.comm.Active(); t != nil {
					info.D2D = t.Name()
				}
				info.Remote = l.remoteState()
			}
			out = append(out, info)
		}
	}
	return out
}
