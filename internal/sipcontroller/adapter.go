package sipcontroller

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/d2d"
	"github.com/dense-identity/callcore/internal/logger"
)

// Commander is the subset of BaresipClient the adapter drives.
type Commander interface {
	Dial(ctx context.Context, uri string) (*BaresipResponse, error)
	Accept(ctx context.Context, callID string) (*BaresipResponse, error)
	Hangup(ctx context.Context, callID string, scode int, reason string) (*BaresipResponse, error)
	Hold(ctx context.Context, callID string) (*BaresipResponse, error)
	Resume(ctx context.Context, callID string) (*BaresipResponse, error)
	SendDTMF(ctx context.Context, callID, digits string) (*BaresipResponse, error)
}

// EventSink receives translated tracker events.
type EventSink interface {
	HandleEvent(ev calltracker.Event)
}

// ErrMergeUnsupported is returned by Merge; Baresip has no conference bridge.
var ErrMergeUnsupported = errors.New("baresip: merge not supported")

// ProfileBaresip is ProfileSIP without network-side conferencing.
var ProfileBaresip = func() calltracker.TransportProfile {
	p := calltracker.ProfileSIP
	p.Name = "baresip"
	p.SupportsMerge = false
	p.MaxConferenceSize = 1
	return p
}()

// Adapter implements calltracker.TransportAdapter over Baresip.
//
// Requests are queued and executed in order by Run so the tracker's loop
// never waits on the control socket. Outcomes come back as events.
type Adapter struct {
	cmd    Commander
	reg    *SessionRegistry
	domain string
	log    *slog.Logger

	sinkMu sync.RWMutex
	sink   EventSink
	onDtmf func(h calltracker.SessionHandle, digit byte)

	qmu     sync.Mutex
	queue   []func(ctx context.Context)
	wake    chan struct{}
	stopped core.Fuse
}

func NewAdapter(cmd Commander, reg *SessionRegistry, domain string) *Adapter {
	return &Adapter{
		cmd:    cmd,
		reg:    reg,
		domain: domain,
		log:    logger.With("component", "adapter"),
		wake:   make(chan struct{}, 1),
	}
}

// Bind sets the receiver of translated events.
func (a *Adapter) Bind(sink EventSink) {
	a.sinkMu.Lock()
	a.sink = sink
	a.sinkMu.Unlock()
}

// OnDtmf registers a callback for digits received from the remote side.
func (a *Adapter) OnDtmf(fn func(h calltracker.SessionHandle, digit byte)) {
	a.sinkMu.Lock()
	a.onDtmf = fn
	a.sinkMu.Unlock()
}

func (a *Adapter) emit(ev calltracker.Event) {
	a.sinkMu.RLock()
	sink := a.sink
	a.sinkMu.RUnlock()
	if sink == nil {
		a.log.Warn("no sink bound, dropping event", "event", ev.String())
		return
	}
	sink.HandleEvent(ev)
}

// Run executes queued commands until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.stopped.Break()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.wake:
		}
		for {
			a.qmu.Lock()
			if len(a.queue) == 0 {
				a.qmu.Unlock()
				break
			}
			fn := a.queue[0]
			a.queue = a.queue[1:]
			a.qmu.Unlock()
			fn(ctx)
		}
	}
}

func (a *Adapter) enqueue(fn func(ctx context.Context)) {
	a.qmu.Lock()
	a.queue = append(a.queue, fn)
	a.qmu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// submit queues fn and waits for it to run.
func (a *Adapter) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	a.enqueue(func(runCtx context.Context) { errc <- fn(runCtx) })
	select {
	case err := <-errc:
		return err
	case <-a.stopped.Watch():
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) session(op string, h calltracker.SessionHandle) (*Session, error) {
	s := a.reg.ByHandle(h)
	if s == nil {
		return nil, errors.Wrap(&calltracker.NotFoundError{Session: h}, op)
	}
	return s, nil
}

func (a *Adapter) Profile() calltracker.TransportProfile { return ProfileBaresip }

func (a *Adapter) StartOutgoing(_ context.Context, address string, opts calltracker.StartOptions) (calltracker.SessionHandle, error) {
	uri := FormatSIPURI(address, a.domain)
	s := a.reg.NewOutgoing(uri)
	if opts.CallerIdentity != "" {
		a.log.Debug("caller identity is set by the baresip account", "identity", opts.CallerIdentity)
	}

	h := s.Handle
	a.enqueue(func(ctx context.Context) {
		if _, err := a.cmd.Dial(ctx, uri); err != nil {
			a.log.Warn("dial failed", "session", h, "uri", uri, "error", err)
			a.reg.Remove(h)
			a.emit(calltracker.Event{Kind: calltracker.EventStartFailed, Session: h, Reason: reasonForError(err)})
		}
	})
	return h, nil
}

func (a *Adapter) Accept(_ context.Context, h calltracker.SessionHandle, _ calltracker.AcceptOptions) error {
	s, err := a.session("accept", h)
	if err != nil {
		return err
	}
	callID := s.CallID
	a.enqueue(func(ctx context.Context) {
		if _, err := a.cmd.Accept(ctx, callID); err != nil {
			a.log.Warn("accept failed", "session", h, "call_id", callID, "error", err)
			a.emit(calltracker.Event{Kind: calltracker.EventAcceptFailed, Session: h, Reason: reasonForError(err)})
		}
	})
	return nil
}

func (a *Adapter) Hold(_ context.Context, h calltracker.SessionHandle) error {
	return a.toggleHold(h, true)
}

func (a *Adapter) Resume(_ context.Context, h calltracker.SessionHandle) error {
	return a.toggleHold(h, false)
}

func (a *Adapter) toggleHold(h calltracker.SessionHandle, hold bool) error {
	op, ok, failed := "resume", calltracker.EventResumed, calltracker.EventResumeFailed
	if hold {
		op, ok, failed = "hold", calltracker.EventHeld, calltracker.EventHoldFailed
	}
	s, err := a.session(op, h)
	if err != nil {
		return err
	}
	callID := s.CallID
	a.enqueue(func(ctx context.Context) {
		var err error
		if hold {
			_, err = a.cmd.Hold(ctx, callID)
		} else {
			_, err = a.cmd.Resume(ctx, callID)
		}
		if err != nil {
			a.log.Warn(op+" failed", "session", h, "call_id", callID, "error", err)
			a.emit(calltracker.Event{Kind: failed, Session: h, Reason: reasonForError(err)})
			return
		}
		a.emit(calltracker.Event{Kind: ok, Session: h})
	})
	return nil
}

func (a *Adapter) Merge(context.Context, calltracker.SessionHandle, calltracker.SessionHandle) error {
	return ErrMergeUnsupported
}

func (a *Adapter) Terminate(_ context.Context, h calltracker.SessionHandle, reason calltracker.ReasonCode) error {
	var callID string
	found := a.reg.Update(h, func(s *Session) {
		s.terminating = true
		callID = s.CallID
		if callID == "" {
			r := reason
			s.hangupOnBind = &r
		}
	})
	if !found {
		return errors.Wrap(&calltracker.NotFoundError{Session: h}, "terminate")
	}
	if callID == "" {
		a.log.Debug("hangup deferred until call-id is known", "session", h)
		return nil
	}
	a.hangup(h, callID, reason)
	return nil
}

func (a *Adapter) hangup(h calltracker.SessionHandle, callID string, reason calltracker.ReasonCode) {
	scode := 0
	if reason >= 300 && reason < 700 {
		scode = int(reason)
	}
	a.enqueue(func(ctx context.Context) {
		if _, err := a.cmd.Hangup(ctx, callID, scode, ""); err != nil {
			// Baresip no longer tracks a call it failed to hang up.
			a.log.Warn("hangup failed, ending session locally", "session", h, "call_id", callID, "error", err)
			a.emit(calltracker.Event{Kind: calltracker.EventTerminated, Session: h, Reason: reasonForError(err)})
		}
	})
}

// SendDtmf sends one post-dial tone and reports completion either way; a
// lost tone must not stall the rest of the post-dial string.
func (a *Adapter) SendDtmf(_ context.Context, h calltracker.SessionHandle, digit byte) error {
	s, err := a.session("dtmf", h)
	if err != nil {
		return err
	}
	callID := s.CallID
	a.enqueue(func(ctx context.Context) {
		if _, err := a.cmd.SendDTMF(ctx, callID, string(digit)); err != nil {
			a.log.Warn("dtmf failed", "session", h, "digit", string(digit), "error", err)
		}
		a.emit(calltracker.Event{Kind: calltracker.EventDtmfComplete, Session: h})
	})
	return nil
}

func (a *Adapter) Close(h calltracker.SessionHandle) {
	a.reg.Remove(h)
}

// DigitSender returns a D2D DTMF sender bound to the session.
func (a *Adapter) DigitSender(h calltracker.SessionHandle) d2d.DtmfSender {
	return d2d.DtmfSenderFunc(func(ctx context.Context, digit byte) error {
		s, err := a.session("d2d", h)
		if err != nil {
			return err
		}
		callID := s.CallID
		return a.submit(ctx, func(runCtx context.Context) error {
			_, err := a.cmd.SendDTMF(runCtx, callID, string(digit))
			return err
		})
	})
}

// HandleBaresipEvent translates one Baresip event into tracker events.
func (a *Adapter) HandleBaresipEvent(ev BaresipEvent) {
	switch ev.Type {
	case EventCallIncoming:
		a.onIncoming(ev)

	case EventCallRemoteSDP:
		// Some setups only emit CALL_REMOTE_SDP before the first call event
		// on the callee side.
		if strings.EqualFold(ev.Direction, "incoming") && a.reg.ByCallID(ev.ID) == nil {
			a.onIncoming(ev)
		}

	case EventCallOutgoing:
		a.onOutgoing(ev)

	case EventCallRinging, EventCallProgress:
		if s := a.reg.ByCallID(ev.ID); s != nil && !s.Incoming {
			a.emit(calltracker.Event{Kind: calltracker.EventProgressing, Session: s.Handle})
		}

	case EventCallAnswered, EventCallEstablished:
		a.onEstablished(ev)

	case EventCallClosed:
		a.onClosed(ev)

	case EventCallDTMFStart:
		s := a.reg.ByCallID(ev.ID)
		if s == nil || ev.Param == "" {
			return
		}
		a.sinkMu.RLock()
		fn := a.onDtmf
		a.sinkMu.RUnlock()
		if fn != nil {
			fn(s.Handle, ev.Param[0])
		}

	default:
		a.log.Debug("unhandled event", "type", ev.Type, "id", ev.ID)
	}
}

func (a *Adapter) onIncoming(ev BaresipEvent) {
	if a.reg.ByCallID(ev.ID) != nil {
		return
	}
	s := a.reg.NewIncoming(ev.ID, ev.PeerURI, ev.PeerName, ev.AccountAOR)
	address := s.PeerPhone
	if address == "" {
		address = s.PeerURI
	}
	a.emit(calltracker.Event{
		Kind:        calltracker.EventIncoming,
		Session:     s.Handle,
		Address:     address,
		DisplayName: s.PeerName,
	})
}

func (a *Adapter) onOutgoing(ev BaresipEvent) {
	s := a.reg.BindOutgoing(ev.PeerURI, ev.ID, ev.AccountAOR)
	if s == nil {
		a.log.Warn("untracked outgoing call", "call_id", ev.ID, "peer", ev.PeerURI)
		return
	}
	var pending *calltracker.ReasonCode
	a.reg.Update(s.Handle, func(s *Session) {
		pending, s.hangupOnBind = s.hangupOnBind, nil
	})
	if pending != nil {
		a.hangup(s.Handle, ev.ID, *pending)
	}
}

func (a *Adapter) onEstablished(ev BaresipEvent) {
	s := a.reg.ByCallID(ev.ID)
	if s == nil {
		return
	}
	first := false
	a.reg.Update(s.Handle, func(s *Session) {
		first = !s.established
		s.established = true
	})
	if first {
		a.emit(calltracker.Event{Kind: calltracker.EventStarted, Session: s.Handle})
	}
}

func (a *Adapter) onClosed(ev BaresipEvent) {
	s := a.reg.ByCallID(ev.ID)
	if s == nil {
		a.log.Debug("close for unknown call", "call_id", ev.ID, "reason", ev.Param)
		return
	}
	var established, terminating bool
	a.reg.Update(s.Handle, func(s *Session) {
		established, terminating = s.established, s.terminating
	})
	a.reg.Remove(s.Handle)

	kind := calltracker.EventTerminated
	if !s.Incoming && !established && !terminating {
		kind = calltracker.EventStartFailed
	}
	a.emit(calltracker.Event{Kind: kind, Session: s.Handle, Reason: ParseCloseReason(ev.Param)})
}

// ParseCloseReason extracts a reason code from a CALL_CLOSED parameter
// such as "486 Busy Here" or "Connection reset by peer".
func ParseCloseReason(param string) calltracker.ReasonCode {
	param = strings.TrimSpace(param)
	if len(param) >= 3 {
		if code, err := strconv.Atoi(param[:3]); err == nil && code >= 300 && code < 700 {
			return calltracker.ReasonCode(code)
		}
	}
	lower := strings.ToLower(param)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return calltracker.ReasonRequestTimeout
	case strings.Contains(lower, "connection reset"), strings.Contains(lower, "connection refused"):
		return calltracker.ReasonNetworkLost
	case strings.Contains(lower, "rejected"):
		return calltracker.ReasonDecline
	}
	return calltracker.ReasonNone
}

func reasonForError(err error) calltracker.ReasonCode {
	var cmdErr *CommandError
	switch {
	case errors.As(err, &cmdErr):
		return calltracker.ReasonServerInternal
	case errors.Is(err, ErrClientClosed):
		return calltracker.ReasonServerUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return calltracker.ReasonRequestTimeout
	}
	return calltracker.ReasonNone
}
