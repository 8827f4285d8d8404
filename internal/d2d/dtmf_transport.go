package d2d

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dense-identity/callcore/internal/clock"
	"github.com/dense-identity/callcore/internal/logger"
)

// DefaultNegotiationTimeout bounds the wait for the echoed probe.
const DefaultNegotiationTimeout = 5 * time.Second

// DtmfSender sends one DTMF digit on the call.
type DtmfSender interface {
	SendDigit(ctx context.Context, digit byte) error
}

// DtmfSenderFunc adapts a function to DtmfSender.
type DtmfSenderFunc func(ctx context.Context, digit byte) error

func (f DtmfSenderFunc) SendDigit(ctx context.Context, digit byte) error {
	return f(ctx, digit)
}

// DtmfTransport carries messages as DTMF digits. It negotiates by sending
// Probe and waiting for the remote side to send it back.
type DtmfTransport struct {
	mu       sync.Mutex
	sender   DtmfSender
	clock    clock.Clock
	timeout  time.Duration
	log      *slog.Logger
	neg      *negotiation
	listener TransportListener
	timer    clock.Timer
	received []byte
	decoder  DtmfDecoder
}

// DtmfOption configures a DtmfTransport.
type DtmfOption func(*DtmfTransport)

func WithDtmfClock(c clock.Clock) DtmfOption {
	return func(t *DtmfTransport) { t.clock = c }
}

func WithNegotiationTimeout(d time.Duration) DtmfOption {
	return func(t *DtmfTransport) { t.timeout = d }
}

func WithDtmfLogger(l *slog.Logger) DtmfOption {
	return func(t *DtmfTransport) { t.log = l }
}

func NewDtmfTransport(sender DtmfSender, opts ...DtmfOption) *DtmfTransport {
	t := &DtmfTransport{
		sender:  sender,
		clock:   clock.Real(),
		timeout: DefaultNegotiationTimeout,
		neg:     newNegotiation(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = logger.With("component", "d2d", "transport", "dtmf")
	}
	return t
}

func (t *DtmfTransport) Name() string { return "dtmf" }

func (t *DtmfTransport) State() NegotiationState { return t.neg.state() }

func (t *DtmfTransport) SetListener(l TransportListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *DtmfTransport) StartNegotiation(ctx context.Context) {
	if !t.neg.fire(eventStart) {
		return
	}
	t.mu.Lock()
	t.received = t.received[:0]
	t.timer = t.clock.AfterFunc(t.timeout, t.onTimeout)
	t.mu.Unlock()

	for i := 0; i < len(Probe); i++ {
		if err := t.sender.SendDigit(ctx, Probe[i]); err != nil {
			t.log.Warn("probe send failed", "error", err)
			t.finish(eventFail)
			return
		}
	}
}

func (t *DtmfTransport) onTimeout() {
	if t.neg.is(StateNegotiating) {
		t.log.Info("negotiation timed out", "after", t.timeout)
	}
	t.finish(eventFail)
}

// finish moves out of negotiating and reports the result once.
func (t *DtmfTransport) finish(event string) {
	if !t.neg.fire(event) {
		return
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return
	}
	if event == eventSucceed {
		l.OnNegotiationSuccess(t)
	} else {
		l.OnNegotiationFailed(t)
	}
}

// OnDtmfReceived feeds a digit received from the remote side.
func (t *DtmfTransport) OnDtmfReceived(digit byte) {
	switch t.neg.state() {
	case StateNegotiating:
		t.mu.Lock()
		t.received = append(t.received, digit)
		if len(t.received) > 2*len(Probe) {
			t.received = t.received[len(t.received)-len(Probe):]
		}
		echoed := strings.HasSuffix(string(t.received), Probe)
		t.mu.Unlock()
		if echoed {
			t.finish(eventSucceed)
		}
	case StateNegotiated:
		t.mu.Lock()
		m, ok := t.decoder.Feed(digit)
		l := t.listener
		t.mu.Unlock()
		if ok && l != nil {
			l.OnMessagesReceived(t, []Message{m})
		}
	default:
		t.log.Debug("ignoring digit outside negotiation", "digit", string(digit))
	}
}

func (t *DtmfTransport) Send(ctx context.Context, msgs []Message) error {
	if !t.neg.is(StateNegotiated) {
		return ErrNotNegotiated
	}
	digits, err := EncodeDtmf(msgs...)
	if err != nil {
		return err
	}
	for i := 0; i < len(digits); i++ {
		if err := t.sender.SendDigit(ctx, digits[i]); err != nil {
			return errors.Wrapf(err, "d2d: send digit %c", digits[i])
		}
	}
	return nil
}

// Rejected returns the number of invalid fields dropped so far.
func (t *DtmfTransport) Rejected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decoder.Rejected
}
