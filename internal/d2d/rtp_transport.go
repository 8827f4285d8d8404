package d2d

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/rtp"

	"github.com/dense-identity/callcore/internal/logger"
)

// RtpSender attaches header extensions to the next outgoing RTP packet.
type RtpSender interface {
	SendHeaderExtensions(ctx context.Context, h *rtp.Header) error
}

// RtpTransport carries messages as RTP header extensions. Negotiation is
// decided by SDP: it succeeds only when the remote side accepted both
// extension ids.
type RtpTransport struct {
	mu       sync.Mutex
	sender   RtpSender
	codec    RtpCodec
	accepted bool
	log      *slog.Logger
	neg      *negotiation
	listener TransportListener
	rejected int
}

// NewRtpTransport returns a transport using codec. accepted reports
// whether the remote SDP agreed to the extensions.
func NewRtpTransport(sender RtpSender, codec RtpCodec, accepted bool) *RtpTransport {
	return &RtpTransport{
		sender:   sender,
		codec:    codec,
		accepted: accepted,
		log:      logger.With("component", "d2d", "transport", "rtp"),
		neg:      newNegotiation(),
	}
}

func (t *RtpTransport) Name() string { return "rtp" }

func (t *RtpTransport) State() NegotiationState { return t.neg.state() }

func (t *RtpTransport) SetListener(l TransportListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *RtpTransport) StartNegotiation(context.Context) {
	if !t.neg.fire(eventStart) {
		return
	}
	event := eventFail
	if t.accepted && validOneByteID(t.codec.CallStateID) && validOneByteID(t.codec.DeviceStateID) {
		event = eventSucceed
	}
	if !t.neg.fire(event) {
		return
	}
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return
	}
	if event == eventSucceed {
		l.OnNegotiationSuccess(t)
	} else {
		t.log.Info("rtp header extensions not accepted by peer")
		l.OnNegotiationFailed(t)
	}
}

func (t *RtpTransport) Send(ctx context.Context, msgs []Message) error {
	if !t.neg.is(StateNegotiated) {
		return ErrNotNegotiated
	}
	h := &rtp.Header{}
	if err := t.codec.Encode(h, msgs); err != nil {
		return err
	}
	return t.sender.SendHeaderExtensions(ctx, h)
}

// OnHeaderReceived decodes the extensions of a received RTP header.
func (t *RtpTransport) OnHeaderReceived(h *rtp.Header) {
	if !t.neg.is(StateNegotiated) {
		return
	}
	msgs, rejected := t.codec.Decode(h)
	t.mu.Lock()
	t.rejected += rejected
	l := t.listener
	t.mu.Unlock()
	if rejected > 0 {
		t.log.Debug("dropped invalid extension bytes", "count", rejected)
	}
	if len(msgs) > 0 && l != nil {
		l.OnMessagesReceived(t, msgs)
	}
}
