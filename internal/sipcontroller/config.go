package sipcontroller

import (
	"time"

	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/d2d"
)

// Config holds all configuration for the SIP controller
type Config struct {
	// Baresip ctrl_tcp connection
	BaresipAddr string
	// SipDomain completes bare phone numbers into SIP URIs.
	SipDomain string
	Verbose   bool

	// D2D negotiation over in-call DTMF, started when a call goes active.
	D2DEnabled            bool
	D2DNegotiationTimeout time.Duration
	// D2DAnnounce is sent to the peer once negotiation succeeds.
	D2DAnnounce []d2d.Message

	Tracker  calltracker.Options
	Observer NegotiationObserver
}
