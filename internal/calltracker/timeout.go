package calltracker

import (
	"time"

	"github.com/dense-identity/callcore/internal/clock"
)

// timeout is a cancellable timer whose expiry is delivered onto the
// tracker loop. cancelled is only touched on the loop, so an expiry that
// was already queued when cancel ran is recognised and ignored.
type timeout struct {
	timer     clock.Timer
	after     time.Duration
	cancelled bool
}

func (t *CallTracker) armTimeout(d time.Duration, onExpire func(h *timeout)) *timeout {
	h := &timeout{after: d}
	h.timer = t.clock.AfterFunc(d, func() {
		t.post(func() {
			if h.cancelled {
				t.log.Debug("ignoring cancelled timeout", "after", d)
				return
			}
			h.cancelled = true
			onExpire(h)
		})
	})
	return h
}

func (h *timeout) cancel() {
	if h == nil || h.cancelled {
		return
	}
	h.cancelled = true
	h.timer.Stop()
}
