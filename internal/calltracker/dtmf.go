package calltracker

import "context"

// processPostDial advances conn's post-dial string until it must wait for
// a tone to finish, a pause to elapse or the user to respond.
func (t *CallTracker) processPostDial(conn *Connection) {
	for {
		var step postDialStep
		conn.withPostDial(func(p *postDial) bool {
			step = p.next(func(c byte) {
				t.log.Warn("ignoring invalid post-dial character", "conn", conn.id, "char", string(c))
			})
			return true
		})

		switch step.kind {
		case stepTone:
			if !t.profile.SupportsDtmf || conn.session == "" {
				t.log.Warn("cannot send post-dial tone", "conn", conn.id, "digit", string(step.digit))
				continue
			}
			if err := t.adapter.SendDtmf(t.ctx, conn.session, step.digit); err != nil {
				t.log.Warn("post-dial tone failed", "conn", conn.id, "digit", string(step.digit), "error", err)
				continue
			}
			t.notifyPostDial(conn, PostDialStarted)
			return
		case stepPause:
			conn.pauseTimer = t.armTimeout(t.opts.PostDialPause, func(*timeout) {
				conn.pauseTimer = nil
				if conn.state.IsAlive() {
					t.processPostDial(conn)
				}
			})
			t.notifyPostDial(conn, PostDialStarted)
			return
		case stepWait:
			t.notifyPostDial(conn, PostDialWait)
			return
		case stepWild:
			t.notifyPostDial(conn, PostDialWild)
			return
		case stepComplete:
			t.notifyPostDial(conn, PostDialComplete)
			return
		default:
			return
		}
	}
}

func (t *CallTracker) notifyPostDial(conn *Connection, state PostDialState) {
	remaining := conn.postDial.remaining()
	t.notify(func() { t.notifier.PostDialStateChanged(conn, state, remaining) })
}

func (t *CallTracker) onDtmfComplete(conn *Connection) {
	if conn.postDial.state != PostDialStarted || conn.pauseTimer != nil || !conn.state.IsAlive() {
		return
	}
	t.processPostDial(conn)
}

func (t *CallTracker) postDialOp(ctx context.Context, op string, conn *Connection, fn func(p *postDial) bool) error {
	return t.do(ctx, func() error {
		if conn == nil || !t.owns(conn) {
			return &NotFoundError{ConnID: connID(conn)}
		}
		var from PostDialState
		ok := conn.withPostDial(func(p *postDial) bool {
			from = p.state
			return fn(p)
		})
		if !ok {
			t.log.Warn("post-dial request ignored", "op", op, "conn", conn.id, "state", from.String())
			return nil
		}
		switch conn.postDial.state {
		case PostDialCancelled:
			conn.pauseTimer.cancel()
			conn.pauseTimer = nil
			t.notifyPostDial(conn, PostDialCancelled)
		default:
			t.processPostDial(conn)
		}
		return nil
	})
}

// ProceedAfterWaitChar resumes post-dial processing stopped at a wait
// character. A connection not in WAIT is left alone.
func (t *CallTracker) ProceedAfterWaitChar(ctx context.Context, conn *Connection) error {
	return t.postDialOp(ctx, "proceed_after_wait", conn, (*postDial).proceedAfterWait)
}

// ProceedAfterWildChar replaces the wild character with replacement and
// resumes post-dial processing.
func (t *CallTracker) ProceedAfterWildChar(ctx context.Context, conn *Connection, replacement string) error {
	return t.postDialOp(ctx, "proceed_after_wild", conn, func(p *postDial) bool {
		return p.proceedAfterWild(replacement)
	})
}

// CancelPostDial abandons the remaining post-dial digits.
func (t *CallTracker) CancelPostDial(ctx context.Context, conn *Connection) error {
	return t.postDialOp(ctx, "cancel_post_dial", conn, (*postDial).cancel)
}

func connID(c *Connection) string {
	if c == nil {
		return ""
	}
	return c.id
}
