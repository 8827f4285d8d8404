package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dense-identity/callcore/internal/callstore"
	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/sipcontroller"
)

const commandTimeout = 5 * time.Second

const helpText = `Commands:
  dial <number>         - Place a call (post-dial digits after , ; N)
  answer                - Answer the ringing or waiting call
  reject                - Reject the ringing call
  swap                  - Swap active and held calls
  conf                  - Merge active and held calls
  hangup [fg|bg|ring|all] - Hang up a call (default fg)
  mute <on|off>         - Mute the foreground call
  wait                  - Continue post-dial after a wait (;)
  wild <digits>         - Replace a wild (N) and continue post-dial
  list                  - List active calls
  history [n]           - Show today's finished calls
  quit                  - Exit`

// console executes stdin commands against a controller.
type console struct {
	ctrl  *sipcontroller.Controller
	store *callstore.Store
	out   io.Writer
}

func commandLoop(ctx context.Context, c *console, in io.Reader, stop context.CancelFunc) {
	fmt.Fprintln(c.out, helpText)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if parts[0] == "quit" || parts[0] == "exit" {
			stop()
			return
		}
		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		if err := c.exec(cmdCtx, parts[0], parts[1:]); err != nil {
			fmt.Fprintf(c.out, "%s failed: %v\n", parts[0], err)
		}
		cancel()
	}
}

func (c *console) exec(ctx context.Context, cmd string, args []string) error {
	tr := c.ctrl.Tracker()
	switch cmd {
	case "dial":
		if len(args) < 1 {
			return errors.New("usage: dial <number>")
		}
		conn, err := c.ctrl.Dial(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "dialing %s (conn=%s)\n", conn.Address(), conn.ID())
		return nil

	case "answer":
		return tr.AcceptCall(ctx, calltracker.AcceptOptions{})

	case "reject":
		return tr.RejectCall(ctx)

	case "swap":
		return tr.SwitchWaitingOrHoldingAndActive(ctx)

	case "conf":
		return tr.Conference(ctx)

	case "hangup":
		target := "fg"
		if len(args) > 0 {
			target = args[0]
		}
		switch target {
		case "fg":
			return tr.Hangup(ctx, tr.Foreground())
		case "bg":
			return tr.Hangup(ctx, tr.Background())
		case "ring":
			return tr.Hangup(ctx, tr.Ringing())
		case "all":
			return tr.HangupAll(ctx)
		}
		return errors.Errorf("unknown call %q", target)

	case "mute":
		if len(args) < 1 {
			return errors.New("usage: mute <on|off>")
		}
		return tr.SetMute(ctx, args[0] == "on")

	case "wait":
		conn := postDialAt(tr, calltracker.PostDialWait)
		if conn == nil {
			return errors.New("no call is waiting")
		}
		return tr.ProceedAfterWaitChar(ctx, conn)

	case "wild":
		if len(args) < 1 {
			return errors.New("usage: wild <digits>")
		}
		conn := postDialAt(tr, calltracker.PostDialWild)
		if conn == nil {
			return errors.New("no call is waiting for digits")
		}
		return tr.ProceedAfterWildChar(ctx, conn, args[0])

	case "list":
		c.list()
		return nil

	case "history":
		return c.history(ctx, args)

	case "help":
		fmt.Fprintln(c.out, helpText)
		return nil
	}
	return errors.Errorf("unknown command %q (type 'help')", cmd)
}

func postDialAt(tr *calltracker.CallTracker, state calltracker.PostDialState) *calltracker.Connection {
	for _, conn := range tr.Connections() {
		if conn.PostDialState() == state {
			return conn
		}
	}
	return nil
}

func (c *console) list() {
	calls := c.ctrl.ListActiveCalls()
	if len(calls) == 0 {
		fmt.Fprintln(c.out, "No active calls")
		return
	}
	fmt.Fprintf(c.out, "Active calls (%d):\n", len(calls))
	for _, ci := range calls {
		fmt.Fprintf(c.out, "  - %s %s %s (%s) slot=%s state=%s",
			ci.ConnID, ci.CallID, ci.Peer, ci.Direction, ci.Slot, ci.State)
		if ci.Connected > 0 {
			fmt.Fprintf(c.out, " up=%s", ci.Connected.Round(time.Second))
		}
		if ci.Muted {
			fmt.Fprint(c.out, " muted")
		}
		if ci.D2D != "" {
			fmt.Fprintf(c.out, " d2d=%s", ci.D2D)
		}
		if len(ci.Remote) > 0 {
			fmt.Fprintf(c.out, " peer=[%s]", strings.Join(ci.Remote, " "))
		}
		fmt.Fprintln(c.out)
	}
}

func (c *console) history(ctx context.Context, args []string) error {
	if c.store == nil {
		return errors.New("call store disabled (CALLSTORE_ENABLED)")
	}
	n := int64(10)
	if len(args) > 0 {
		if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
			return errors.Wrap(err, "usage: history [n]")
		}
	}
	records, err := c.store.Recent(ctx, time.Now(), n)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Fprintf(c.out, "  %s %s %s %s cause=%s duration=%s\n",
			time.UnixMilli(r.DisconnectedAtMs).Format(time.TimeOnly),
			r.ID, r.Direction, r.Address, r.Cause,
			(time.Duration(r.DurationMs) * time.Millisecond).String())
	}
	return nil
}
