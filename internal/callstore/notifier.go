package callstore

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/logger"
)

// Saver persists records. *Store implements it.
type Saver interface {
	Save(ctx context.Context, r Record) error
}

// Notifier records every disconnected connection. Records are queued
// without blocking the tracker and written by Run.
type Notifier struct {
	calltracker.NopNotifier

	saver   Saver
	records chan Record
	log     *slog.Logger
	dropped atomic.Int64
	written atomic.Int64
}

func NewNotifier(saver Saver, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	return &Notifier{
		saver:   saver,
		records: make(chan Record, buffer),
		log:     logger.With("component", "callstore"),
	}
}

func (n *Notifier) Disconnect(c *calltracker.Connection) {
	n.Enqueue(RecordFrom(c))
}

// Enqueue queues r, dropping it if the writer has fallen behind.
func (n *Notifier) Enqueue(r Record) {
	select {
	case n.records <- r:
	default:
		n.dropped.Add(1)
		n.log.Warn("record queue full, dropping", "id", r.ID)
	}
}

// Run writes queued records until ctx is done, then drains what is left
// with a short deadline.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case r := <-n.records:
			n.write(ctx, r)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case r := <-n.records:
			n.write(ctx, r)
		default:
			return
		}
	}
}

func (n *Notifier) write(ctx context.Context, r Record) {
	if err := n.saver.Save(ctx, r); err != nil {
		n.log.Error("failed to save call record", "id", r.ID, "error", err)
		return
	}
	n.written.Add(1)
}

// Dropped returns the number of records lost to a full queue.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Written returns the number of records saved.
func (n *Notifier) Written() int64 { return n.written.Load() }
