// Package callstore keeps a record of finished calls in Redis, one list per
// UTC day, newest first.
package callstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/logger"
)

const (
	defaultPrefix     = "callcore:calls:v1"
	defaultMaxRecords = 1000
)

type Options struct {
	Enabled  bool
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	// MaxRecords caps each daily list.
	MaxRecords int64
}

// Record is a finished call leg.
type Record struct {
	ID               string `json:"id"`
	Address          string `json:"address"`
	Direction        string `json:"direction"`
	CreatedAtMs      int64  `json:"created_unix_ms"`
	ConnectedAtMs    int64  `json:"connected_unix_ms,omitempty"`
	DisconnectedAtMs int64  `json:"disconnected_unix_ms"`
	DurationMs       int64  `json:"duration_ms"`
	Cause            string `json:"cause"`
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// RecordFrom builds a record from a disconnected connection.
func RecordFrom(c *calltracker.Connection) Record {
	dir := "outgoing"
	if c.IsIncoming() {
		dir = "incoming"
	}
	return Record{
		ID:               c.ID(),
		Address:          c.Address(),
		Direction:        dir,
		CreatedAtMs:      unixMs(c.CreateTime()),
		ConnectedAtMs:    unixMs(c.ConnectTime()),
		DisconnectedAtMs: unixMs(c.DisconnectTime()),
		DurationMs:       c.Duration().Milliseconds(),
		Cause:            c.Cause().String(),
	}
}

type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	max    int64
	log    *slog.Logger
}

// New connects to Redis. It returns nil, nil when the store is disabled.
func New(ctx context.Context, opts Options) (*Store, error) {
	if !opts.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("callstore: redis addr is required when enabled")
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "callstore: redis ping failed")
	}

	logger.Info("connected to redis", "component", "callstore", "addr", addr)
	return NewWithClient(c, opts), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(c *redis.Client, opts Options) *Store {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	limit := opts.MaxRecords
	if limit <= 0 {
		limit = defaultMaxRecords
	}
	return &Store{
		client: c,
		prefix: prefix,
		ttl:    opts.TTL,
		max:    limit,
		log:    logger.With("component", "callstore"),
	}
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(day time.Time) string {
	return fmt.Sprintf("%s:%s", s.prefix, day.UTC().Format("20060102"))
}

// Save prepends r to the list for the day it ended on.
func (s *Store) Save(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "callstore: marshal record")
	}
	key := s.key(time.UnixMilli(r.DisconnectedAtMs))

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.max-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "callstore: save %s", r.ID)
	}
	return nil
}

// Recent returns up to n records for day, newest first.
func (s *Store) Recent(ctx context.Context, day time.Time, n int64) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	data, err := s.client.LRange(ctx, s.key(day), 0, n-1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "callstore: read records")
	}

	out := make([]Record, 0, len(data))
	for _, d := range data {
		var r Record
		if err := json.Unmarshal([]byte(d), &r); err != nil {
			s.log.Warn("skipping malformed record", "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
