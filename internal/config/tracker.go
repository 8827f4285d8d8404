package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dense-identity/callcore/internal/callstore"
	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/d2d"
	"github.com/dense-identity/callcore/internal/sipcontroller"
)

// Tracker is the environment configuration of the sipcontroller service.
type Tracker struct {
	BaresipAddr string `env:"BARESIP_ADDR" envDefault:"localhost:4444"`
	SipDomain   string `env:"SIP_DOMAIN" envDefault:"localhost"`

	// Caller identity exposure
	CallerIdentity string `env:"CALLER_IDENTITY"`
	HideCallerID   bool   `env:"HIDE_CALLER_ID" envDefault:"false"`

	// Tracker timing and limits
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT" envDefault:"15s"`
	IncomingTimeout   time.Duration `env:"INCOMING_TIMEOUT" envDefault:"80s"`
	StartFailureGrace time.Duration `env:"START_FAILURE_GRACE" envDefault:"500ms"`
	PostDialPause     time.Duration `env:"POST_DIAL_PAUSE" envDefault:"3s"`
	MaxConferenceSize int           `env:"MAX_CONFERENCE_SIZE" envDefault:"5"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"7"`

	// D2D
	D2DEnabled            bool          `env:"D2D_ENABLED" envDefault:"false"`
	D2DNegotiationTimeout time.Duration `env:"D2D_NEGOTIATION_TIMEOUT" envDefault:"5s"`
	D2DAnnounce           []string      `env:"D2D_ANNOUNCE" envSeparator:","`

	// Call records
	CallStoreEnabled bool          `env:"CALLSTORE_ENABLED" envDefault:"false"`
	RedisAddr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUser        string        `env:"REDIS_USER"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB" envDefault:"0"`
	CallStorePrefix  string        `env:"CALLSTORE_PREFIX" envDefault:"callcore:calls:v1"`
	CallStoreTTL     time.Duration `env:"CALLSTORE_TTL" envDefault:"168h"`

	// Servers
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	GrpcAddr    string `env:"GRPC_ADDR" envDefault:":50061"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	Verbose   bool   `env:"VERBOSE" envDefault:"false"`
}

// Validate checks values the env parser cannot.
func (c *Tracker) Validate() error {
	if c == nil {
		return errors.New("config: nil tracker config")
	}
	if strings.TrimSpace(c.BaresipAddr) == "" {
		return errors.New("config: BARESIP_ADDR is required")
	}
	if c.MaxConferenceSize < 1 {
		return errors.Errorf("config: MAX_CONFERENCE_SIZE must be positive, got %d", c.MaxConferenceSize)
	}
	if c.MaxConnections < 1 {
		return errors.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.CallStoreEnabled && strings.TrimSpace(c.RedisAddr) == "" {
		return errors.New("config: REDIS_ADDR is required when CALLSTORE_ENABLED is set")
	}
	if _, err := c.Announce(); err != nil {
		return err
	}
	return nil
}

// Permission returns the caller-identity policy. With HIDE_CALLER_ID set,
// the identity is replaced by "anonymous".
func (c *Tracker) Permission() calltracker.PermissionFunc {
	if !c.HideCallerID {
		return calltracker.AllowAll
	}
	return func(string) calltracker.Permission {
		return calltracker.Permission{Allow: false, Substitute: "anonymous"}
	}
}

// TrackerOptions converts the configuration to tracker options.
func (c *Tracker) TrackerOptions() calltracker.Options {
	return calltracker.Options{
		Permission:        c.Permission(),
		CallerIdentity:    c.CallerIdentity,
		DialTimeout:       c.DialTimeout,
		IncomingTimeout:   c.IncomingTimeout,
		StartFailureGrace: c.StartFailureGrace,
		PostDialPause:     c.PostDialPause,
		MaxConferenceSize: c.MaxConferenceSize,
		MaxConnections:    c.MaxConnections,
	}
}

// Announce parses D2D_ANNOUNCE entries such as "rat=nr".
func (c *Tracker) Announce() ([]d2d.Message, error) {
	var out []d2d.Message
	for _, s := range c.D2DAnnounce {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		m, err := d2d.ParseMessage(s)
		if err != nil {
			return nil, errors.Wrap(err, "config: D2D_ANNOUNCE")
		}
		out = append(out, m)
	}
	return out, nil
}

// Controller builds the SIP controller configuration.
func (c *Tracker) Controller() (sipcontroller.Config, error) {
	announce, err := c.Announce()
	if err != nil {
		return sipcontroller.Config{}, err
	}
	return sipcontroller.Config{
		BaresipAddr:           c.BaresipAddr,
		SipDomain:             c.SipDomain,
		Verbose:               c.Verbose,
		D2DEnabled:            c.D2DEnabled,
		D2DNegotiationTimeout: c.D2DNegotiationTimeout,
		D2DAnnounce:           announce,
		Tracker:               c.TrackerOptions(),
	}, nil
}

// CallStore returns the call record store options.
func (c *Tracker) CallStore() callstore.Options {
	return callstore.Options{
		Enabled:  c.CallStoreEnabled,
		Addr:     c.RedisAddr,
		Username: c.RedisUser,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		Prefix:   c.CallStorePrefix,
		TTL:      c.CallStoreTTL,
	}
}
