package calltracker

import (
	"context"
	"time"
)

// SessionHandle is an opaque reference to a transport-level session.
type SessionHandle string

// StartOptions accompany an outgoing session request.
type StartOptions struct {
	// CallerIdentity is the identity exposed to the remote party after the
	// permission check; empty means network default.
	CallerIdentity string
	VideoState     int
}

// AcceptOptions accompany an answer request.
type AcceptOptions struct {
	VideoState int
}

// TransportAdapter is the capability a call tracker needs from the radio,
// SIP stack or call provider underneath it. Results of the requests arrive
// later as Events delivered to CallTracker.HandleEvent; a non-nil error
// means the request could not be issued at all.
type TransportAdapter interface {
	Profile() TransportProfile
	StartOutgoing(ctx context.Context, address string, opts StartOptions) (SessionHandle, error)
	Accept(ctx context.Context, h SessionHandle, opts AcceptOptions) error
	Hold(ctx context.Context, h SessionHandle) error
	Resume(ctx context.Context, h SessionHandle) error
	Merge(ctx context.Context, fg, bg SessionHandle) error
	Terminate(ctx context.Context, h SessionHandle, reason ReasonCode) error
	SendDtmf(ctx context.Context, h SessionHandle, digit byte) error
	// Close releases the session handle without signalling the remote
	// party. Used when a live call moves to another transport.
	Close(h SessionHandle)
}

// TransportProfile captures per-transport behaviour as data.
type TransportProfile struct {
	Name              string
	DialTimeout       time.Duration
	IncomingTimeout   time.Duration
	SupportsHold      bool
	SupportsMerge     bool
	SupportsDtmf      bool
	MaxConferenceSize int
}

var (
	ProfileGSM = TransportProfile{
		Name: "gsm", DialTimeout: 15 * time.Second, IncomingTimeout: 80 * time.Second,
		SupportsHold: true, SupportsMerge: true, SupportsDtmf: true, MaxConferenceSize: 5,
	}
	ProfileCDMA = TransportProfile{
		Name: "cdma", DialTimeout: 15 * time.Second, IncomingTimeout: 80 * time.Second,
		SupportsHold: false, SupportsMerge: false, SupportsDtmf: true, MaxConferenceSize: 3,
	}
	ProfileSIP = TransportProfile{
		Name: "sip", DialTimeout: 15 * time.Second, IncomingTimeout: 80 * time.Second,
		SupportsHold: true, SupportsMerge: true, SupportsDtmf: true, MaxConferenceSize: 5,
	}
	ProfileIMS = TransportProfile{
		Name: "ims", DialTimeout: 15 * time.Second, IncomingTimeout: 80 * time.Second,
		SupportsHold: true, SupportsMerge: true, SupportsDtmf: true, MaxConferenceSize: 5,
	}
	ProfileThirdParty = TransportProfile{
		Name: "third-party", DialTimeout: 15 * time.Second, IncomingTimeout: 80 * time.Second,
		SupportsHold: true, SupportsMerge: false, SupportsDtmf: true, MaxConferenceSize: 1,
	}
)

// Permission is the result of a caller-identity privacy lookup.
type Permission struct {
	Allow bool
	// Substitute replaces the identity when Allow is false.
	Substitute string
}

// PermissionFunc decides how the local identity is exposed for a call.
type PermissionFunc func(callerIdentity string) Permission

// AllowAll exposes every identity unchanged.
func AllowAll(string) Permission { return Permission{Allow: true} }

// exposedIdentity applies a permission decision.
func exposedIdentity(fn PermissionFunc, identity string) string {
	if fn == nil {
		return identity
	}
	p := fn(identity)
	if p.Allow {
		return identity
	}
	return p.Substitute
}
