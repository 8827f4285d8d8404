package sipcontroller

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dense-identity/callcore/internal/calltracker"
)

// Session is the adapter's view of one Baresip call. Its Handle is
// allocated before Baresip assigns a call-id.
type Session struct {
	Handle     calltracker.SessionHandle
	CallID     string
	AccountAOR string
	PeerPhone  string
	PeerURI    string
	PeerName   string
	Incoming   bool

	// established is set once CALL_ANSWERED or CALL_ESTABLISHED was seen.
	established bool
	// terminating is set once a hangup was requested locally.
	terminating bool
	// hangupOnBind defers a hangup requested before the call-id was known.
	hangupOnBind *calltracker.ReasonCode
}

// SessionRegistry maps session handles to Baresip call-ids.
//
// Outgoing calls are created before their call-id is known. A later
// CALL_OUTGOING event is bound to the oldest pending attempt for the same
// peer.
type SessionRegistry struct {
	counter atomic.Uint64

	mu            sync.RWMutex
	byHandle      map[calltracker.SessionHandle]*Session
	byCallID      map[string]*Session
	pendingByPeer map[string][]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byHandle:      make(map[calltracker.SessionHandle]*Session),
		byCallID:      make(map[string]*Session),
		pendingByPeer: make(map[string][]*Session),
	}
}

func (r *SessionRegistry) nextHandle() calltracker.SessionHandle {
	return calltracker.SessionHandle(fmt.Sprintf("a%d", r.counter.Add(1)))
}

// NewOutgoing registers an outgoing attempt awaiting its call-id.
func (r *SessionRegistry) NewOutgoing(peerURI string) *Session {
	s := &Session{
		Handle:    r.nextHandle(),
		PeerURI:   peerURI,
		PeerPhone: ExtractPhoneFromURI(peerURI),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle[s.Handle] = s
	r.pendingByPeer[s.PeerPhone] = append(r.pendingByPeer[s.PeerPhone], s)
	return s
}

// NewIncoming registers an incoming call with a known call-id.
func (r *SessionRegistry) NewIncoming(callID, peerURI, peerName, accountAOR string) *Session {
	s := &Session{
		Handle:     r.nextHandle(),
		CallID:     callID,
		AccountAOR: accountAOR,
		PeerURI:    peerURI,
		PeerPhone:  ExtractPhoneFromURI(peerURI),
		PeerName:   peerName,
		Incoming:   true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle[s.Handle] = s
	if callID != "" {
		r.byCallID[callID] = s
	}
	return s
}

// BindOutgoing associates callID with the oldest pending attempt for the
// peer. It returns nil if no attempt is pending.
func (r *SessionRegistry) BindOutgoing(peerURI, callID, accountAOR string) *Session {
	peer := ExtractPhoneFromURI(peerURI)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byCallID[callID]; ok {
		return s
	}
	queue := r.pendingByPeer[peer]
	if len(queue) == 0 {
		return nil
	}
	s := queue[0]
	r.setPending(peer, queue[1:])

	s.CallID = callID
	s.AccountAOR = accountAOR
	if peerURI != "" {
		s.PeerURI = peerURI
	}
	if callID != "" {
		r.byCallID[callID] = s
	}
	return s
}

func (r *SessionRegistry) setPending(peer string, queue []*Session) {
	if len(queue) == 0 {
		delete(r.pendingByPeer, peer)
		return
	}
	r.pendingByPeer[peer] = queue
}

// ByCallID retrieves a session by Baresip call-id.
func (r *SessionRegistry) ByCallID(callID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byCallID[callID]
}

// ByHandle retrieves a session by handle.
func (r *SessionRegistry) ByHandle(h calltracker.SessionHandle) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byHandle[h]
}

// Update runs fn on the session for h under the registry lock. It reports
// false if h is unknown.
func (r *SessionRegistry) Update(h calltracker.SessionHandle, fn func(s *Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHandle[h]
	if ok {
		fn(s)
	}
	return ok
}

// Remove drops a session from every index.
func (r *SessionRegistry) Remove(h calltracker.SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byHandle[h]
	if !ok {
		return
	}
	delete(r.byHandle, h)
	if s.CallID != "" {
		delete(r.byCallID, s.CallID)
	}

	queue := r.pendingByPeer[s.PeerPhone]
	filtered := queue[:0]
	for _, p := range queue {
		if p != s {
			filtered = append(filtered, p)
		}
	}
	r.setPending(s.PeerPhone, filtered)
}

// Sessions returns a copy of every registered session.
func (r *SessionRegistry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)

// ExtractPhoneFromURI extracts phone number from SIP URI
// Examples:
//   - sip:+15551234567@domain.com -> +15551234567
//   - sip:5551234567@domain.com -> 5551234567
//   - tel:+15551234567 -> +15551234567
func ExtractPhoneFromURI(uri string) string {
	uri = strings.TrimPrefix(uri, "sip:")
	uri = strings.TrimPrefix(uri, "tel:")
	if idx := strings.Index(uri, "@"); idx != -1 {
		uri = uri[:idx]
	}
	if idx := strings.Index(uri, ";"); idx != -1 {
		uri = uri[:idx]
	}
	return nonPhoneChars.ReplaceAllString(uri, "")
}

// FormatSIPURI formats a phone number as a SIP URI. Addresses that are
// already URIs are returned unchanged.
func FormatSIPURI(phone, domain string) string {
	if strings.HasPrefix(phone, "sip:") || strings.HasPrefix(phone, "tel:") {
		return phone
	}
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("sip:%s@%s", phone, domain)
}
