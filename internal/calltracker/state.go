package calltracker

// ConnectionState is the lifecycle state of a single call leg.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateDialing
	StateAlerting
	StateIncoming
	StateWaiting
	StateActive
	StateHolding
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	names := []string{
		"IDLE", "DIALING", "ALERTING", "INCOMING", "WAITING",
		"ACTIVE", "HOLDING", "DISCONNECTING", "DISCONNECTED",
	}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// IsAlive reports whether a leg in this state still occupies a call slot
// that can be operated on.
func (s ConnectionState) IsAlive() bool {
	switch s {
	case StateIdle, StateDisconnecting, StateDisconnected:
		return false
	}
	return true
}

// IsRinging reports whether the leg is an unanswered inbound call.
func (s ConnectionState) IsRinging() bool {
	return s == StateIncoming || s == StateWaiting
}

// IsDialing reports whether the leg is an unanswered outbound call.
func (s ConnectionState) IsDialing() bool {
	return s == StateDialing || s == StateAlerting
}

// CallState is the aggregate state of a call slot. It shares the
// vocabulary of ConnectionState.
type CallState = ConnectionState

// aggregate derives a slot state from its members. The most significant
// member state wins so that a conference with one leg still alerting is
// not reported as idle.
func aggregate(conns []*Connection) CallState {
	if len(conns) == 0 {
		return StateIdle
	}
	priority := []ConnectionState{
		StateIncoming, StateWaiting, StateActive, StateAlerting,
		StateDialing, StateHolding, StateDisconnecting, StateDisconnected,
	}
	seen := make(map[ConnectionState]bool, len(conns))
	for _, c := range conns {
		seen[c.state] = true
	}
	for _, s := range priority {
		if seen[s] {
			return s
		}
	}
	return StateIdle
}

// PhoneState is the tracker-wide aggregate state.
type PhoneState int

const (
	PhoneIdle PhoneState = iota
	PhoneRinging
	PhoneOffhook
)

func (s PhoneState) String() string {
	switch s {
	case PhoneIdle:
		return "IDLE"
	case PhoneRinging:
		return "RINGING"
	case PhoneOffhook:
		return "OFFHOOK"
	}
	return "UNKNOWN"
}

// SlotRole names a call slot within a tracker.
type SlotRole int

const (
	RoleRinging SlotRole = iota
	RoleForeground
	RoleBackground
	RoleHandover
)

func (r SlotRole) String() string {
	switch r {
	case RoleRinging:
		return "ringing"
	case RoleForeground:
		return "foreground"
	case RoleBackground:
		return "background"
	case RoleHandover:
		return "handover"
	}
	return "unknown"
}
