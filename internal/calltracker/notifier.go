package calltracker

// Operation names a supplementary service for failure reporting.
type Operation string

const (
	OpDial       Operation = "dial"
	OpAccept     Operation = "accept"
	OpSwitch     Operation = "switch"
	OpConference Operation = "conference"
	OpResume     Operation = "resume"
	OpHangup     Operation = "hangup"
)

// Notifier receives tracker notifications. Calls are made on the tracker's
// loop goroutine after state has settled; implementations must not block
// and must not call blocking tracker operations.
type Notifier interface {
	PhoneStateChanged(old, state PhoneState)
	PreciseCallStateChanged()
	NewRingingConnection(c *Connection)
	ConnectionStateChanged(c *Connection, state ConnectionState)
	Disconnect(c *Connection)
	PostDialStateChanged(c *Connection, state PostDialState, remaining string)
	SuppServiceFailed(op Operation, err error)
}

// NopNotifier implements Notifier with no-ops. Embed it to implement a
// subset.
type NopNotifier struct{}

func (NopNotifier) PhoneStateChanged(PhoneState, PhoneState)                {}
func (NopNotifier) PreciseCallStateChanged()                                {}
func (NopNotifier) NewRingingConnection(*Connection)                        {}
func (NopNotifier) ConnectionStateChanged(*Connection, ConnectionState)     {}
func (NopNotifier) Disconnect(*Connection)                                  {}
func (NopNotifier) PostDialStateChanged(*Connection, PostDialState, string) {}
func (NopNotifier) SuppServiceFailed(Operation, error)                      {}

type multiNotifier []Notifier

// MultiNotifier fans notifications out to every n in order.
func MultiNotifier(ns ...Notifier) Notifier {
	out := make(multiNotifier, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multiNotifier) PhoneStateChanged(old, state PhoneState) {
	for _, n := range m {
		n.PhoneStateChanged(old, state)
	}
}

func (m multiNotifier) PreciseCallStateChanged() {
	for _, n := range m {
		n.PreciseCallStateChanged()
	}
}

func (m multiNotifier) NewRingingConnection(c *Connection) {
	for _, n := range m {
		n.NewRingingConnection(c)
	}
}

func (m multiNotifier) ConnectionStateChanged(c *Connection, state ConnectionState) {
	for _, n := range m {
		n.ConnectionStateChanged(c, state)
	}
}

func (m multiNotifier) Disconnect(c *Connection) {
	for _, n := range m {
		n.Disconnect(c)
	}
}

func (m multiNotifier) PostDialStateChanged(c *Connection, state PostDialState, remaining string) {
	for _, n := range m {
		n.PostDialStateChanged(c, state, remaining)
	}
}

func (m multiNotifier) SuppServiceFailed(op Operation, err error) {
	for _, n := range m {
		n.SuppServiceFailed(op, err)
	}
}
