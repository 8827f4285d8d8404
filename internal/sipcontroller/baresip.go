package sipcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dense-identity/callcore/internal/logger"
)

// BaresipEventType represents Baresip call event types
type BaresipEventType string

const (
	EventCallIncoming    BaresipEventType = "CALL_INCOMING"
	EventCallOutgoing    BaresipEventType = "CALL_OUTGOING"
	EventCallRinging     BaresipEventType = "CALL_RINGING"
	EventCallProgress    BaresipEventType = "CALL_PROGRESS"
	EventCallAnswered    BaresipEventType = "CALL_ANSWERED"
	EventCallEstablished BaresipEventType = "CALL_ESTABLISHED"
	EventCallClosed      BaresipEventType = "CALL_CLOSED"
	EventCallHold        BaresipEventType = "CALL_HOLD"
	EventCallResume      BaresipEventType = "CALL_RESUME"
	EventCallTransfer    BaresipEventType = "CALL_TRANSFER"
	EventCallDTMFStart   BaresipEventType = "CALL_DTMF_START"
	EventCallDTMFEnd     BaresipEventType = "CALL_DTMF_END"
	EventCallRemoteSDP   BaresipEventType = "CALL_REMOTE_SDP"
	EventRegisterOK      BaresipEventType = "REGISTER_OK"
	EventRegisterFail    BaresipEventType = "REGISTER_FAIL"
	EventUnregistering   BaresipEventType = "UNREGISTERING"
)

// BaresipEvent represents an event from Baresip
type BaresipEvent struct {
	Event      bool             `json:"event"`
	Class      string           `json:"class"`
	Type       BaresipEventType `json:"type"`
	AccountAOR string           `json:"accountaor"`
	Direction  string           `json:"direction"`
	PeerURI    string           `json:"peeruri"`
	PeerName   string           `json:"peername"`
	ID         string           `json:"id"`
	Param      string           `json:"param"`
}

// BaresipResponse represents a command response from Baresip
type BaresipResponse struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

// BaresipCommand represents a command to send to Baresip
type BaresipCommand struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ErrClientClosed is returned for commands pending when the connection
// goes away.
var ErrClientClosed = errors.New("baresip: connection closed")

// CommandError reports a command that Baresip answered with ok=false.
type CommandError struct {
	Command string
	Data    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("baresip: %s rejected: %s", e.Command, e.Data)
}

// BaresipClient manages connection to Baresip ctrl_tcp
type BaresipClient struct {
	addr    string
	conn    net.Conn
	encoder *NetstringEncoder
	decoder *NetstringDecoder
	writeMu sync.Mutex
	log     *slog.Logger

	eventChan chan BaresipEvent
	errorChan chan error

	tokenCounter atomic.Uint64
	pendingCmds  map[string]chan BaresipResponse
	pendingMu    sync.Mutex
	cmdTimeout   time.Duration

	closed   atomic.Bool
	closedCh chan struct{}

	verbose bool
}

// NewBaresipClient creates a new Baresip client
func NewBaresipClient(addr string, verbose bool) *BaresipClient {
	return &BaresipClient{
		addr:        addr,
		log:         logger.With("component", "baresip", "addr", addr),
		eventChan:   make(chan BaresipEvent, 100),
		errorChan:   make(chan error, 1),
		pendingCmds: make(map[string]chan BaresipResponse),
		closedCh:    make(chan struct{}),
		verbose:     verbose,
		cmdTimeout:  2 * time.Second,
	}
}

// Connect establishes connection to Baresip
func (b *BaresipClient) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return errors.Wrapf(err, "connecting to baresip at %s", b.addr)
	}
	b.attach(conn)
	b.log.Info("connected")
	return nil
}

func (b *BaresipClient) attach(conn net.Conn) {
	b.conn = conn
	b.encoder = NewNetstringEncoder(conn)
	b.decoder = NewNetstringDecoder(conn)
	go b.readLoop()
}

// Close closes the connection
func (b *BaresipClient) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.closedCh)
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Events returns the channel for receiving Baresip events
func (b *BaresipClient) Events() <-chan BaresipEvent {
	return b.eventChan
}

// Errors returns the channel for receiving errors
func (b *BaresipClient) Errors() <-chan error {
	return b.errorChan
}

// readLoop continuously reads from Baresip and dispatches events/responses
func (b *BaresipClient) readLoop() {
	defer close(b.eventChan)
	defer close(b.errorChan)

	for {
		select {
		case <-b.closedCh:
			return
		default:
		}

		data, err := b.decoder.Decode()
		if err != nil {
			if !b.closed.Load() {
				b.errorChan <- errors.Wrap(err, "reading from baresip")
			}
			return
		}

		if b.verbose {
			b.log.Debug("received", "data", string(data))
		}
		b.dispatch(data)
	}
}

func (b *BaresipClient) dispatch(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		b.log.Warn("invalid json", "error", err)
		return
	}

	if _, isEvent := raw["event"]; isEvent {
		var event BaresipEvent
		if err := json.Unmarshal(data, &event); err != nil {
			b.log.Warn("failed to parse event", "error", err)
			return
		}
		select {
		case b.eventChan <- event:
		default:
			b.log.Warn("event channel full, dropping event", "type", event.Type, "id", event.ID)
		}
		return
	}

	if _, isResponse := raw["response"]; isResponse {
		var resp BaresipResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			b.log.Warn("failed to parse response", "error", err)
			return
		}
		if resp.Token == "" {
			return
		}
		b.pendingMu.Lock()
		if ch, ok := b.pendingCmds[resp.Token]; ok {
			ch <- resp
			delete(b.pendingCmds, resp.Token)
		}
		b.pendingMu.Unlock()
	}
}

func (b *BaresipClient) forget(token string) {
	b.pendingMu.Lock()
	delete(b.pendingCmds, token)
	b.pendingMu.Unlock()
}

// sendCommand sends a command and waits for its token-matched response.
// A response with ok=false is returned as a *CommandError.
func (b *BaresipClient) sendCommand(ctx context.Context, cmd, params string) (*BaresipResponse, error) {
	if b.closed.Load() {
		return nil, ErrClientClosed
	}
	token := fmt.Sprintf("tok%d", b.tokenCounter.Add(1))

	data, err := json.Marshal(BaresipCommand{Command: cmd, Params: params, Token: token})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling command")
	}

	respChan := make(chan BaresipResponse, 1)
	b.pendingMu.Lock()
	b.pendingCmds[token] = respChan
	b.pendingMu.Unlock()

	if b.verbose {
		b.log.Debug("sending", "data", string(data))
	}

	b.writeMu.Lock()
	err = b.encoder.Encode(data)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(token)
		return nil, errors.Wrapf(err, "sending %s", cmd)
	}

	timer := time.NewTimer(b.cmdTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if !resp.OK {
			return &resp, &CommandError{Command: cmd, Data: resp.Data}
		}
		return &resp, nil
	case <-b.closedCh:
		b.forget(token)
		return nil, ErrClientClosed
	case <-ctx.Done():
		b.forget(token)
		return nil, ctx.Err()
	case <-timer.C:
		b.forget(token)
		return nil, errors.Errorf("baresip: command timeout: %s", cmd)
	}
}

func joinParams(parts ...string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// Dial initiates an outgoing call
func (b *BaresipClient) Dial(ctx context.Context, uri string) (*BaresipResponse, error) {
	return b.sendCommand(ctx, "dial", uri)
}

// Accept answers an incoming call
func (b *BaresipClient) Accept(ctx context.Context, callID string) (*BaresipResponse, error) {
	return b.sendCommand(ctx, "accept", callID)
}

// Hangup terminates a call
func (b *BaresipClient) Hangup(ctx context.Context, callID string, scode int, reason string) (*BaresipResponse, error) {
	var code, why string
	if scode > 0 {
		code = fmt.Sprintf("scode=%d", scode)
	}
	if reason != "" {
		why = "reason=" + reason
	}
	return b.sendCommand(ctx, "hangup", joinParams(callID, code, why))
}

// Hold puts a call on hold.
func (b *BaresipClient) Hold(ctx context.Context, callID string) (*BaresipResponse, error) {
	return b.sendCommand(ctx, "hold", callID)
}

// Resume takes a call off hold.
func (b *BaresipClient) Resume(ctx context.Context, callID string) (*BaresipResponse, error) {
	return b.sendCommand(ctx, "resume", callID)
}

// SendDTMF selects the call and sends digits on it.
func (b *BaresipClient) SendDTMF(ctx context.Context, callID, digits string) (*BaresipResponse, error) {
	if callID != "" {
		if _, err := b.sendCommand(ctx, "callfind", callID); err != nil {
			return nil, err
		}
	}
	return b.sendCommand(ctx, "sndcode", digits)
}

// HangupAll hangs up all calls
func (b *BaresipClient) HangupAll(ctx context.Context) (*BaresipResponse, error) {
	return b.sendCommand(ctx, "hangupall", "")
}

// ListCalls lists active calls
func (b *BaresipClient) ListCalls(ctx context.Context) (*BaresipResponse, error) {
	return b.sendCommand(ctx, "listcalls", "")
}

// RegInfo gets registration info
func (b *BaresipClient) RegInfo(ctx context.Context) (*BaresipResponse, error) {
	return b.sendCommand(ctx, "reginfo", "")
}
