package d2d

import (
	"strings"

	"github.com/pkg/errors"
)

// Delimiter terminates each field of a DTMF-encoded message.
const Delimiter = 'D'

// Probe is sent by each side while negotiating the DTMF transport; seeing
// it echoed back means the remote end speaks the protocol.
const Probe = "AAD"

var (
	dtmfTypes = map[MessageType]string{
		MessageRadioAccessType: "A",
		MessageAudioCodec:      "B",
		MessageBatteryState:    "C",
		MessageNetworkCoverage: "AA",
	}
	dtmfValues = map[int]byte{1: 'A', 2: 'B', 3: 'C'}

	dtmfTypeByDigits  = invertTypes(dtmfTypes)
	dtmfValueByDigits = invertValues(dtmfValues)
)

func invertTypes(m map[MessageType]string) map[string]MessageType {
	out := make(map[string]MessageType, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func invertValues(m map[int]byte) map[byte]int {
	out := make(map[byte]int, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// EncodeDtmf renders messages as a DTMF digit string. Each message is
// "<type>D<value>D".
func EncodeDtmf(msgs ...Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		if !m.Valid() {
			return "", errors.Errorf("d2d: cannot encode invalid message %s", m)
		}
		b.WriteString(dtmfTypes[m.Type])
		b.WriteByte(Delimiter)
		b.WriteByte(dtmfValues[m.Value])
		b.WriteByte(Delimiter)
	}
	return b.String(), nil
}

// DecodeDtmf parses a complete digit string. Invalid fields are skipped.
func DecodeDtmf(digits string) []Message {
	var d DtmfDecoder
	var out []Message
	for i := 0; i < len(digits); i++ {
		if m, ok := d.Feed(digits[i]); ok {
			out = append(out, m)
		}
	}
	return out
}

// DtmfDecoder assembles messages from digits received one at a time.
// Input that cannot be part of a valid message resets it.
type DtmfDecoder struct {
	typeDigits  []byte
	valueDigits []byte
	inValue     bool
	// Rejected counts fields dropped as invalid.
	Rejected int
}

// Feed consumes one digit and returns a message once one is complete.
func (d *DtmfDecoder) Feed(digit byte) (Message, bool) {
	if digit != Delimiter {
		if d.inValue {
			d.valueDigits = append(d.valueDigits, digit)
			if len(d.valueDigits) > 1 {
				d.reject()
			}
		} else {
			d.typeDigits = append(d.typeDigits, digit)
			if len(d.typeDigits) > 2 {
				d.reject()
			}
		}
		return Message{}, false
	}

	if !d.inValue {
		if _, ok := dtmfTypeByDigits[string(d.typeDigits)]; !ok {
			d.reject()
			return Message{}, false
		}
		d.inValue = true
		return Message{}, false
	}

	t := dtmfTypeByDigits[string(d.typeDigits)]
	var m Message
	ok := len(d.valueDigits) == 1
	if ok {
		m = Message{Type: t, Value: dtmfValueByDigits[d.valueDigits[0]]}
		ok = m.Valid()
	}
	if !ok {
		d.reject()
		return Message{}, false
	}
	d.Reset()
	return m, true
}

// Reset discards any partial message.
func (d *DtmfDecoder) Reset() {
	d.typeDigits = d.typeDigits[:0]
	d.valueDigits = d.valueDigits[:0]
	d.inValue = false
}

func (d *DtmfDecoder) reject() {
	d.Rejected++
	d.Reset()
}
