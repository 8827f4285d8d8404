package d2d

import (
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// Default one-byte header extension ids when SDP does not assign others.
const (
	DefaultCallStateExtID   uint8 = 7
	DefaultDeviceStateExtID uint8 = 8
)

// RtpCodec maps messages onto two one-byte RTP header extensions: one for
// call state (radio access type, codec) and one for device state (battery,
// coverage). Each message is one payload byte, type<<4 | value.
type RtpCodec struct {
	CallStateID   uint8
	DeviceStateID uint8
}

// NewRtpCodec returns a codec using the default extension ids.
func NewRtpCodec() RtpCodec {
	return RtpCodec{CallStateID: DefaultCallStateExtID, DeviceStateID: DefaultDeviceStateExtID}
}

func validOneByteID(id uint8) bool {
	return id >= 1 && id <= 14
}

// Encode adds msgs to h as header extensions.
func (c RtpCodec) Encode(h *rtp.Header, msgs []Message) error {
	if !validOneByteID(c.CallStateID) || !validOneByteID(c.DeviceStateID) || c.CallStateID == c.DeviceStateID {
		return errors.Errorf("d2d: bad extension ids %d/%d", c.CallStateID, c.DeviceStateID)
	}
	var callState, deviceState []byte
	for _, m := range msgs {
		if !m.Valid() {
			return errors.Errorf("d2d: cannot encode invalid message %s", m)
		}
		b := byte(m.Type)<<4 | byte(m.Value)
		if vocabulary[m.Type].callState {
			callState = append(callState, b)
		} else {
			deviceState = append(deviceState, b)
		}
	}

	if len(callState) > 0 {
		if err := h.SetExtension(c.CallStateID, callState); err != nil {
			return errors.Wrap(err, "d2d: set call-state extension")
		}
	}
	if len(deviceState) > 0 {
		if err := h.SetExtension(c.DeviceStateID, deviceState); err != nil {
			return errors.Wrap(err, "d2d: set device-state extension")
		}
	}
	return nil
}

// Decode extracts messages from h. Bytes that do not belong to the
// extension they arrived in, or are outside the vocabulary, are counted
// as rejected and skipped.
func (c RtpCodec) Decode(h *rtp.Header) (msgs []Message, rejected int) {
	if !h.Extension {
		return nil, 0
	}
	for _, id := range h.GetExtensionIDs() {
		var wantCallState bool
		switch id {
		case c.CallStateID:
			wantCallState = true
		case c.DeviceStateID:
			wantCallState = false
		default:
			continue
		}
		for _, b := range h.GetExtension(id) {
			m := Message{Type: MessageType(b >> 4), Value: int(b & 0x0f)}
			if !m.Valid() || vocabulary[m.Type].callState != wantCallState {
				rejected++
				continue
			}
			msgs = append(msgs, m)
		}
	}
	return msgs, rejected
}

// MarshalPacket encodes msgs as header extensions of an otherwise empty
// RTP packet, for links that carry D2D without media.
func (c RtpCodec) MarshalPacket(h rtp.Header, msgs []Message) ([]byte, error) {
	if h.Version == 0 {
		h.Version = 2
	}
	if err := c.Encode(&h, msgs); err != nil {
		return nil, err
	}
	pkt := &rtp.Packet{Header: h}
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "d2d: marshal rtp packet")
	}
	return buf, nil
}

// UnmarshalPacket decodes the messages carried by an RTP packet.
func (c RtpCodec) UnmarshalPacket(buf []byte) ([]Message, int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, 0, errors.Wrap(err, "d2d: unmarshal rtp packet")
	}
	msgs, rejected := c.Decode(&pkt.Header)
	return msgs, rejected, nil
}
