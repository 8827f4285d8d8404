// Package d2d carries call metadata between devices during an active call,
// over DTMF digits or RTP header extensions. A Communicator negotiates one
// transport out of an ordered candidate list and routes messages through it.
package d2d

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MessageType identifies what a Message describes.
type MessageType int

const (
	MessageRadioAccessType MessageType = iota + 1
	MessageAudioCodec
	MessageBatteryState
	MessageNetworkCoverage
)

// Values per message type.
const (
	RadioLTE   = 1
	RadioIWLAN = 2
	RadioNR    = 3

	CodecEVS   = 1
	CodecAMRWB = 2
	CodecAMRNB = 3

	BatteryLow      = 1
	BatteryGood     = 2
	BatteryCharging = 3

	CoveragePoor = 1
	CoverageGood = 2
)

// Message is one typed value exchanged over a D2D transport.
type Message struct {
	Type  MessageType
	Value int
}

type typeInfo struct {
	name   string
	values map[int]string
	// callState marks types carried in the call-state RTP extension;
	// the rest go in the device-state extension.
	callState bool
}

var vocabulary = map[MessageType]typeInfo{
	MessageRadioAccessType: {
		name:      "rat",
		values:    map[int]string{RadioLTE: "lte", RadioIWLAN: "iwlan", RadioNR: "nr"},
		callState: true,
	},
	MessageAudioCodec: {
		name:      "codec",
		values:    map[int]string{CodecEVS: "evs", CodecAMRWB: "amr-wb", CodecAMRNB: "amr-nb"},
		callState: true,
	},
	MessageBatteryState: {
		name:   "battery",
		values: map[int]string{BatteryLow: "low", BatteryGood: "good", BatteryCharging: "charging"},
	},
	MessageNetworkCoverage: {
		name:   "coverage",
		values: map[int]string{CoveragePoor: "poor", CoverageGood: "good"},
	},
}

func (t MessageType) String() string {
	if info, ok := vocabulary[t]; ok {
		return info.name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Valid reports whether m is part of the vocabulary.
func (m Message) Valid() bool {
	info, ok := vocabulary[m.Type]
	if !ok {
		return false
	}
	_, ok = info.values[m.Value]
	return ok
}

func (m Message) String() string {
	if info, ok := vocabulary[m.Type]; ok {
		if v, ok := info.values[m.Value]; ok {
			return info.name + "=" + v
		}
	}
	return fmt.Sprintf("%s=%d", m.Type, m.Value)
}

// ParseMessage parses the "type=value" form produced by String.
func ParseMessage(s string) (Message, error) {
	name, value, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return Message{}, errors.Errorf("d2d: malformed message %q", s)
	}
	for t, info := range vocabulary {
		if info.name != strings.ToLower(name) {
			continue
		}
		for v, vname := range info.values {
			if vname == strings.ToLower(value) {
				return Message{Type: t, Value: v}, nil
			}
		}
		return Message{}, errors.Errorf("d2d: unknown %s value %q", info.name, value)
	}
	return Message{}, errors.Errorf("d2d: unknown message type %q", name)
}
