// Package proto encodes and decodes the instrument's wire grammar: ASCII
// commands prefixed with ':', fixed-width hexadecimal fields, carriage-return
// terminated replies. Builders validate their arguments; parsers operate on
// decoded, terminator-trimmed text. All framing characters and the handshake
// magic are preserved bit-for-bit for hardware compatibility.
package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// NumChannels is the number of independent measurement paths on the
// instrument. Channels are addressed 0 through 15.
const NumChannels = 16

// CommandPrefix starts every outgoing command.
const CommandPrefix = ":"

// HandshakeCommand resets and identifies the instrument.
const HandshakeCommand = ":00"

// HandshakeMagic is the exact reply a healthy instrument gives to the
// handshake command. Matching is full-string on decoded text, never a prefix
// match.
const HandshakeMagic = ":55555555"

const (
	readReplyPrefix    = ":03"
	measureReplyPrefix = ":08"
	ackOK              = ":00"
	ackFailed          = ":FF"

	readReplyLen    = len(readReplyPrefix) + 2 + 8 // prefix, channel+kind echo, value
	measureReplyLen = len(measureReplyPrefix) + 14 // prefix, channel echo, three 4-digit fields
)

// Param identifies one per-channel instrument parameter. The numeric values
// are the wire encoding and must not be reordered.
type Param int

const (
	ParamDAC     Param = 0 // drive setting
	ParamTon     Param = 1 // LED on-time
	ParamToff    Param = 2 // LED off-time
	ParamSamples Param = 3 // samples per measurement
	ParamDACPos  Param = 4 // DAC position
)

// Params lists every parameter kind in wire order.
var Params = []Param{ParamDAC, ParamTon, ParamToff, ParamSamples, ParamDACPos}

func (p Param) String() string {
	switch p {
	case ParamDAC:
		return "dac"
	case ParamTon:
		return "ton"
	case ParamToff:
		return "toff"
	case ParamSamples:
		return "samples"
	case ParamDACPos:
		return "dac_pos"
	default:
		return fmt.Sprintf("param(%d)", int(p))
	}
}

// Valid reports whether p is a parameter kind the instrument understands.
func (p Param) Valid() bool { return p >= ParamDAC && p <= ParamDACPos }

func checkChannel(channel int) error {
	if channel < 0 || channel >= NumChannels {
		return fmt.Errorf("channel %d out of range [0, %d]", channel, NumChannels-1)
	}
	return nil
}

// ReadParamCommand builds the command that reads one channel parameter.
// Reply format: ":03CSxxxxxxxx" with the value in the trailing eight hex
// digits.
func ReadParamCommand(channel int, p Param) (string, error) {
	if err := checkChannel(channel); err != nil {
		return "", err
	}
	if !p.Valid() {
		return "", fmt.Errorf("invalid parameter kind %d", int(p))
	}
	return fmt.Sprintf(":02%1X%1X", channel, int(p)), nil
}

// WriteParamCommand builds the command that writes one channel parameter.
// The instrument acknowledges with ":00" on success and ":FF" on failure.
func WriteParamCommand(channel int, p Param, value int) (string, error) {
	if err := checkChannel(channel); err != nil {
		return "", err
	}
	if !p.Valid() {
		return "", fmt.Errorf("invalid parameter kind %d", int(p))
	}
	if value < 0 || value > 0xFFFFFFFF {
		return "", fmt.Errorf("parameter value %d out of range", value)
	}
	return fmt.Sprintf(":04%1X%1X%08X", channel, int(p), value), nil
}

// MeasureCommand builds the command that triggers one measurement on the
// given channel. Reply format: ":08xxyyyyzzzzwwww" carrying the channel echo
// and the pulse1, pulse2, and background readings.
func MeasureCommand(channel int) (string, error) {
	if err := checkChannel(channel); err != nil {
		return "", err
	}
	return fmt.Sprintf(":07%02X", channel), nil
}

// IndicatorCommand builds the command that toggles a channel's indicator LED.
func IndicatorCommand(channel int, on bool) (string, error) {
	if err := checkChannel(channel); err != nil {
		return "", err
	}
	state := 0
	if on {
		state = 1
	}
	return fmt.Sprintf(":080%X%08X", channel, state), nil
}

// MatchesHandshake reports whether text is exactly the handshake magic.
// Truncated or altered replies simply do not match; they are never an error.
func MatchesHandshake(text string) bool {
	return text == HandshakeMagic
}

// ParseReadReply extracts the parameter value from a read reply.
func ParseReadReply(text string) (int, error) {
	if !strings.HasPrefix(text, readReplyPrefix) {
		return 0, fmt.Errorf("read reply %q: missing %q prefix", text, readReplyPrefix)
	}
	if len(text) != readReplyLen {
		return 0, fmt.Errorf("read reply %q: length %d, want %d", text, len(text), readReplyLen)
	}
	value, err := strconv.ParseUint(text[len(text)-8:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("read reply %q: value field is not hex: %v", text, err)
	}
	return int(value), nil
}

// ParseMeasureReply extracts the three sensor fields from a measurement
// reply, in wire order: pulse1, pulse2, background.
func ParseMeasureReply(text string) (pulse1, pulse2, background int, err error) {
	if !strings.HasPrefix(text, measureReplyPrefix) {
		return 0, 0, 0, fmt.Errorf("measure reply %q: missing %q prefix", text, measureReplyPrefix)
	}
	if len(text) != measureReplyLen {
		return 0, 0, 0, fmt.Errorf("measure reply %q: length %d, want %d", text, len(text), measureReplyLen)
	}
	fields := [3]int{}
	for i := range fields {
		start := 5 + i*4
		v, perr := strconv.ParseUint(text[start:start+4], 16, 16)
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("measure reply %q: field %d is not hex: %v", text, i+1, perr)
		}
		fields[i] = int(v)
	}
	return fields[0], fields[1], fields[2], nil
}

// Ack is the tagged result of parsing a write acknowledgement. A single
// parsing routine produces it so success is always judged on decoded text,
// never on raw byte literals.
type Ack int

const (
	AckOK Ack = iota
	AckFailed
	AckMalformed
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "ok"
	case AckFailed:
		return "failed"
	default:
		return "malformed"
	}
}

// ParseAck classifies an acknowledgement reply. The reason is empty for
// AckOK and describes the mismatch otherwise.
func ParseAck(text string) (Ack, string) {
	switch text {
	case ackOK:
		return AckOK, ""
	case ackFailed:
		return AckFailed, "device reported failure"
	default:
		return AckMalformed, fmt.Sprintf("unexpected acknowledgement %q", text)
	}
}
