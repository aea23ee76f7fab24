// Package twin simulates the instrument end of the serial link. It speaks
// the firmware's actual dialect, bare-\r reply terminators included, so the
// host stack can be exercised end to end without hardware. Fault injection
// covers the failure modes bench units actually exhibit: swallowed replies
// and replies cut off mid-line.
package twin

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spectra-data/aquascan/internal/serialport"
)

const (
	numChannels = 16
	numParams   = 5

	paramDAC = 0
)

// Compile-time check that a Twin plugs in anywhere a real port does.
var (
	_ serialport.Porter        = (*Twin)(nil)
	_ serialport.TimeoutPorter = (*Twin)(nil)
)

// Curve is the simulated detector response for a channel at a given DAC
// word. Pulse readings increase strictly with the DAC so calibration sweeps
// behave the way real hardware does; the background term stays flat.
func Curve(ch int, dac uint32) (pulse1, pulse2, background uint16) {
	v := 600 + 3*ch + 2*int(dac)
	if v > 0xFFFF {
		v = 0xFFFF
	}
	return uint16(v), uint16(v - 40), uint16(520 + ch)
}

// Twin is an in-process instrument. Writes carry host commands in; reads
// carry firmware replies out. Commands are handled synchronously inside
// Write, so a reply is always waiting by the time the host turns the line
// around. An empty reply buffer reads as zero bytes, the same thing a real
// port reports when its receive timeout expires.
type Twin struct {
	mu sync.Mutex

	params [numChannels][numParams]uint32
	leds   [numChannels]bool

	inbound  bytes.Buffer
	outbound bytes.Buffer

	readTimeout time.Duration
	closed      bool

	dropLeft     int
	truncateLeft int

	received []string
}

// New returns a Twin with all parameters zeroed and every indicator off.
func New() *Twin {
	return &Twin{}
}

// Write accepts host bytes. Complete command lines are handled immediately
// and their replies queued for the next Read.
func (tw *Twin) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return 0, fmt.Errorf("twin: port closed")
	}

	tw.inbound.Write(p)
	for {
		line, ok := tw.nextLine()
		if !ok {
			break
		}
		if line == "" {
			continue
		}
		tw.received = append(tw.received, line)
		reply := tw.handle(line)
		tw.queueReply(reply)
	}
	return len(p), nil
}

// Read drains queued reply bytes. With nothing queued it reports an expired
// receive timeout: zero bytes, no error.
func (tw *Twin) Read(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return 0, fmt.Errorf("twin: port closed")
	}
	if tw.outbound.Len() == 0 {
		return 0, nil
	}
	return tw.outbound.Read(p)
}

// Close shuts the twin down; subsequent I/O fails.
func (tw *Twin) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.closed = true
	return nil
}

// Reopen clears the closed state, modelling a host that cycles the port.
// Device state survives a reopen just as real firmware state does.
func (tw *Twin) Reopen() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.closed = false
	tw.inbound.Reset()
	tw.outbound.Reset()
}

// SetReadTimeout records the host's receive timeout.
func (tw *Twin) SetReadTimeout(d time.Duration) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.readTimeout = d
	return nil
}

// Drop swallows the next n replies entirely, simulating a device that goes
// quiet.
func (tw *Twin) Drop(n int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.dropLeft = n
}

// Truncate cuts the next n replies off mid-line with no terminator.
func (tw *Twin) Truncate(n int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.truncateLeft = n
}

// Param reports the stored parameter word for a channel.
func (tw *Twin) Param(ch, kind int) uint32 {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return tw.params[ch][kind]
}

// SetParam seeds a parameter directly, bypassing the wire.
func (tw *Twin) SetParam(ch, kind int, value uint32) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.params[ch][kind] = value
}

// LED reports an indicator state.
func (tw *Twin) LED(ch int) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return tw.leds[ch]
}

// Received returns every complete command line the twin has seen.
func (tw *Twin) Received() []string {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	out := make([]string, len(tw.received))
	copy(out, tw.received)
	return out
}

// nextLine pops one complete command line off the inbound buffer.
func (tw *Twin) nextLine() (string, bool) {
	data := tw.inbound.Bytes()
	idx := bytes.IndexAny(data, "\r\n")
	if idx < 0 {
		return "", false
	}
	end := idx + 1
	if data[idx] == '\r' && end < len(data) && data[end] == '\n' {
		end++
	}
	line := strings.TrimSpace(string(data[:idx]))
	tw.inbound.Next(end)
	return line, true
}

// queueReply applies fault injection and queues the reply with the
// firmware's bare-\r terminator.
func (tw *Twin) queueReply(reply string) {
	if tw.dropLeft > 0 {
		tw.dropLeft--
		return
	}
	if tw.truncateLeft > 0 {
		tw.truncateLeft--
		if len(reply) > 4 {
			reply = reply[:4]
		}
		tw.outbound.WriteString(reply)
		return
	}
	tw.outbound.WriteString(reply + "\r")
}

// handle runs one command and produces the reply text. Traffic the firmware
// does not recognize is refused with the failure ack.
func (tw *Twin) handle(cmd string) string {
	switch {
	case cmd == ":00":
		return ":55555555"

	case strings.HasPrefix(cmd, ":02") && len(cmd) == 5:
		ch, okc := hexDigit(cmd[3])
		kind, okk := hexDigit(cmd[4])
		if !okc || !okk || kind >= numParams {
			return ":FF"
		}
		return fmt.Sprintf(":03CS%08X", tw.params[ch][kind])

	case strings.HasPrefix(cmd, ":04") && len(cmd) == 13:
		ch, okc := hexDigit(cmd[3])
		kind, okk := hexDigit(cmd[4])
		value, err := strconv.ParseUint(cmd[5:13], 16, 32)
		if !okc || !okk || kind >= numParams || err != nil {
			return ":FF"
		}
		tw.params[ch][kind] = uint32(value)
		return ":00"

	case strings.HasPrefix(cmd, ":080") && len(cmd) == 13:
		ch, okc := hexDigit(cmd[4])
		state, err := strconv.ParseUint(cmd[5:13], 16, 32)
		if !okc || err != nil {
			return ":FF"
		}
		tw.leds[ch] = state != 0
		return ":00"

	case strings.HasPrefix(cmd, ":07") && len(cmd) == 5:
		ch, err := strconv.ParseUint(cmd[3:5], 16, 8)
		if err != nil || ch >= numChannels {
			return ":FF"
		}
		p1, p2, bg := Curve(int(ch), tw.params[ch][paramDAC])
		return fmt.Sprintf(":08%02X%04X%04X%04X", ch, p1, p2, bg)

	default:
		return ":FF"
	}
}

// hexDigit parses a single hex digit channel or kind field.
func hexDigit(b byte) (int, bool) {
	v, err := strconv.ParseUint(string(b), 16, 8)
	if err != nil {
		return 0, false
	}
	return int(v), true
}
