// Package dispatch turns "send this command" into "get one complete response
// or a definitive, typed failure". The response assembler decides when a byte
// stream constitutes one whole reply; the dispatcher wraps it with retry,
// backoff, and reconnect handling, and keeps a diagnostic log of every
// attempt.
package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// responseTerminator is the two-byte sequence a fully framed reply ends
// with. The instrument frequently omits the final newline, which is why
// idle-based completion exists at all.
const responseTerminator = "\r\n"

// CompleteReason describes how an assembly ended.
type CompleteReason int

const (
	// Terminator: the accumulated bytes end with the protocol terminator.
	Terminator CompleteReason = iota
	// Idle: enough consecutive empty reads to treat the reply as finished.
	Idle
	// TimedOut: the overall budget elapsed with neither condition met.
	TimedOut
)

func (r CompleteReason) String() string {
	switch r {
	case Terminator:
		return "terminator"
	case Idle:
		return "idle"
	default:
		return "timeout"
	}
}

// Complete reports whether the reason represents a finished reply.
func (r CompleteReason) Complete() bool { return r == Terminator || r == Idle }

// ReadFunc performs one bounded read: zero bytes with nil error means the
// link was idle for the duration of the timeout. serialport.Conn.ReadChunk
// satisfies this signature.
type ReadFunc func(timeout time.Duration) ([]byte, error)

// AssembleParams bound a single assembly.
type AssembleParams struct {
	// PerReadTimeout is handed to each individual read.
	PerReadTimeout time.Duration
	// OverallTimeout caps the whole assembly.
	OverallTimeout time.Duration
	// IdleThreshold is the number of consecutive empty reads treated as
	// end-of-reply.
	IdleThreshold int
	// ReadInterval throttles the polling loop between reads.
	ReadInterval time.Duration
}

// Assembly is one assembled response: decoded text, how assembly ended, and
// how long it took. Raw keeps the undecoded bytes for diagnostics.
type Assembly struct {
	Text    string
	Raw     []byte
	Reason  CompleteReason
	Elapsed time.Duration
}

// Assemble repeatedly calls read, appending whatever arrives, until the
// accumulated bytes end with the protocol terminator, IdleThreshold
// consecutive reads return nothing, or OverallTimeout elapses. Idle
// completion applies even when no data has arrived; whether an empty reply
// is acceptable is the dispatcher's call, not the assembler's. A read error
// aborts assembly and is returned alongside whatever had accumulated.
func Assemble(read ReadFunc, p AssembleParams) (Assembly, error) {
	if p.IdleThreshold <= 0 {
		p.IdleThreshold = 3
	}

	start := time.Now()
	deadline := start.Add(p.OverallTimeout)

	var raw []byte
	idle := 0

	for time.Now().Before(deadline) {
		chunk, err := read(p.PerReadTimeout)
		if err != nil {
			asm := Assembly{Text: decodeText(raw), Raw: raw, Reason: TimedOut, Elapsed: time.Since(start)}
			return asm, fmt.Errorf("dispatch: read during assembly: %w", err)
		}

		if len(chunk) > 0 {
			raw = append(raw, chunk...)
			idle = 0
			if bytes.HasSuffix(raw, []byte(responseTerminator)) {
				return Assembly{Text: decodeText(raw), Raw: raw, Reason: Terminator, Elapsed: time.Since(start)}, nil
			}
		} else {
			idle++
			if idle >= p.IdleThreshold {
				return Assembly{Text: decodeText(raw), Raw: raw, Reason: Idle, Elapsed: time.Since(start)}, nil
			}
		}

		if p.ReadInterval > 0 {
			time.Sleep(p.ReadInterval)
		}
	}

	return Assembly{Text: decodeText(raw), Raw: raw, Reason: TimedOut, Elapsed: time.Since(start)}, nil
}

// decodeText best-effort decodes a reply. Non-ASCII bytes never abort
// assembly; they are reported hex-escaped so the diagnostic log stays
// readable.
func decodeText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	for _, b := range raw {
		if b >= 0x80 {
			return fmt.Sprintf("non-ascii response: % X", raw)
		}
	}
	return strings.TrimSpace(string(raw))
}
