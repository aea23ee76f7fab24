package dispatch

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectra-data/aquascan/internal/monitor"
	"github.com/spectra-data/aquascan/internal/serialport"
)

// ErrInvalidCommand rejects commands before they reach the wire. Every
// instrument command is non-empty and starts with ':'.
var ErrInvalidCommand = errors.New("dispatch: command must be non-empty and start with ':'")

// Policy selects what a dispatcher does once all attempts for a command are
// exhausted.
type Policy int

const (
	// PolicyRetry grants one extra attempt round, then behaves like
	// PolicyContinue.
	PolicyRetry Policy = iota
	// PolicyContinue reports the failure and lets the caller move on.
	PolicyContinue
	// PolicyStop escalates the failure as a link error so callers abort.
	PolicyStop
)

func (p Policy) String() string {
	switch p {
	case PolicyRetry:
		return "retry"
	case PolicyContinue:
		return "continue"
	default:
		return "stop"
	}
}

// ParsePolicy maps a config string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "retry":
		return PolicyRetry, nil
	case "continue":
		return PolicyContinue, nil
	case "stop":
		return PolicyStop, nil
	default:
		return PolicyContinue, fmt.Errorf("dispatch: unknown failure policy %q", s)
	}
}

// NoResponseError reports a command that got no usable reply after every
// attempt. Partial carries whatever incomplete text the last attempt saw.
type NoResponseError struct {
	Command    string
	Attempts   int
	LastReason CompleteReason
	Partial    string
}

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("dispatch: no usable response to %q after %d attempts (last: %s)",
		e.Command, e.Attempts, e.LastReason)
}

// LinkError reports that the transport itself failed: reconnects are not
// succeeding, or the failure policy demands the whole run stop.
type LinkError struct {
	Command string
	Err     error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("dispatch: link failure during %q: %v", e.Command, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Options tune a Dispatcher. Zero values take defaults from withDefaults.
type Options struct {
	// Timeout is the base response budget for the first attempt.
	Timeout time.Duration
	// MaxAttempts bounds deliveries of one command.
	MaxAttempts int
	// BackoffFactor multiplies the timeout on each further attempt.
	BackoffFactor int
	// PerReadTimeout bounds each individual read during assembly.
	PerReadTimeout time.Duration
	// ReadInterval throttles the assembly polling loop.
	ReadInterval time.Duration
	// IdleThreshold is the consecutive-empty-read count that completes a
	// reply.
	IdleThreshold int
	// ReconnectDelay is slept between dropping a link and reopening it.
	ReconnectDelay time.Duration
	// CommandDelay paces the bus after each successful command.
	CommandDelay time.Duration
	// Policy picks the exhaustion behavior.
	Policy Policy
	// LogSize bounds the in-memory diagnostic log.
	LogSize int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 4
	}
	if o.PerReadTimeout <= 0 {
		o.PerReadTimeout = 100 * time.Millisecond
	}
	if o.ReadInterval < 0 {
		o.ReadInterval = 0
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 3
	}
	if o.ReconnectDelay < 0 {
		o.ReconnectDelay = 0
	}
	if o.LogSize <= 0 {
		o.LogSize = 256
	}
	return o
}

// Response is a successfully dispatched command's reply.
type Response struct {
	// Text is the assembled reply with surrounding whitespace stripped.
	Text string
	// Reason records how the reply completed.
	Reason CompleteReason
	// Attempts is how many deliveries it took.
	Attempts int
	// Elapsed covers the whole dispatch including retries.
	Elapsed time.Duration
}

// LogEntry is one attempt in the diagnostic log.
type LogEntry struct {
	Time     time.Time
	Command  string
	Response string
	Attempt  int
	Timeout  time.Duration
	Elapsed  time.Duration
	Outcome  string
}

// diagLog is a bounded append log; oldest entries fall off the front.
type diagLog struct {
	mu      sync.Mutex
	max     int
	entries []LogEntry
}

func (l *diagLog) append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

func (l *diagLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Dispatcher serializes command traffic onto one serial link. All commands
// funnel through a single mutex, so concurrent callers cannot interleave
// bytes on the wire.
type Dispatcher struct {
	mu   sync.Mutex
	conn *serialport.Conn
	opts Options
	log  *logrus.Logger
	diag *diagLog
	seq  uint64
}

// New wraps conn in a Dispatcher. A nil logger discards output.
func New(conn *serialport.Conn, opts Options, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	opts = opts.withDefaults()
	return &Dispatcher{
		conn: conn,
		opts: opts,
		log:  log,
		diag: &diagLog{max: opts.LogSize},
	}
}

// Options returns the effective, defaulted options.
func (d *Dispatcher) Options() Options { return d.opts }

// Log returns a copy of the diagnostic log, oldest first.
func (d *Dispatcher) Log() []LogEntry { return d.diag.snapshot() }

// Dispatch sends command and waits for one complete, non-empty reply,
// retrying with widened timeouts and link cycling as needed.
func (d *Dispatcher) Dispatch(command string) (*Response, error) {
	return d.DispatchTimeout(command, d.opts.Timeout)
}

// DispatchTimeout is Dispatch with an explicit base timeout for this one
// command. Handshake probes use it to fail fast.
func (d *Dispatcher) DispatchTimeout(command string, baseTimeout time.Duration) (*Response, error) {
	if command == "" || !strings.HasPrefix(command, ":") {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidCommand, command)
	}
	if baseTimeout <= 0 {
		baseTimeout = d.opts.Timeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	cmdID := fmt.Sprintf("cmd-%06d", d.seq)

	wire := command
	if !strings.HasSuffix(wire, "\r\n") {
		wire += "\r\n"
	}

	maxAttempts := d.opts.MaxAttempts
	if d.opts.Policy == PolicyRetry {
		// The retry policy's extra round is granted up front rather than
		// restarting the loop after exhaustion.
		maxAttempts++
	}

	start := time.Now()
	lastReason := TimedOut
	lastPartial := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		timeout := attemptTimeout(baseTimeout, d.opts.BackoffFactor, attempt)

		if !d.conn.Connected() {
			if err := d.reopenLink(); err != nil {
				d.record(command, "reconnect error: "+err.Error(), attempt, timeout, 0, "error")
				if attempt == maxAttempts {
					monitor.CommandsTotal.WithLabelValues("link_lost").Inc()
					return nil, &LinkError{Command: command, Err: err}
				}
				continue
			}
		}

		d.log.WithFields(logrus.Fields{
			"id":      cmdID,
			"command": command,
			"attempt": attempt,
			"timeout": timeout,
		}).Debug("Dispatching command")

		if _, err := d.conn.Write([]byte(wire)); err != nil {
			d.record(command, "write error: "+err.Error(), attempt, timeout, 0, "error")
			d.log.WithFields(logrus.Fields{"id": cmdID, "attempt": attempt}).
				WithError(err).Warn("Command write failed")
			d.conn.Close()
			continue
		}

		asm, err := Assemble(d.conn.ReadChunk, AssembleParams{
			PerReadTimeout: d.opts.PerReadTimeout,
			OverallTimeout: timeout,
			IdleThreshold:  d.opts.IdleThreshold,
			ReadInterval:   d.opts.ReadInterval,
		})
		if err != nil {
			d.record(command, "read error: "+err.Error(), attempt, timeout, asm.Elapsed, "error")
			d.log.WithFields(logrus.Fields{"id": cmdID, "attempt": attempt}).
				WithError(err).Warn("Response read failed")
			d.conn.Close()
			continue
		}

		lastReason = asm.Reason
		lastPartial = asm.Text

		// A reply counts only when assembly completed and produced text.
		// Idle completion with nothing received is how silence looks, and
		// silence gets retried.
		if asm.Reason.Complete() && asm.Text != "" {
			d.record(command, asm.Text, attempt, timeout, asm.Elapsed, "complete")
			d.log.WithFields(logrus.Fields{
				"id":       cmdID,
				"response": asm.Text,
				"attempt":  attempt,
				"reason":   asm.Reason.String(),
				"elapsed":  asm.Elapsed,
			}).Debug("Command complete")
			monitor.CommandsTotal.WithLabelValues("complete").Inc()
			monitor.CommandDuration.Observe(time.Since(start).Seconds())
			if d.opts.CommandDelay > 0 {
				time.Sleep(d.opts.CommandDelay)
			}
			return &Response{
				Text:     asm.Text,
				Reason:   asm.Reason,
				Attempts: attempt,
				Elapsed:  time.Since(start),
			}, nil
		}

		if asm.Text != "" {
			d.record(command, "incomplete: "+asm.Text, attempt, timeout, asm.Elapsed, "partial")
			d.log.WithFields(logrus.Fields{"id": cmdID, "attempt": attempt, "partial": asm.Text}).
				Warn("Incomplete response")
		} else {
			d.record(command, "no response", attempt, timeout, asm.Elapsed, "silent")
			d.log.WithFields(logrus.Fields{"id": cmdID, "attempt": attempt, "timeout": timeout}).
				Warn("No response")
		}

		if attempt < maxAttempts {
			monitor.CommandRetries.Inc()
			// Cycling the link between attempts clears whatever state the
			// instrument's UART got wedged into.
			if err := d.cycleLink(); err != nil {
				d.log.WithFields(logrus.Fields{"id": cmdID, "attempt": attempt}).
					WithError(err).Warn("Reconnect between attempts failed")
			}
		}
	}

	monitor.CommandDuration.Observe(time.Since(start).Seconds())
	noResp := &NoResponseError{
		Command:    command,
		Attempts:   maxAttempts,
		LastReason: lastReason,
		Partial:    lastPartial,
	}
	d.log.WithFields(logrus.Fields{"id": cmdID, "command": command, "attempts": maxAttempts}).
		Error("Command exhausted all attempts")
	if d.opts.Policy == PolicyStop {
		monitor.CommandsTotal.WithLabelValues("aborted").Inc()
		return nil, &LinkError{Command: command, Err: noResp}
	}
	monitor.CommandsTotal.WithLabelValues("no_response").Inc()
	return nil, noResp
}

// cycleLink drops and reopens the connection between attempts.
func (d *Dispatcher) cycleLink() error {
	d.conn.Close()
	return d.reopenLink()
}

// reopenLink waits out the reconnect delay and reopens the last port.
func (d *Dispatcher) reopenLink() error {
	monitor.Reconnects.Inc()
	if d.opts.ReconnectDelay > 0 {
		time.Sleep(d.opts.ReconnectDelay)
	}
	if err := d.conn.Reconnect(); err != nil {
		monitor.LinkConnected.Set(0)
		return err
	}
	monitor.LinkConnected.Set(1)
	return nil
}

func (d *Dispatcher) record(command, response string, attempt int, timeout, elapsed time.Duration, outcome string) {
	d.diag.append(LogEntry{
		Time:     time.Now(),
		Command:  command,
		Response: response,
		Attempt:  attempt,
		Timeout:  timeout,
		Elapsed:  elapsed,
		Outcome:  outcome,
	})
}

// attemptTimeout widens the base timeout by factor^(attempt-1).
func attemptTimeout(base time.Duration, factor, attempt int) time.Duration {
	t := base
	for i := 1; i < attempt; i++ {
		t *= time.Duration(factor)
	}
	return t
}
