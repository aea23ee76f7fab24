package dispatch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spectra-data/aquascan/internal/serialport"
)

// scriptFactory hands out scripted ports in Open order. Opens past the
// script get fresh silent ports; failFrom (1-based, 0 disables) makes that
// Open and all later ones fail.
type scriptFactory struct {
	ports    []*serialport.TestablePort
	failFrom int
	opens    int
}

func (f *scriptFactory) Open(string, serialport.Options) (serialport.Porter, error) {
	f.opens++
	if f.failFrom > 0 && f.opens >= f.failFrom {
		return nil, errors.New("no such device")
	}
	if f.opens <= len(f.ports) {
		return f.ports[f.opens-1], nil
	}
	return serialport.NewTestablePort(), nil
}

func replyPort(reply string) *serialport.TestablePort {
	p := serialport.NewTestablePort()
	if reply != "" {
		p.AddReadData([]byte(reply))
	}
	return p
}

func fastOpts() Options {
	return Options{
		Timeout:        20 * time.Millisecond,
		MaxAttempts:    3,
		BackoffFactor:  4,
		PerReadTimeout: time.Millisecond,
		IdleThreshold:  2,
		Policy:         PolicyContinue,
	}
}

func newTestDispatcher(t *testing.T, f serialport.Factory, opts Options) *Dispatcher {
	t.Helper()
	conn := serialport.NewConn(f, serialport.Options{}, nil)
	if err := conn.Connect("/dev/ttyACM0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return New(conn, opts, nil)
}

func countOutcome(entries []LogEntry, outcome string) int {
	n := 0
	for _, e := range entries {
		if e.Outcome == outcome {
			n++
		}
	}
	return n
}

func TestDispatchSuccess(t *testing.T) {
	f := &scriptFactory{ports: []*serialport.TestablePort{replyPort(":00\r")}}
	d := newTestDispatcher(t, f, fastOpts())

	resp, err := d.Dispatch(":043000000400")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Text != ":00" {
		t.Errorf("text = %q, want %q", resp.Text, ":00")
	}
	if resp.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", resp.Attempts)
	}
	if resp.Reason != Idle {
		t.Errorf("reason = %s, want idle for a bare-\\r reply", resp.Reason)
	}

	written := string(f.ports[0].Written())
	if written != ":043000000400\r\n" {
		t.Errorf("wire bytes = %q, want command with CRLF appended", written)
	}
}

func TestDispatchTerminatedReply(t *testing.T) {
	f := &scriptFactory{ports: []*serialport.TestablePort{replyPort(":03CS00000DB6\r\n")}}
	d := newTestDispatcher(t, f, fastOpts())

	resp, err := d.Dispatch(":0230")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Reason != Terminator {
		t.Errorf("reason = %s, want terminator", resp.Reason)
	}
	if resp.Text != ":03CS00000DB6" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestDispatchRetriesUntilResponse(t *testing.T) {
	// First two ports stay silent; the third answers.
	f := &scriptFactory{ports: []*serialport.TestablePort{
		replyPort(""),
		replyPort(""),
		replyPort(":55555555\r"),
	}}
	d := newTestDispatcher(t, f, fastOpts())

	resp, err := d.Dispatch(":00")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", resp.Attempts)
	}
	if resp.Text != ":55555555" {
		t.Errorf("text = %q", resp.Text)
	}
	if f.opens != 3 {
		t.Errorf("factory opens = %d, want 3 (initial connect plus two link cycles)", f.opens)
	}

	entries := d.Log()
	if got := countOutcome(entries, "silent"); got != 2 {
		t.Errorf("silent log entries = %d, want 2", got)
	}
	if got := countOutcome(entries, "complete"); got != 1 {
		t.Errorf("complete log entries = %d, want 1", got)
	}
}

func TestDispatchBackoffWidensTimeouts(t *testing.T) {
	f := &scriptFactory{}
	opts := fastOpts()
	d := newTestDispatcher(t, f, opts)

	_, err := d.Dispatch(":0230")
	if err == nil {
		t.Fatal("Dispatch should fail when the device never answers")
	}

	var noResp *NoResponseError
	if !errors.As(err, &noResp) {
		t.Fatalf("error %v should be a NoResponseError under the continue policy", err)
	}
	if noResp.Attempts != opts.MaxAttempts {
		t.Errorf("attempts = %d, want %d", noResp.Attempts, opts.MaxAttempts)
	}
	var link *LinkError
	if errors.As(err, &link) {
		t.Errorf("continue policy must not escalate to a LinkError, got %v", err)
	}

	var timeouts []time.Duration
	for _, e := range d.Log() {
		if e.Outcome == "silent" {
			timeouts = append(timeouts, e.Timeout)
		}
	}
	if len(timeouts) != opts.MaxAttempts {
		t.Fatalf("silent attempts = %d, want %d", len(timeouts), opts.MaxAttempts)
	}
	want := opts.Timeout
	for i, got := range timeouts {
		if got != want {
			t.Errorf("attempt %d timeout = %v, want %v", i+1, got, want)
		}
		want *= time.Duration(opts.BackoffFactor)
	}
}

func TestDispatchRetryPolicyGrantsExtraRound(t *testing.T) {
	f := &scriptFactory{}
	opts := fastOpts()
	opts.MaxAttempts = 2
	opts.Policy = PolicyRetry
	d := newTestDispatcher(t, f, opts)

	_, err := d.Dispatch(":0700")
	var noResp *NoResponseError
	if !errors.As(err, &noResp) {
		t.Fatalf("error %v should be a NoResponseError", err)
	}
	if noResp.Attempts != 3 {
		t.Errorf("attempts = %d, want configured 2 plus the retry round", noResp.Attempts)
	}
}

func TestDispatchStopPolicyEscalates(t *testing.T) {
	f := &scriptFactory{}
	opts := fastOpts()
	opts.MaxAttempts = 1
	opts.Policy = PolicyStop
	d := newTestDispatcher(t, f, opts)

	_, err := d.Dispatch(":0230")
	var link *LinkError
	if !errors.As(err, &link) {
		t.Fatalf("stop policy should produce a LinkError, got %v", err)
	}
	var noResp *NoResponseError
	if !errors.As(err, &noResp) {
		t.Errorf("LinkError should wrap the underlying NoResponseError, got %v", err)
	}
}

func TestDispatchLinkLossEscalates(t *testing.T) {
	// The initial connect works; every reopen after that fails, so the
	// dispatcher runs out of link rather than out of patience.
	f := &scriptFactory{failFrom: 2}
	opts := fastOpts()
	opts.MaxAttempts = 2
	d := newTestDispatcher(t, f, opts)

	_, err := d.Dispatch(":0230")
	var link *LinkError
	if !errors.As(err, &link) {
		t.Fatalf("lost transport should produce a LinkError, got %v", err)
	}
	var connErr *serialport.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("LinkError should wrap the connection failure, got %v", err)
	}
}

func TestDispatchInvalidCommand(t *testing.T) {
	f := &scriptFactory{}
	d := newTestDispatcher(t, f, fastOpts())

	for _, cmd := range []string{"", "0355", "read ch0"} {
		if _, err := d.Dispatch(cmd); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("Dispatch(%q) error = %v, want ErrInvalidCommand", cmd, err)
		}
	}
	if f.opens != 1 {
		t.Errorf("factory opens = %d, want only the initial connect", f.opens)
	}
}

func TestDispatchWriteErrorRecovers(t *testing.T) {
	broken := serialport.NewTestablePort()
	broken.WriteError = errors.New("input/output error")
	f := &scriptFactory{ports: []*serialport.TestablePort{broken, replyPort(":00\r")}}
	d := newTestDispatcher(t, f, fastOpts())

	resp, err := d.Dispatch(":080100000001")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", resp.Attempts)
	}
	if got := countOutcome(d.Log(), "error"); got != 1 {
		t.Errorf("error log entries = %d, want 1", got)
	}
}

func TestDispatchTimeoutOverride(t *testing.T) {
	f := &scriptFactory{}
	opts := fastOpts()
	opts.MaxAttempts = 1
	d := newTestDispatcher(t, f, opts)

	short := 5 * time.Millisecond
	if _, err := d.DispatchTimeout(":00", short); err == nil {
		t.Fatal("DispatchTimeout should fail when the device never answers")
	}

	entries := d.Log()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Timeout != short {
		t.Errorf("recorded timeout = %v, want override %v", entries[0].Timeout, short)
	}
}

func TestDispatchLogBounded(t *testing.T) {
	f := &scriptFactory{}
	opts := fastOpts()
	opts.MaxAttempts = 1
	opts.LogSize = 4
	d := newTestDispatcher(t, f, opts)

	for i := 0; i < 6; i++ {
		d.Dispatch(fmt.Sprintf(":07%02X", i))
	}

	entries := d.Log()
	if len(entries) != 4 {
		t.Fatalf("log entries = %d, want bounded at 4", len(entries))
	}
	if entries[0].Command != ":0702" {
		t.Errorf("oldest kept entry = %q, want %q", entries[0].Command, ":0702")
	}
	if entries[3].Command != ":0705" {
		t.Errorf("newest entry = %q, want %q", entries[3].Command, ":0705")
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"retry", PolicyRetry, false},
		{"Continue", PolicyContinue, false},
		{" STOP ", PolicyStop, false},
		{"panic", PolicyContinue, true},
		{"", PolicyContinue, true},
	}
	for _, c := range cases {
		got, err := ParsePolicy(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if !c.wantErr && got != c.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
