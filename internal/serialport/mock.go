package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// TestablePort implements TimeoutPorter with configurable behaviour for
// testing. It gives fine-grained control over reads, writes, errors, and
// latency. Unlike a plain buffer, reading while empty returns zero bytes
// with a nil error, matching how a real port behaves when its read timeout
// expires with no data.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeouts records every timeout passed to SetReadTimeout
	ReadTimeouts []time.Duration
}

// NewTestablePort creates a new TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read drains the read buffer, optionally simulating latency and errors. An
// empty buffer yields (0, nil), the idle signal the assembler counts.
func (t *TestablePort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write appends to the write buffer, optionally simulating latency and errors.
func (t *TestablePort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutPorter and records the requested timeout.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeouts = append(t.ReadTimeouts, timeout)
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// Written returns all data written to the port so far.
func (t *TestablePort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// Reset clears all buffers and recorded state.
func (t *TestablePort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
	t.ReadLatency = 0
	t.WriteLatency = 0
	t.ReadTimeouts = nil
}

// MockFactory implements Factory for testing.
type MockFactory struct {
	mu sync.Mutex

	// Port is returned from Open unless Err is set
	Port Porter

	// Err is returned by Open if set
	Err error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records the arguments of one Open call.
type MockOpenCall struct {
	Path string
	Opts Options
}

// NewMockFactory creates a MockFactory that hands out the given port.
func NewMockFactory(port Porter) *MockFactory {
	return &MockFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockFactory) Open(path string, opts Options) (Porter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})

	if f.Err != nil {
		return nil, f.Err
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
