// Package serialport owns the byte-level serial connection to the
// instrument: open, close, reconnect, raw writes, and bounded reads. It is
// deliberately thin; framing and retry logic live above it in the dispatch
// package, and everything above treats the connection as the single point of
// exclusive hardware access.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Porter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without instrument hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter extends Porter with a read deadline. Ports that implement it
// get true bounded reads; for the rest, ReadChunk relies on the port
// returning zero bytes when idle.
type TimeoutPorter interface {
	Porter
	SetReadTimeout(timeout time.Duration) error
}

// Factory creates serial ports. The indirection enables dependency injection
// of port creation, so tests and the digital twin can stand in for hardware.
type Factory interface {
	Open(path string, opts Options) (Porter, error)
}

// FactoryFunc adapts a plain function to the Factory interface.
type FactoryFunc func(path string, opts Options) (Porter, error)

// Open implements Factory.
func (f FactoryFunc) Open(path string, opts Options) (Porter, error) {
	return f(path, opts)
}

// ErrNotConnected is returned by operations that require an open port.
var ErrNotConnected = errors.New("serialport: not connected")

// ConnectionError reports a failure to open a serial port.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("serialport: open %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
