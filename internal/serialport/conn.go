package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// readChunkSize bounds a single ReadChunk. Instrument replies are short
// (at most 18 bytes), so one chunk always fits a whole reply.
const readChunkSize = 256

// Conn manages the single physical connection to the instrument. It carries
// no locking of its own: the dispatcher serializes all access, and nothing
// else may touch the port while a command is in flight.
type Conn struct {
	factory Factory
	opts    Options
	log     *logrus.Logger

	port Porter
	name string // last connected port, reused by Reconnect
}

// NewConn returns a Conn that opens ports through the given factory. The
// connection starts closed; call Connect before any I/O.
func NewConn(factory Factory, opts Options, log *logrus.Logger) *Conn {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Conn{factory: factory, opts: opts, log: log}
}

// Connect opens the named port. Connecting while a connection is already
// open is treated as a reconnect: the old port is closed first, never
// silently duplicated.
func (c *Conn) Connect(name string) error {
	if c.port != nil {
		c.log.WithField("port", c.name).Debug("closing existing connection before reconnect")
		if err := c.Close(); err != nil {
			c.log.WithError(err).Warn("close before reconnect failed")
		}
	}

	port, err := c.factory.Open(name, c.opts)
	if err != nil {
		var cerr *ConnectionError
		if !errors.As(err, &cerr) {
			err = &ConnectionError{Port: name, Err: err}
		}
		return err
	}

	c.port = port
	c.name = name
	c.log.WithFields(logrus.Fields{"port": name, "baud": c.opts.BaudRate}).Info("serial port connected")
	return nil
}

// Reconnect reopens the most recently connected port.
func (c *Conn) Reconnect() error {
	if c.name == "" {
		return fmt.Errorf("serialport: no previous port to reconnect: %w", ErrNotConnected)
	}
	return c.Connect(c.name)
}

// Close shuts the port down. It is idempotent: closing an already-closed
// connection is a no-op.
func (c *Conn) Close() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	if err != nil {
		return fmt.Errorf("serialport: close %s: %w", c.name, err)
	}
	c.log.WithField("port", c.name).Debug("serial port closed")
	return nil
}

// Connected reports whether a port is currently open.
func (c *Conn) Connected() bool { return c.port != nil }

// PortName returns the name of the last connected port, or "" before the
// first Connect.
func (c *Conn) PortName() string { return c.name }

// Write sends raw bytes to the port.
func (c *Conn) Write(p []byte) (int, error) {
	if c.port == nil {
		return 0, ErrNotConnected
	}
	n, err := c.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serialport: write: %w", err)
	}
	if n != len(p) {
		return n, fmt.Errorf("serialport: short write: %d of %d bytes", n, len(p))
	}
	return n, nil
}

// ReadChunk performs one bounded read. A nil slice with nil error means the
// port was idle for the duration of the timeout; the response assembler
// counts those toward its idle threshold.
func (c *Conn) ReadChunk(timeout time.Duration) ([]byte, error) {
	if c.port == nil {
		return nil, ErrNotConnected
	}

	if tp, ok := c.port.(TimeoutPorter); ok {
		if err := tp.SetReadTimeout(timeout); err != nil {
			return nil, fmt.Errorf("serialport: set read timeout: %w", err)
		}
	}

	buf := make([]byte, readChunkSize)
	n, err := c.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("serialport: read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}
