package serialport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestConnOperationsBeforeConnect(t *testing.T) {
	conn := NewConn(NewMockFactory(NewTestablePort()), Options{}, nil)

	if conn.Connected() {
		t.Error("new Conn reports connected")
	}
	if _, err := conn.Write([]byte(":00")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write before connect = %v, want ErrNotConnected", err)
	}
	if _, err := conn.ReadChunk(time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadChunk before connect = %v, want ErrNotConnected", err)
	}
	if err := conn.Reconnect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Reconnect before connect = %v, want ErrNotConnected", err)
	}
}

func TestConnConnectAndIO(t *testing.T) {
	port := NewTestablePort()
	factory := NewMockFactory(port)
	conn := NewConn(factory, Options{BaudRate: 115200}, nil)

	if err := conn.Connect("TEST0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !conn.Connected() {
		t.Fatal("Connected() = false after successful connect")
	}
	if conn.PortName() != "TEST0" {
		t.Errorf("PortName = %q, want TEST0", conn.PortName())
	}
	if call := factory.LastCall(); call == nil || call.Path != "TEST0" {
		t.Errorf("factory was not asked to open TEST0: %+v", call)
	}

	if _, err := conn.Write([]byte(":00\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := port.Written(); !bytes.Equal(got, []byte(":00\r\n")) {
		t.Errorf("written bytes = %q, want %q", got, ":00\r\n")
	}

	port.AddReadData([]byte(":55555555\r"))
	chunk, err := conn.ReadChunk(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if !bytes.Equal(chunk, []byte(":55555555\r")) {
		t.Errorf("ReadChunk = %q, want %q", chunk, ":55555555\r")
	}

	// Empty buffer should look like an idle interval, not an error.
	chunk, err = conn.ReadChunk(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("idle ReadChunk failed: %v", err)
	}
	if chunk != nil {
		t.Errorf("idle ReadChunk = %q, want nil", chunk)
	}
}

func TestConnReadChunkSetsTimeout(t *testing.T) {
	port := NewTestablePort()
	conn := NewConn(NewMockFactory(port), Options{}, nil)
	if err := conn.Connect("TEST0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := conn.ReadChunk(50 * time.Millisecond); err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if len(port.ReadTimeouts) != 1 || port.ReadTimeouts[0] != 50*time.Millisecond {
		t.Errorf("recorded read timeouts = %v, want [50ms]", port.ReadTimeouts)
	}
}

func TestConnConnectWhileOpenReconnects(t *testing.T) {
	first := NewTestablePort()
	factory := NewMockFactory(first)
	conn := NewConn(factory, Options{}, nil)

	if err := conn.Connect("TEST0"); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}

	second := NewTestablePort()
	factory.Port = second
	if err := conn.Connect("TEST1"); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	if !first.Closed {
		t.Error("first port was not closed on reconnect")
	}
	if len(factory.OpenCalls) != 2 {
		t.Errorf("open calls = %d, want 2", len(factory.OpenCalls))
	}
	if conn.PortName() != "TEST1" {
		t.Errorf("PortName = %q, want TEST1", conn.PortName())
	}
}

func TestConnConnectFailure(t *testing.T) {
	factory := NewMockFactory(nil)
	factory.Err = errors.New("device busy")
	conn := NewConn(factory, Options{}, nil)

	err := conn.Connect("TEST0")
	if err == nil {
		t.Fatal("Connect succeeded against a failing factory")
	}
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("Connect error = %T, want *ConnectionError", err)
	}
	if cerr.Port != "TEST0" {
		t.Errorf("ConnectionError.Port = %q, want TEST0", cerr.Port)
	}
	if conn.Connected() {
		t.Error("Connected() = true after failed connect")
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	port := NewTestablePort()
	conn := NewConn(NewMockFactory(port), Options{}, nil)
	if err := conn.Connect("TEST0"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if conn.Connected() {
		t.Error("Connected() = true after Close")
	}
	if _, err := conn.Write([]byte(":00")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write after Close = %v, want ErrNotConnected", err)
	}
}

func TestConnReconnectReusesPort(t *testing.T) {
	port := NewTestablePort()
	factory := NewMockFactory(port)
	conn := NewConn(factory, Options{}, nil)
	if err := conn.Connect("TEST3"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	factory.Port = NewTestablePort()
	if err := conn.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if call := factory.LastCall(); call == nil || call.Path != "TEST3" {
		t.Errorf("Reconnect opened %+v, want TEST3", call)
	}
}
