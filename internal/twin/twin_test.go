package twin

import (
	"strings"
	"testing"

	"github.com/spectra-data/aquascan/internal/proto"
)

// exchange writes one framed command and returns whatever reply bytes are
// waiting, terminator included.
func exchange(t *testing.T, tw *Twin, cmd string) string {
	t.Helper()
	if _, err := tw.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("Write(%q) failed: %v", cmd, err)
	}
	buf := make([]byte, 64)
	n, err := tw.Read(buf)
	if err != nil {
		t.Fatalf("Read after %q failed: %v", cmd, err)
	}
	return string(buf[:n])
}

func TestTwinHandshake(t *testing.T) {
	tw := New()

	got := exchange(t, tw, ":00")
	if got != ":55555555\r" {
		t.Errorf("handshake reply = %q, want %q with a bare \\r terminator", got, ":55555555\r")
	}
	if !proto.MatchesHandshake(strings.TrimSpace(got)) {
		t.Error("host-side handshake matcher rejected the twin's reply")
	}
}

func TestTwinParamRoundTrip(t *testing.T) {
	tw := New()

	if got := exchange(t, tw, ":043000000400"); got != ":00\r" {
		t.Fatalf("write ack = %q, want %q", got, ":00\r")
	}
	if got := tw.Param(3, 0); got != 0x400 {
		t.Errorf("stored param = %#x, want %#x", got, 0x400)
	}

	reply := strings.TrimSpace(exchange(t, tw, ":0230"))
	value, err := proto.ParseReadReply(reply)
	if err != nil {
		t.Fatalf("host parser rejected read reply %q: %v", reply, err)
	}
	if value != 0x400 {
		t.Errorf("read-back value = %#x, want %#x", value, 0x400)
	}
}

func TestTwinMeasureMatchesCurve(t *testing.T) {
	tw := New()
	tw.SetParam(2, paramDAC, 100)

	reply := strings.TrimSpace(exchange(t, tw, ":0702"))
	p1, p2, bg, err := proto.ParseMeasureReply(reply)
	if err != nil {
		t.Fatalf("host parser rejected measure reply %q: %v", reply, err)
	}

	wantP1, wantP2, wantBG := Curve(2, 100)
	if p1 != int(wantP1) || p2 != int(wantP2) || bg != int(wantBG) {
		t.Errorf("measured (%d, %d, %d), want (%d, %d, %d)", p1, p2, bg, wantP1, wantP2, wantBG)
	}
}

func TestCurveMonotonic(t *testing.T) {
	prev := -1
	for dac := uint32(0); dac <= 3520; dac += 64 {
		p1, p2, _ := Curve(0, dac)
		if int(p1) <= prev {
			t.Fatalf("pulse1 not strictly increasing at dac=%d: %d after %d", dac, p1, prev)
		}
		if p2 >= p1 {
			t.Errorf("pulse2 %d should sit below pulse1 %d at dac=%d", p2, p1, dac)
		}
		prev = int(p1)
	}
}

func TestTwinIndicator(t *testing.T) {
	tw := New()

	if got := exchange(t, tw, ":080500000001"); got != ":00\r" {
		t.Fatalf("indicator ack = %q, want %q", got, ":00\r")
	}
	if !tw.LED(5) {
		t.Error("LED 5 should be on")
	}

	if got := exchange(t, tw, ":080500000000"); got != ":00\r" {
		t.Fatalf("indicator ack = %q, want %q", got, ":00\r")
	}
	if tw.LED(5) {
		t.Error("LED 5 should be off")
	}
}

func TestTwinRefusesUnknown(t *testing.T) {
	tw := New()

	cases := []string{
		":99",           // unknown opcode
		":0247",         // read of parameter kind 7
		":047700000001", // write of parameter kind 7
		"garbage",
	}
	for _, cmd := range cases {
		if got := exchange(t, tw, cmd); got != ":FF\r" {
			t.Errorf("reply to %q = %q, want refusal %q", cmd, got, ":FF\r")
		}
	}
}

func TestTwinDropSwallowsReplies(t *testing.T) {
	tw := New()
	tw.Drop(1)

	if _, err := tw.Write([]byte(":00\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 16)
	if n, err := tw.Read(buf); err != nil || n != 0 {
		t.Errorf("Read after dropped reply = (%d, %v), want idle (0, nil)", n, err)
	}

	// The fault is spent; the next command answers normally.
	if got := exchange(t, tw, ":00"); got != ":55555555\r" {
		t.Errorf("reply after drop = %q, want normal handshake", got)
	}
}

func TestTwinTruncateCutsReply(t *testing.T) {
	tw := New()
	tw.Truncate(1)

	got := exchange(t, tw, ":0200")
	if got != ":03C" {
		t.Errorf("truncated reply = %q, want %q with no terminator", got, ":03C")
	}
}

func TestTwinSplitWrites(t *testing.T) {
	tw := New()

	for _, part := range []string{":04", "A0000", "00801\r", "\n"} {
		if _, err := tw.Write([]byte(part)); err != nil {
			t.Fatalf("Write(%q) failed: %v", part, err)
		}
	}
	buf := make([]byte, 16)
	n, err := tw.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := string(buf[:n]); got != ":00\r" {
		t.Errorf("reply = %q, want %q", got, ":00\r")
	}
	if got := tw.Param(0xA, 0); got != 0x801 {
		t.Errorf("param = %#x, want %#x", got, 0x801)
	}
}

func TestTwinCloseAndReopen(t *testing.T) {
	tw := New()
	tw.SetParam(1, 0, 42)

	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := tw.Write([]byte(":00\r\n")); err == nil {
		t.Error("Write on a closed twin should fail")
	}

	tw.Reopen()
	if got := exchange(t, tw, ":00"); got != ":55555555\r" {
		t.Errorf("reply after reopen = %q, want handshake", got)
	}
	if got := tw.Param(1, 0); got != 42 {
		t.Errorf("param after reopen = %d, want it preserved", got)
	}
}
