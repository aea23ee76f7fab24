package serialport

import (
	"testing"
)

func TestOptionsNormalizeDefaults(t *testing.T) {
	opts, err := Options{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize returned error for zero options: %v", err)
	}
	if opts.BaudRate != 115200 {
		t.Errorf("default baud rate = %d, want 115200", opts.BaudRate)
	}
	if opts.DataBits != 8 {
		t.Errorf("default data bits = %d, want 8", opts.DataBits)
	}
	if opts.StopBits != 1 {
		t.Errorf("default stop bits = %d, want 1", opts.StopBits)
	}
	if opts.Parity != "N" {
		t.Errorf("default parity = %q, want N", opts.Parity)
	}
}

func TestOptionsNormalizeParityForms(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "N"},
		{"n", "N"},
		{"none", "N"},
		{"even", "E"},
		{"E", "E"},
		{"ODD", "O"},
		{" o ", "O"},
	}
	for _, c := range cases {
		opts, err := Options{Parity: c.in}.Normalize()
		if err != nil {
			t.Errorf("Normalize(parity=%q) returned error: %v", c.in, err)
			continue
		}
		if opts.Parity != c.want {
			t.Errorf("Normalize(parity=%q) = %q, want %q", c.in, opts.Parity, c.want)
		}
	}
}

func TestOptionsNormalizeInvalid(t *testing.T) {
	cases := []Options{
		{DataBits: 3},
		{DataBits: 9},
		{StopBits: 5},
		{Parity: "X"},
	}
	for _, c := range cases {
		if _, err := c.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) succeeded, want error", c)
		}
	}
}

func TestOptionsEqual(t *testing.T) {
	if !(Options{}).Equal(Options{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "none"}) {
		t.Error("defaults should equal the explicit default configuration")
	}
	if (Options{}).Equal(Options{BaudRate: 9600}) {
		t.Error("differing baud rates should not be equal")
	}
	if (Options{Parity: "X"}).Equal(Options{Parity: "X"}) {
		t.Error("invalid options should never compare equal")
	}
}
