package devlink

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptionsNormalizeDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if opts.BaudRate != 19200 || opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("unexpected defaults: %+v", opts)
	}
}

func TestPortOptionsNormalizeRejectsInvalid(t *testing.T) {
	cases := []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "Q"},
	}
	for _, c := range cases {
		if _, err := c.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) succeeded, want error", c)
		}
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
		want serial.Mode
	}{
		{
			name: "cambustion classifier",
			opts: PortOptions{BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "N"},
			want: serial.Mode{BaudRate: 19200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity},
		},
		{
			name: "tsi legacy dma",
			opts: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 1, Parity: "E"},
			want: serial.Mode{BaudRate: 9600, DataBits: 7, StopBits: serial.OneStopBit, Parity: serial.EvenParity},
		},
		{
			name: "long form parity",
			opts: PortOptions{BaudRate: 115200, Parity: "none"},
			want: serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := tt.opts.SerialMode()
			if err != nil {
				t.Fatalf("SerialMode: %v", err)
			}
			if *mode != tt.want {
				t.Errorf("SerialMode = %+v, want %+v", *mode, tt.want)
			}
		})
	}
}

func TestPortOptionsEqual(t *testing.T) {
	a := PortOptions{BaudRate: 19200}
	b := PortOptions{BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "NONE"}
	if !a.Equal(b) {
		t.Errorf("expected %+v and %+v to normalize equal", a, b)
	}
	c := PortOptions{BaudRate: 9600}
	if a.Equal(c) {
		t.Errorf("expected %+v and %+v to differ", a, c)
	}
}
