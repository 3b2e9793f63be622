package devlink

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// ScriptedPort implements Conn for testing instrument wrappers without
// hardware. Writes are split into CR LF terminated commands and fed to the
// Responder, whose return value is queued for subsequent reads. Raw bytes
// that do not form a complete command line (control characters like ^D and
// ^C) are recorded but not dispatched.
type ScriptedPort struct {
	mu sync.Mutex

	// Responder maps a received command to the device's reply. Returning
	// the empty string queues nothing, which makes the next Receive time
	// out. If nil, every command is acknowledged with "OK\r\n>".
	Responder func(cmd string) string

	// Commands records every complete command line written, in order.
	Commands []string

	// RawWrites records writes that carried no newline (control bytes).
	RawWrites [][]byte

	// WriteError, if set, is returned by the next Write call.
	WriteError error

	// ReadError, if set, is returned by the next Read call.
	ReadError error

	readBuf bytes.Buffer
	partial bytes.Buffer
	timeout time.Duration
	closed  bool
}

// NewScriptedPort creates a port that answers every command with the given
// responder.
func NewScriptedPort(responder func(cmd string) string) *ScriptedPort {
	return &ScriptedPort{Responder: responder}
}

// Preload queues bytes for reading without any command being written. Used
// to simulate unsolicited output such as connect greetings and autonomous
// scan data.
func (p *ScriptedPort) Preload(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(s)
}

func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	if p.closed {
		return 0, &portClosedError{}
	}

	p.partial.Write(b)
	for {
		s := p.partial.String()
		idx := strings.Index(s, "\r\n")
		if idx < 0 {
			break
		}
		cmd := s[:idx]
		p.partial.Reset()
		p.partial.WriteString(s[idx+2:])
		if cmd == "" {
			continue
		}
		if !isPrintable(cmd) {
			p.RawWrites = append(p.RawWrites, []byte(cmd))
			continue
		}
		p.Commands = append(p.Commands, cmd)
		reply := "OK\r\n>"
		if p.Responder != nil {
			reply = p.Responder(cmd)
		}
		if reply != "" {
			p.readBuf.WriteString(reply)
		}
	}
	// Keep lone control bytes (the serial-connect ^D never gets a newline).
	if s := p.partial.String(); s != "" && !isPrintable(s) {
		p.RawWrites = append(p.RawWrites, []byte(s))
		p.partial.Reset()
	}
	return len(b), nil
}

func (p *ScriptedPort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.readTimeout())
	for {
		p.mu.Lock()
		if p.ReadError != nil {
			err := p.ReadError
			p.ReadError = nil
			p.mu.Unlock()
			return 0, err
		}
		if p.closed {
			p.mu.Unlock()
			return 0, &portClosedError{}
		}
		if p.readBuf.Len() > 0 {
			n, _ := p.readBuf.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, nil // timeout: no data, matching serial port semantics
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *ScriptedPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func (p *ScriptedPort) readTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout <= 0 {
		return 10 * time.Millisecond
	}
	return p.timeout
}

// CommandCount returns how many times the given command was written.
func (p *ScriptedPort) CommandCount(cmd string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Commands {
		if c == cmd || strings.HasPrefix(c, cmd+" ") {
			n++
		}
	}
	return n
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 {
			return false
		}
	}
	return true
}

type portClosedError struct{}

func (*portClosedError) Error() string { return "port closed" }
