package devlink

import (
	"errors"
	"testing"
	"time"
)

func testLink(t *testing.T, cfg Config, port *ScriptedPort) *Link {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	return NewWithConn(cfg, port)
}

func TestQueryStripsTerminator(t *testing.T) {
	port := NewScriptedPort(func(cmd string) string {
		if cmd == "Status" {
			return "Running\r\n>"
		}
		return "OK\r\n>"
	})
	link := testLink(t, Config{Terminator: "\r\n>", Strip: ">"}, port)

	got := link.Query("Status")
	if got != "Running" {
		t.Errorf("Query(Status) = %q, want %q", got, "Running")
	}
	if !link.Connected() {
		t.Error("link should remain connected after a successful query")
	}
	if link.LastResponse() != "Running" {
		t.Errorf("LastResponse = %q, want %q", link.LastResponse(), "Running")
	}
}

func TestReceiveStripsPromptCharacters(t *testing.T) {
	port := NewScriptedPort(nil)
	port.Preload("123.4 >56.7\r\n>")
	link := testLink(t, Config{Terminator: "\r\n>", Strip: ">"}, port)

	if got := link.Receive(); got != "123.4 56.7" {
		t.Errorf("Receive() = %q, want %q", got, "123.4 56.7")
	}
}

func TestReceiveAccumulatesChunks(t *testing.T) {
	port := NewScriptedPort(nil)
	link := testLink(t, Config{Timeout: 300 * time.Millisecond}, port)

	go func() {
		time.Sleep(20 * time.Millisecond)
		port.Preload("12")
		time.Sleep(20 * time.Millisecond)
		port.Preload("3.5\r\n")
	}()

	if got := link.Receive(); got != "123.5" {
		t.Errorf("Receive() = %q, want %q", got, "123.5")
	}
}

func TestReceiveTimeoutDegradesLink(t *testing.T) {
	port := NewScriptedPort(func(string) string { return "" })
	link := testLink(t, Config{Timeout: 50 * time.Millisecond}, port)

	if got := link.Query("RD"); got != "" {
		t.Errorf("Query on silent device = %q, want empty", got)
	}
	if link.Connected() {
		t.Error("link should be disconnected after a receive timeout")
	}
}

func TestReadErrorDegradesLink(t *testing.T) {
	port := NewScriptedPort(nil)
	port.ReadError = errors.New("io failure")
	link := testLink(t, Config{}, port)

	if got := link.Receive(); got != "" {
		t.Errorf("Receive() = %q, want empty on read error", got)
	}
	if link.Connected() {
		t.Error("link should be disconnected after a read error")
	}
}

func TestSendAfterDisconnectIsNoop(t *testing.T) {
	port := NewScriptedPort(nil)
	link := testLink(t, Config{}, port)
	link.Disconnect()

	link.Send("SetMass 1.0000E+00")
	if len(port.Commands) != 0 {
		t.Errorf("commands written after disconnect: %v", port.Commands)
	}
}

func TestSerialConnectBytes(t *testing.T) {
	port := NewScriptedPort(nil)
	link := New(Config{
		Device:       "/dev/ttyUSB0",
		ConnectBytes: []byte{4},
	})
	link.dial = func(Config) (Conn, error) { return port, nil }

	if err := link.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(port.RawWrites) != 1 || port.RawWrites[0][0] != 4 {
		t.Errorf("expected ^D written on serial connect, got %v", port.RawWrites)
	}
}

func TestConnectRefused(t *testing.T) {
	link := New(Config{Host: "127.0.0.1", Port: 1})
	link.dial = func(Config) (Conn, error) { return nil, errors.New("refused") }

	err := link.Connect()
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("Connect error = %v, want ErrConnectionRefused", err)
	}
	if link.Connected() {
		t.Error("link must not report connected after a failed connect")
	}
}
