// Package devlink provides the transport abstraction shared by every
// instrument wrapper: a Link owns exactly one serial or stream-socket
// connection and offers synchronous send/receive/query primitives with a
// device-specific response framing rule. Links are not safe for concurrent
// use; each instrument wrapper owns its Link exclusively.
package devlink

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aerosol-data/tandem/internal/monitoring"
)

var (
	// ErrNotConnected is returned when a command is issued on a link whose
	// transport is closed or has been degraded by an earlier failure.
	ErrNotConnected = errors.New("devlink: not connected")

	// ErrConnectionRefused wraps a failed initial connect.
	ErrConnectionRefused = errors.New("devlink: connection refused")
)

// Conn is the minimal transport interface a Link drives. Both serial ports
// (go.bug.st/serial) and the TCP adapter satisfy it. The read timeout governs
// how long a single Read may block before returning with no data.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// Config carries everything needed to open and frame one device connection.
type Config struct {
	// Transport selection: if Device is set a serial port is opened,
	// otherwise Host/Port are dialled over TCP.
	Device string      `yaml:"device"`
	Serial PortOptions `yaml:"serial"`
	Host   string      `yaml:"host"`
	Port   int         `yaml:"port"`

	// Timeout bounds a whole Receive call. QueryDelay is the settling pause
	// between writing a command and reading its response; several devices
	// return garbage if read too early.
	Timeout    time.Duration `yaml:"timeout"`
	QueryDelay time.Duration `yaml:"query_delay"`

	// Terminator ends every response. Strip lists characters removed from
	// the returned payload (the Cambustion prompt echoes ">" mid-response).
	Terminator string `yaml:"-"`
	Strip      string `yaml:"-"`

	// ConnectBytes are written immediately after a serial connect and
	// DisconnectBytes immediately before closing a network connection.
	// Cambustion instruments want ^D to enter their terminal mode and
	// ^M^J^D to leave it.
	ConnectBytes    []byte `yaml:"-"`
	DisconnectBytes []byte `yaml:"-"`
}

// IsSerial reports whether the config selects a serial transport.
func (c Config) IsSerial() bool { return c.Device != "" }

// Addr returns the TCP dial address for network transports.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Link is the device connection. A zero Link is not usable; construct with
// New and call Connect before issuing commands.
type Link struct {
	cfg          Config
	conn         Conn
	connected    bool
	lastResponse string
	dial         func(Config) (Conn, error)
}

// New creates a Link for the given transport configuration. Defaults: one
// second timeout, "\r\n" terminator.
func New(cfg Config) *Link {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Terminator == "" {
		cfg.Terminator = "\r\n"
	}
	return &Link{cfg: cfg, dial: open}
}

// NewWithConn creates a Link over an already-open transport. Used by tests
// and by instrument wrappers that manage their own connection lifecycle.
func NewWithConn(cfg Config, conn Conn) *Link {
	l := New(cfg)
	l.conn = conn
	l.connected = true
	return l
}

// SetDialer overrides how the transport is opened. Tests use it to
// substitute a scripted port for real hardware.
func (l *Link) SetDialer(dial func(Config) (Conn, error)) { l.dial = dial }

// Connected reports whether the transport is believed healthy. A timeout or
// I/O error during Receive degrades the link to disconnected; the caller is
// expected to check this before the next command.
func (l *Link) Connected() bool { return l.connected }

// LastResponse returns the most recent raw payload received, for diagnostics
// when a command is rejected.
func (l *Link) LastResponse() string { return l.lastResponse }

// Config returns the link's transport configuration.
func (l *Link) Config() Config { return l.cfg }

// Connect opens the transport. It is an error to connect an already
// connected link.
func (l *Link) Connect() error {
	if l.connected {
		return nil
	}
	conn, err := l.dial(l.cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	l.conn = conn
	l.connected = true
	if l.cfg.IsSerial() && len(l.cfg.ConnectBytes) > 0 {
		if _, err := l.conn.Write(l.cfg.ConnectBytes); err != nil {
			l.Disconnect()
			return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
		}
	}
	return nil
}

// Disconnect closes the transport. Safe to call repeatedly.
func (l *Link) Disconnect() {
	if l.conn == nil {
		return
	}
	if !l.cfg.IsSerial() && len(l.cfg.DisconnectBytes) > 0 && l.connected {
		l.conn.Write(l.cfg.DisconnectBytes)
		time.Sleep(50 * time.Millisecond)
	}
	if err := l.conn.Close(); err != nil {
		monitoring.Logf("devlink: close %s: %v", l.describe(), err)
	}
	l.conn = nil
	l.connected = false
}

// Send writes one command, appending the CR LF the instruments expect. A
// write failure degrades the link.
func (l *Link) Send(cmd string) {
	if !l.connected {
		return
	}
	if _, err := l.conn.Write([]byte(cmd + "\r\n")); err != nil {
		monitoring.Logf("devlink: write %s: %v", l.describe(), err)
		l.connected = false
	}
}

// SendRaw writes bytes verbatim, without the terminator. Used for control
// characters such as the ^C that aborts an autonomous scan.
func (l *Link) SendRaw(p []byte) {
	if !l.connected {
		return
	}
	if _, err := l.conn.Write(p); err != nil {
		monitoring.Logf("devlink: write %s: %v", l.describe(), err)
		l.connected = false
	}
}

// Receive blocks up to the configured timeout, accumulating chunks until the
// terminator sequence is seen. It returns the payload with the terminator
// stripped. On I/O error, or timeout without a terminator, it returns the
// empty string and degrades the link to disconnected.
func (l *Link) Receive() string {
	s, ok := l.receiveUntil(l.cfg.Terminator, l.cfg.Timeout)
	if !ok {
		return ""
	}
	return s
}

// ReceiveUntil is Receive with an explicit terminator and timeout, for the
// few protocol phases that frame differently from the device default (the
// AAC's autonomous scan emits plain CR LF lines on a prompt-framed link).
func (l *Link) ReceiveUntil(terminator string, timeout time.Duration) string {
	s, ok := l.receiveUntil(terminator, timeout)
	if !ok {
		return ""
	}
	return s
}

func (l *Link) receiveUntil(terminator string, timeout time.Duration) (string, bool) {
	if !l.connected {
		return "", false
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1024)
	var chunks strings.Builder

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			monitoring.Logf("devlink: timeout awaiting %q from %s", terminator, l.describe())
			l.connected = false
			return "", false
		}
		if err := l.conn.SetReadTimeout(remaining); err != nil {
			l.connected = false
			return "", false
		}

		n, err := l.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			monitoring.Logf("devlink: read %s: %v", l.describe(), err)
			l.connected = false
			return "", false
		}
		if n > 0 {
			chunks.Write(buf[:n])
			if idx := strings.Index(chunks.String(), terminator); idx >= 0 {
				payload := chunks.String()[:idx]
				if l.cfg.Strip != "" {
					for _, r := range l.cfg.Strip {
						payload = strings.ReplaceAll(payload, string(r), "")
					}
				}
				l.lastResponse = payload
				return payload, true
			}
		}
		// A serial read that times out returns n == 0 with a nil error; the
		// deadline check at the top of the loop bounds how long we spin.
	}
}

// Drain reads whatever arrives within the window and returns it verbatim,
// terminator and all. Used for block responses that span several lines with
// no closing marker (the 3082 status and histogram dumps). Running out of
// data is expected and does not degrade the link; an I/O error does.
func (l *Link) Drain(window time.Duration) string {
	if !l.connected {
		return ""
	}
	deadline := time.Now().Add(window)
	buf := make([]byte, 4096)
	var chunks strings.Builder
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := l.conn.SetReadTimeout(remaining); err != nil {
			l.connected = false
			return chunks.String()
		}
		n, err := l.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				break
			}
			monitoring.Logf("devlink: read %s: %v", l.describe(), err)
			l.connected = false
			return chunks.String()
		}
		if n == 0 {
			break
		}
		chunks.Write(buf[:n])
	}
	l.lastResponse = chunks.String()
	return chunks.String()
}

// Query sends a command and, after the device's settling delay, reads one
// framed response.
func (l *Link) Query(cmd string) string {
	l.Send(cmd)
	if l.cfg.QueryDelay > 0 {
		time.Sleep(l.cfg.QueryDelay)
	}
	return l.Receive()
}

func (l *Link) describe() string {
	if l.cfg.IsSerial() {
		return l.cfg.Device
	}
	return l.cfg.Addr()
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
