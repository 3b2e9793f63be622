package devlink

import (
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// open dials the transport described by cfg. Serial ports go through
// go.bug.st/serial; everything else is a plain TCP stream.
func open(cfg Config) (Conn, error) {
	if cfg.IsSerial() {
		mode, err := cfg.Serial.SerialMode()
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(cfg.Device, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
		}
		return port, nil
	}

	conn, err := net.DialTimeout("tcp", cfg.Addr(), cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr(), err)
	}
	return &tcpConn{Conn: conn}, nil
}

// tcpConn adapts a net.Conn to the Conn interface by mapping the read
// timeout onto read deadlines.
type tcpConn struct {
	net.Conn
	readTimeout time.Duration
}

func (c *tcpConn) SetReadTimeout(d time.Duration) error {
	c.readTimeout = d
	if d <= 0 {
		return c.Conn.SetReadDeadline(time.Time{})
	}
	return c.Conn.SetReadDeadline(time.Now().Add(d))
}
