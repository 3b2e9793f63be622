package counter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aerosol-data/tandem/internal/devlink"
)

func testCfg() devlink.Config {
	return devlink.Config{
		Device:     "/dev/ttyUSB1",
		Timeout:    50 * time.Millisecond,
		QueryDelay: time.Millisecond,
	}
}

func dialPort(port *devlink.ScriptedPort) func(devlink.Config) (devlink.Conn, error) {
	return func(devlink.Config) (devlink.Conn, error) { return port, nil }
}

func TestSyntheticProducesPositiveSamples(t *testing.T) {
	s := NewSynthetic(42)
	require.NoError(t, s.Connect())
	for i := 0; i < 100; i++ {
		v, err := s.Sample()
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1000.0)
	}

	a, _ := NewSynthetic(7).Sample()
	b, _ := NewSynthetic(7).Sample()
	require.Equal(t, a, b, "same seed, same sequence")
}

func TestCambustionConnectVerifiesBanner(t *testing.T) {
	port := devlink.NewScriptedPort(nil)
	c := NewCambustion(testCfg())
	c.link.SetDialer(dialPort(port))

	port.Preload("Cambustion CPC v3\r\n>")
	require.NoError(t, c.Connect())
	require.Equal(t, []byte{4}, port.RawWrites[0])
}

func TestCambustionConnectRejectsWrongBanner(t *testing.T) {
	port := devlink.NewScriptedPort(nil)
	c := NewCambustion(testCfg())
	c.link.SetDialer(dialPort(port))

	port.Preload("Cambustion CPMA\r\n>")
	err := c.Connect()
	require.True(t, errors.Is(err, devlink.ErrConnectionRefused), "got %v", err)
}

func TestCambustionSample(t *testing.T) {
	port := devlink.NewScriptedPort(func(cmd string) string {
		if cmd == "GCS" {
			return "2.3456E+03\r\n>"
		}
		return "OK\r\n>"
	})
	c := NewCambustion(testCfg())
	c.link.SetDialer(dialPort(port))
	port.Preload("Cambustion CPC\r\n>")
	require.NoError(t, c.Connect())

	v, err := c.Sample()
	require.NoError(t, err)
	require.InDelta(t, 2345.6, v, 1e-9)
}

func TestTSISample(t *testing.T) {
	port := devlink.NewScriptedPort(func(cmd string) string {
		if cmd == "RD" {
			return "1234.5\r\n"
		}
		return "OK\r\n"
	})
	c := NewTSI(testCfg(), TSI377x)
	c.link.SetDialer(dialPort(port))
	require.NoError(t, c.Connect())

	v, err := c.Sample()
	require.NoError(t, err)
	require.InDelta(t, 1234.5, v, 1e-9)
	require.Equal(t, 1, port.CommandCount("RD"))
}

func TestTSISampleParseFailure(t *testing.T) {
	port := devlink.NewScriptedPort(func(cmd string) string { return "garbage\r\n" })
	c := NewTSI(testCfg(), TSI30xx)
	c.link.SetDialer(dialPort(port))
	require.NoError(t, c.Connect())

	_, err := c.Sample()
	require.Error(t, err)
}

func TestTSITransportDefaults(t *testing.T) {
	c := NewTSI(testCfg(), TSI30xx)
	require.Equal(t, 9600, c.link.Config().Serial.BaudRate)
	require.Equal(t, 7, c.link.Config().Serial.DataBits)
	require.Equal(t, "E", c.link.Config().Serial.Parity)

	c = NewTSI(testCfg(), TSI377x)
	require.Equal(t, 115200, c.link.Config().Serial.BaudRate)

	net := NewTSI(devlink.Config{Host: "192.0.2.20"}, TSI375x)
	require.Equal(t, 3603, net.link.Config().Port)
}

func TestMagicPollingAndSample(t *testing.T) {
	port := devlink.NewScriptedPort(func(cmd string) string { return "" })
	m := NewMagic(testCfg())
	m.link.SetDialer(dialPort(port))
	require.NoError(t, m.Connect())

	m.StartPolling()
	require.Equal(t, 1, port.CommandCount("log,1"))

	port.Preload("2026-08-29 10:00:00,876.5,ok\r\n")
	v, err := m.Sample()
	require.NoError(t, err)
	require.InDelta(t, 876.5, v, 1e-9)

	m.StopPolling()
	require.Equal(t, 1, port.CommandCount("log,0"))
}

func TestMagicShortLine(t *testing.T) {
	port := devlink.NewScriptedPort(func(cmd string) string { return "" })
	m := NewMagic(testCfg())
	m.link.SetDialer(dialPort(port))
	require.NoError(t, m.Connect())

	port.Preload("nocomma\r\n")
	_, err := m.Sample()
	require.Error(t, err)
}
