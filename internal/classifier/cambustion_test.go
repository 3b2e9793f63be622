package classifier

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aerosol-data/tandem/internal/devlink"
)

func testLinkConfig() devlink.Config {
	return devlink.Config{
		Device:     "/dev/ttyUSB0",
		Timeout:    50 * time.Millisecond,
		QueryDelay: time.Millisecond,
	}
}

func dialPort(port *devlink.ScriptedPort) func(devlink.Config) (devlink.Conn, error) {
	return func(devlink.Config) (devlink.Conn, error) { return port, nil }
}

func newTestCPMA(t *testing.T, responder func(string) string) (*CPMA, *devlink.ScriptedPort) {
	t.Helper()
	port := devlink.NewScriptedPort(responder)
	c := NewCPMA(testLinkConfig(), 1.5, 10)
	c.link.SetDialer(dialPort(port))
	return c, port
}

func TestCPMAConnectVerifiesGreeting(t *testing.T) {
	c, port := newTestCPMA(t, nil)
	port.Preload("Cambustion CPMA v2.1\r\n>")

	require.NoError(t, c.Connect())
	require.True(t, c.Connected())

	// Serial sessions are entered with a ^D byte.
	require.NotEmpty(t, port.RawWrites)
	require.Equal(t, []byte{4}, port.RawWrites[0])
}

func TestCPMAConnectRejectsWrongBanner(t *testing.T) {
	c, port := newTestCPMA(t, nil)
	port.Preload("Cambustion AAC v1.0\r\n>")

	err := c.Connect()
	require.True(t, errors.Is(err, devlink.ErrConnectionRefused), "got %v", err)
}

func TestCPMAInitializeSendsFlowResolutionAndSerial(t *testing.T) {
	c, port := newTestCPMA(t, func(cmd string) string {
		if cmd == "serial" {
			return "CPMA-042\r\n>"
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion CPMA\r\n>")
	require.NoError(t, c.Connect())

	axis, err := NewAxis(1, 10, 5)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(axis))

	require.Contains(t, port.Commands, "SetSampleFlow 1.5000E+00")
	require.Contains(t, port.Commands, "SetRm 1.0000E+01")

	meta := c.Metadata()
	require.Equal(t, Meta{"Serial number", "CPMA-042"}, meta[0])
	require.Equal(t, "Start (fg)", meta[3].Key)
	require.Equal(t, "Per decade", meta[5].Key)
}

func TestCPMAInitializeSurfacesRejection(t *testing.T) {
	c, port := newTestCPMA(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "SetRm") {
			return "ERROR: out of range\r\n>"
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion CPMA\r\n>")
	require.NoError(t, c.Connect())

	axis, _ := NewAxis(1, 10, 5)
	err := c.Initialize(axis)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SetRm")
	require.Contains(t, c.LastResponse(), "ERROR")
}

func TestCPMAAdvanceWalksTheAxis(t *testing.T) {
	c, port := newTestCPMA(t, nil)
	port.Preload("Cambustion CPMA\r\n>")
	require.NoError(t, c.Connect())

	axis, _ := NewAxis(1, 10, 1)
	c.setAxis(axis)

	require.Equal(t, 2, c.Count())
	require.True(t, c.HasMore())

	require.True(t, c.Advance())
	require.Equal(t, 0, c.Index())
	require.InDelta(t, 1.0, c.Setpoint(), 1e-12)
	require.Contains(t, port.Commands, "SetMass 1.0000E+00")

	require.True(t, c.Advance())
	require.False(t, c.HasMore())
	require.Contains(t, port.Commands, "SetMass 1.0000E+01")

	require.False(t, c.Advance(), "advance past the end must refuse")

	c.Reset()
	require.Equal(t, -1, c.Index())
	require.True(t, c.HasMore())
}

func TestCPMAAdvanceReportsRejectedSetpoint(t *testing.T) {
	c, port := newTestCPMA(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "SetMass") {
			return "ERROR: interlock open\r\n>"
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion CPMA\r\n>")
	require.NoError(t, c.Connect())

	axis, _ := NewAxis(1, 10, 5)
	c.setAxis(axis)

	require.False(t, c.Advance())
	require.True(t, c.HasMore(), "a rejected setpoint is not exhaustion")
	require.Contains(t, c.LastResponse(), "interlock")
}

func TestCPMAReadiness(t *testing.T) {
	status := "Stopped"
	c, port := newTestCPMA(t, func(cmd string) string {
		if cmd == "Status" {
			return status + "\r\n>"
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion CPMA\r\n>")
	require.NoError(t, c.Connect())

	require.False(t, c.IsReady())
	status = "Running"
	require.True(t, c.IsReady())
}

func TestCPMASampleAveragesMonitorChannels(t *testing.T) {
	dump := make([]string, len(cpmaMonitorFields))
	for i := range dump {
		dump[i] = "0"
	}
	speed := "100"
	c, port := newTestCPMA(t, func(cmd string) string {
		if cmd == "monitor" {
			dump[0] = speed        // Speed (rad/s)
			dump[1] = "3200.5"     // Voltage (V)
			dump[7] = "21.5"       // Temperature (C)
			dump[26] = "101325"    // Pressure (Pa)
			dump[11] = "not-a-num" // ignored channel, never parsed
			return strings.Join(dump, " ") + "\r\n>"
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion CPMA\r\n>")
	require.NoError(t, c.Connect())

	axis, _ := NewAxis(1, 10, 5)
	c.setAxis(axis)
	require.True(t, c.Advance())

	c.Sample()
	speed = "200"
	c.Sample()

	avg, err := c.Averages()
	require.NoError(t, err)
	require.InDelta(t, 150.0, avg["Speed (rad/s)"], 1e-9)
	require.InDelta(t, 3200.5, avg["Voltage (V)"], 1e-9)
	require.InDelta(t, 21.5, avg["Temperature (C)"], 1e-9)
	require.InDelta(t, 101325.0, avg["Pressure (Pa)"], 1e-9)
}

func TestCPMAAveragesWithoutSamples(t *testing.T) {
	c, _ := newTestCPMA(t, nil)
	_, err := c.Averages()
	require.True(t, errors.Is(err, ErrNoSamples), "got %v", err)
}

func TestCPMARunStop(t *testing.T) {
	c, port := newTestCPMA(t, nil)
	port.Preload("Cambustion CPMA\r\n>")
	require.NoError(t, c.Connect())

	require.True(t, c.Run())
	require.True(t, c.Stop())
	require.Contains(t, port.Commands, "start")
	require.Contains(t, port.Commands, "stop")
}

func newTestAAC(t *testing.T, scanCfg *AACScanConfig, responder func(string) string) (*AAC, *devlink.ScriptedPort) {
	t.Helper()
	port := devlink.NewScriptedPort(responder)
	a := NewAAC(testLinkConfig(), 1.5, 3.0, scanCfg, nil)
	a.link.SetDialer(dialPort(port))
	return a, port
}

func TestAACFileFields(t *testing.T) {
	a, _ := newTestAAC(t, nil, nil)
	require.Equal(t, []string{
		"Da (nm)", "Speed (rad/s)", "Sheath flow (lpm)", "Pressure (Pa)", "Temperature (C)",
	}, a.FileFields())
}

func TestAACMetadataScannerMode(t *testing.T) {
	a, _ := newTestAAC(t, &AACScanConfig{UpTime: 120, Averaging: 2, Delay: 5}, nil)
	axis, _ := NewAxis(30, 300, 8)
	a.setAxis(axis)

	keys := make([]string, 0)
	for _, m := range a.Metadata() {
		keys = append(keys, m.Key)
	}
	require.Equal(t, []string{
		"Serial number", "Sample flow (lpm)", "Sheath flow SP (lpm)",
		"Start (nm)", "End (nm)", "Scan Time (s)", "Averaging", "Scan Delay Time (s)",
	}, keys)
}

func scanDataLine(setpoint, conc, speed, sheath, temp, pressure string) string {
	cols := make([]string, 20)
	for i := range cols {
		cols[i] = "0"
	}
	cols[2] = setpoint
	cols[14] = conc
	cols[16] = speed
	cols[17] = sheath
	cols[18] = temp
	cols[19] = pressure
	return strings.Join(cols, "\t")
}

func TestAACAutonomousScan(t *testing.T) {
	stream := strings.Join([]string{
		"Cambustion AAC SassScan",
		"Cambustion SCAN DATA",
		"Setpoint\tConc\tSpeed", // column header, skipped
		"(nm)\t(#/cc)\t(rad/s)", // units row, skipped
		scanDataLine("52.3", "1200.5", "450", "3.01", "21.5", "101300"),
		scanDataLine("60.1", "980.2", "470", "2.99", "21.6", "101290"),
		"END OF SCAN",
		"OK",
		"",
	}, "\r\n")

	a, port := newTestAAC(t, &AACScanConfig{UpTime: 120, Averaging: 2, Delay: 5}, func(cmd string) string {
		if strings.HasPrefix(cmd, "SassScan") {
			return stream
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion AAC\r\n>")
	require.NoError(t, a.Connect())

	axis, _ := NewAxis(30, 300, 8)
	a.setAxis(axis)

	require.True(t, a.StartScan())
	require.True(t, a.Scanning())
	require.Contains(t, port.Commands[len(port.Commands)-1], "SassScan s 120")

	pts, done := a.NextBlock()
	require.False(t, done)
	require.Len(t, pts, 1)
	require.InDelta(t, 52.3, pts[0].Setpoint, 1e-9)
	require.InDelta(t, 1200.5, pts[0].Conc, 1e-9)
	require.InDelta(t, 450.0, pts[0].Values["Speed (rad/s)"], 1e-9)
	require.InDelta(t, 101300.0, pts[0].Values["Pressure (Pa)"], 1e-9)

	pts, done = a.NextBlock()
	require.False(t, done)
	require.Len(t, pts, 1)
	require.InDelta(t, 60.1, pts[0].Setpoint, 1e-9)

	pts, done = a.NextBlock()
	require.True(t, done, "END OF SCAN terminates the stream")
	require.Empty(t, pts)
	require.False(t, a.Scanning())
}

func TestAACScanLinkLossMidStream(t *testing.T) {
	stream := strings.Join([]string{
		"Cambustion AAC SassScan",
		"Cambustion SCAN DATA",
		"Setpoint\tConc\tSpeed",
		"(nm)\t(#/cc)\t(rad/s)",
		scanDataLine("52.3", "1200.5", "450", "3.01", "21.5", "101300"),
		"",
	}, "\r\n")

	a, port := newTestAAC(t, &AACScanConfig{UpTime: 120, Averaging: 2, Delay: 5}, func(cmd string) string {
		if strings.HasPrefix(cmd, "SassScan") {
			return stream
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion AAC\r\n>")
	require.NoError(t, a.Connect())

	axis, _ := NewAxis(30, 300, 8)
	a.setAxis(axis)

	require.True(t, a.StartScan())
	pts, done := a.NextBlock()
	require.False(t, done)
	require.Len(t, pts, 1)

	// The link drops before END OF SCAN arrives. The scan must not read
	// as cleanly complete; the caller sees no progress and a dead link.
	port.ReadError = errors.New("read: device gone")
	pts, done = a.NextBlock()
	require.False(t, done)
	require.Empty(t, pts)
	require.True(t, a.Scanning())
	require.False(t, a.Connected())
}

func TestAACScanRejection(t *testing.T) {
	a, port := newTestAAC(t, &AACScanConfig{UpTime: 120, Averaging: 2, Delay: 5}, func(cmd string) string {
		if strings.HasPrefix(cmd, "SassScan") {
			return "SassScan: range invalid\r\n"
		}
		return "OK\r\n>"
	})
	port.Preload("Cambustion AAC\r\n>")
	require.NoError(t, a.Connect())

	axis, _ := NewAxis(30, 300, 8)
	a.setAxis(axis)

	require.False(t, a.StartScan())
	require.False(t, a.Scanning())
}

func TestAACAbortScanSendsInterrupt(t *testing.T) {
	a, port := newTestAAC(t, &AACScanConfig{UpTime: 120, Averaging: 2, Delay: 5}, nil)
	port.Preload("Cambustion AAC\r\n>")
	require.NoError(t, a.Connect())

	a.scanning = true
	a.AbortScan()
	require.False(t, a.Scanning())
	// The scripted port records the ^C separately from its line ending.
	require.Contains(t, port.RawWrites, []byte{3})
}

func TestAACRecomputeRange(t *testing.T) {
	law := NewRangeLaw(Water, 0, 0)
	port := devlink.NewScriptedPort(nil)
	a := NewAAC(testLinkConfig(), 1.5, 3.0, nil, &law)
	a.link.SetDialer(dialPort(port))

	axis, _ := NewAxis(30, 300, 8)
	a.setAxis(axis)

	require.NoError(t, a.RecomputeRange(523.6))
	require.InDelta(t, 354.813389, a.axis.Start, 1e-5) // 1000^0.85
	require.InDelta(t, 1995.262315, a.axis.End, 1e-5)  // 1000^1.1
	require.Equal(t, 8, a.axis.PerDecade, "density survives recomputation")

	require.Error(t, a.RecomputeRange(-1))
}
