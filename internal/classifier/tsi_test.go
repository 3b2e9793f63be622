package classifier

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aerosol-data/tandem/internal/devlink"
)

func newTest3080(t *testing.T, responder func(string) string) (*TSI3080, *devlink.ScriptedPort) {
	t.Helper()
	port := devlink.NewScriptedPort(responder)
	c := NewTSI3080(testLinkConfig(), 0.3, 3.0)
	c.link.SetDialer(dialPort(port))
	require.NoError(t, c.Connect())
	return c, port
}

func TestTSI3080InitializeAndAdvance(t *testing.T) {
	c, port := newTest3080(t, func(cmd string) string { return "OK\r\n" })

	axis, err := NewAxis(10, 100, 1)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(axis))
	require.Contains(t, port.Commands, "SQS3.0")

	require.True(t, c.Advance())
	require.Contains(t, port.Commands, "SPD10.0")
	require.True(t, c.Advance())
	require.Contains(t, port.Commands, "SPD100.0")
	require.False(t, c.HasMore())
}

func TestTSI3080RejectionIsErrorPrefix(t *testing.T) {
	c, _ := newTest3080(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "SPD") {
			return "ERROR\r\n"
		}
		return "OK\r\n"
	})
	axis, _ := NewAxis(10, 100, 1)
	require.NoError(t, c.Initialize(axis))
	require.False(t, c.Advance())
	require.Contains(t, c.LastResponse(), "ERROR")
}

func TestTSI3080Readiness(t *testing.T) {
	rfl := "0,1,1"
	c, _ := newTest3080(t, func(cmd string) string {
		if cmd == "RFL" {
			return rfl + "\r\n"
		}
		return "OK\r\n"
	})

	require.False(t, c.IsReady())
	rfl = "1,1,1"
	require.True(t, c.IsReady())
	// A bypass flow alarm alone does not block readiness.
	rfl = "1,0,1"
	require.True(t, c.IsReady())
	rfl = "1,1,0"
	require.False(t, c.IsReady())
}

func TestTSI3080SampleParsesRMV(t *testing.T) {
	dump := make([]string, len(tsi3080MonitorFields))
	for i := range dump {
		dump[i] = "0"
	}
	dump[1] = "1500.5"  // Voltage (V)
	dump[2] = "3.02"    // Sheath flow (lpm)
	dump[4] = "1013.25" // Pressure (mbar)
	dump[5] = "22.1"    // Temperature (C)

	c, _ := newTest3080(t, func(cmd string) string {
		if cmd == "RMV" {
			return strings.Join(dump, ",") + "\r\n"
		}
		return "OK\r\n"
	})

	axis, _ := NewAxis(10, 100, 5)
	c.setAxis(axis)
	require.True(t, c.Advance())

	c.Sample()
	avg, err := c.Averages()
	require.NoError(t, err)
	require.InDelta(t, 1500.5, avg["Voltage (V)"], 1e-9)
	require.InDelta(t, 3.02, avg["Sheath flow (lpm)"], 1e-9)
	require.InDelta(t, 1013.25, avg["Pressure (mbar)"], 1e-9)
	require.InDelta(t, 22.1, avg["Temperature (C)"], 1e-9)
}

func TestTSI3080Metadata(t *testing.T) {
	c, _ := newTest3080(t, nil)
	axis, _ := NewAxis(10, 100, 8)
	c.setAxis(axis)

	keys := make([]string, 0)
	for _, m := range c.Metadata() {
		keys = append(keys, m.Key)
	}
	require.Equal(t, []string{
		"Sample flow (lpm)", "Sheath flow SP (lpm)", "Start (nm)", "End (nm)", "Per decade",
	}, keys)
}

func test3082Config() devlink.Config {
	return devlink.Config{
		Host:       "192.0.2.10",
		Timeout:    50 * time.Millisecond,
		QueryDelay: time.Millisecond,
	}
}

func newTest3082(t *testing.T, scanCfg *TSI3082ScanConfig, law *RangeLaw, responder func(string) string) (*TSI3082, *devlink.ScriptedPort) {
	t.Helper()
	port := devlink.NewScriptedPort(responder)
	c := NewTSI3082(test3082Config(), 0.3, 3.0, TSI3082Setup{PositivePolarity: true}, scanCfg, law)
	c.blockWindow = 20 * time.Millisecond
	c.link.SetDialer(dialPort(port))
	require.NoError(t, c.Connect())
	return c, port
}

func TestTSI3082ConnectWritesSetup(t *testing.T) {
	_, port := newTest3082(t, &TSI3082ScanConfig{
		UpTime:     120,
		LowerIndex: 130,
		UpperIndex: 133,
	}, nil, nil)

	want := []string{
		"WSHVPOL 0",
		"WSDETINFLOW 0",
		"WSSCANUPTIME 120.0",
		"WSAEROSOLFLOW 0.3",
		"WSPURGETIME 0",
		"WSSMPSUNITS 5",
		"WSSMPSWEIGHTS 0",
		"RDSMPSDATA3",
		"WSLOWERSIZE 130.0",
		"WSUPPERSIZE 133.0",
	}
	for _, cmd := range want {
		require.Contains(t, port.Commands, cmd)
	}
}

func TestTSI3082SteppedAdvance(t *testing.T) {
	c, port := newTest3082(t, nil, nil, nil)

	axis, _ := NewAxis(10, 100, 1)
	require.NoError(t, c.Initialize(axis))
	require.Contains(t, port.Commands, "WSSHFLOW 3.0")

	require.True(t, c.Advance())
	require.Contains(t, port.Commands, "WSPARTICLEDIAM 10.0")
}

func TestTSI3082ToleranceReadiness(t *testing.T) {
	feedback := map[string]string{
		"RSSHFLOW": "3.0",
		"RMSHFLOW": "2.9",
		"RSHV":     "1000",
		"RMHV":     "1010",
	}
	c, _ := newTest3082(t, nil, nil, func(cmd string) string {
		if v, ok := feedback[cmd]; ok {
			return v + "\r\n"
		}
		return "OK\r\n"
	})

	require.True(t, c.IsReady())

	feedback["RMHV"] = "1050" // exactly 5 percent off: not ready
	require.False(t, c.IsReady())

	feedback["RMHV"] = "1010"
	feedback["RMSHFLOW"] = "2.0"
	require.False(t, c.IsReady())
}

func TestTSI3082SamplePerChannel(t *testing.T) {
	tempReplies := []string{"22.4\r\n", "COMM ERROR\r\n"}
	c, _ := newTest3082(t, nil, nil, func(cmd string) string {
		switch cmd {
		case "RMSHTEMP":
			r := tempReplies[0]
			if len(tempReplies) > 1 {
				tempReplies = tempReplies[1:]
			}
			return r
		case "RMSHAP":
			return "101.3\r\n"
		}
		return "OK\r\n"
	})

	axis, _ := NewAxis(10, 100, 5)
	c.setAxis(axis)
	require.True(t, c.Advance())

	c.Sample()
	c.Sample()
	avg, err := c.Averages()
	require.NoError(t, err)
	// The unparseable second temperature reading is skipped, not averaged
	// in as zero.
	require.InDelta(t, 22.4, avg["Temperature (C)"], 1e-9)
	require.InDelta(t, 101.3, avg["Pressure (kPa)"], 1e-9)
}

func TestTSI3082ScannerCollectsBlock(t *testing.T) {
	ready := false
	conc := make([]string, TableSize()+1)
	for i := range conc {
		conc[i] = "0"
	}
	conc[131] = "1500.5"
	conc[132] = "1220.1"
	conc[133] = "990.7"

	c, port := newTest3082(t, &TSI3082ScanConfig{
		UpTime:     120,
		LowerIndex: 130,
		UpperIndex: 133,
	}, nil, func(cmd string) string {
		switch cmd {
		case "RDSMPSDATA1":
			flag := "0"
			if ready {
				flag = "1"
			}
			lines := make([]string, 9)
			for i := range lines {
				lines[i] = "STATUSLINE 0"
			}
			lines[8] = "SCANSTATUS " + flag
			return strings.Join(lines, "\r\n") + "\r\n"
		case "RDSMPSDATA4":
			return strings.Join(conc, "\r\n") + "\r\n"
		case "RSLOWERSIZE":
			return "130\r\n"
		case "RSUPPERSIZE":
			return "133\r\n"
		}
		return "OK\r\n"
	})

	require.True(t, c.StartScan())
	require.True(t, c.Scanning())
	require.Contains(t, port.Commands, "DOSCAN")

	pts, done := c.NextBlock()
	require.False(t, done, "no data until the instrument reports ready")
	require.Empty(t, pts)

	ready = true
	pts, done = c.NextBlock()
	require.True(t, done)
	require.Len(t, pts, 3)
	for i, pt := range pts {
		require.InDelta(t, TableDiameter(130+i), pt.Setpoint, 1e-9, "point %d", i)
	}
	require.InDelta(t, 1500.5, pts[0].Conc, 1e-9)
	require.InDelta(t, 1220.1, pts[1].Conc, 1e-9)
	require.InDelta(t, 990.7, pts[2].Conc, 1e-9)
	require.False(t, c.Scanning())
}

func TestTSI3082ScannerMetadata(t *testing.T) {
	c, _ := newTest3082(t, &TSI3082ScanConfig{
		UpTime:     120,
		LowerIndex: 130,
		UpperIndex: 133,
	}, nil, func(cmd string) string {
		switch cmd {
		case "RSLOWERSIZE":
			return "130\r\n"
		case "RSUPPERSIZE":
			return "133\r\n"
		case "RMERRORS":
			return "0\r\n"
		}
		return "OK\r\n"
	})

	meta := c.Metadata()
	require.Equal(t, Meta{"Data points", "3"}, meta[0])
	require.Equal(t, Meta{"Data length", "4"}, meta[1])
	require.Equal(t, Meta{"Error status", "0"}, meta[4])
	require.Equal(t, "Start (nm)", meta[5].Key)
	require.Equal(t, fmt.Sprintf("%g", TableDiameter(130)), meta[5].Value)
}

func TestTSI3082RecomputeRangeSnapsToTable(t *testing.T) {
	law := NewRangeLaw(Water, 0, 0)
	c, port := newTest3082(t, &TSI3082ScanConfig{
		UpTime:       120,
		VariableBins: true,
	}, &law, nil)

	require.NoError(t, c.RecomputeRange(523.6)) // dStar = 1000 nm

	// 1000^0.85 = 354.8 snaps down to the 346 nm bin; 1000^1.1 = 1995.3 is
	// past the top of the table, so the upper index is one past the end.
	require.Equal(t, 346.0, TableDiameter(c.lowerIdx))
	require.Equal(t, TableSize(), c.upperIdx)
	require.Contains(t, port.Commands, fmt.Sprintf("WSLOWERSIZE %d.0", c.lowerIdx))
	require.Contains(t, port.Commands, fmt.Sprintf("WSUPPERSIZE %d.0", c.upperIdx))
}

func TestTSI3082RecomputeRangeFixedBinsIsNoop(t *testing.T) {
	c, port := newTest3082(t, &TSI3082ScanConfig{
		UpTime:     120,
		LowerIndex: 130,
		UpperIndex: 133,
	}, nil, nil)

	before := len(port.Commands)
	require.NoError(t, c.RecomputeRange(523.6))
	require.Equal(t, before, len(port.Commands))
	require.Equal(t, 130, c.lowerIdx)
}
