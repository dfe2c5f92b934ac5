package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1939-obd/internal/broadcast"
	"github.com/serebryakov7/j1939-obd/internal/j1939"
)

const sample = `
transport: slcan
interface: /dev/ttyUSB0
bitrate: 500000
self: 0xFA
timeouts:
  global: 2s
  ds: 750ms
  broadcast: 15s
steps: [dm5-global-ds, broadcast-periods]
periods:
  - {pgn: 65226, name: DM1, period: 1s}
modules:
  - {address: 0, name: Двигатель, spns: [190, 110]}
dbPath: data/obd.db
mqtt:
  broker: tcp://localhost:1883
  commandTopic: vehicle/obd/commands
logs:
  file: ""
  traceBus: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample), "/etc/obd")
	require.NoError(t, err)

	assert.Equal(t, TransportSLCAN, cfg.Transport)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Interface)
	assert.Equal(t, 500000, cfg.Bitrate)
	assert.Equal(t, 115200, cfg.Baud)
	assert.Equal(t, uint8(0xFA), cfg.Self)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Global)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.DS)
	assert.Zero(t, cfg.Timeouts.Busy)
	assert.Equal(t, []string{"dm5-global-ds", "broadcast-periods"}, cfg.Steps)
	require.Len(t, cfg.Modules, 1)
	assert.Equal(t, []uint32{190, 110}, cfg.Modules[0].SPNs)
	assert.Equal(t, filepath.Join("/etc/obd", "data/obd.db"), cfg.DBPath)
	assert.Equal(t, "vehicle/obd/outcomes", cfg.MQTT.Topic)
	assert.Empty(t, cfg.Logs.File)
	assert.True(t, cfg.Logs.TraceBus)
	assert.Equal(t, 25, cfg.Logs.MaxSizeMB)

	tbl, err := cfg.Table()
	require.NoError(t, err)
	assert.Equal(t, []uint32{j1939.PGNDM1}, tbl.PGNs())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), withoutTopic(cfg), "отличается только топик")
	assert.Equal(t, TransportSocket, cfg.Transport)
	assert.Equal(t, "can0", cfg.Interface)
	assert.Equal(t, j1939.ToolAddress, cfg.Self)
	assert.Equal(t, "logs/obd-tester.log", cfg.Logs.File)

	tbl, err := cfg.Table()
	require.NoError(t, err)
	assert.Equal(t, broadcast.DefaultTable(), tbl)
}

func withoutTopic(c Config) Config {
	c.MQTT.Topic = ""
	return c
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"transport: usb\n",
		"interface: \"\"\n",
		"self: 254\n",
		"timeouts: {ds: -1s}\n",
		"periodTable: p.yaml\nperiods: [{pgn: 1, period: 1s}]\n",
		"periods: [{pgn: 1, period: 0s}]\n",
		"modules: [{address: 3}, {address: 3}]\n",
		"transport: [\n",
	}
	for _, data := range cases {
		_, err := Parse([]byte(data), "")
		assert.Error(t, err, data)
	}

	_, err := Parse([]byte("transport: loopback\ninterface: \"\"\n"), "")
	assert.NoError(t, err, "loopback не требует интерфейса")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "periods.yaml"), []byte("periods:\n  - {pgn: 65262, period: 1s}\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("periodTable: periods.yaml\n"), 0o600))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "periods.yaml"), cfg.PeriodTable)

	tbl, err := cfg.Table()
	require.NoError(t, err)
	assert.Equal(t, time.Second, tbl.Longest())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
