package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometbft/sbn/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndValidateConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sbn.toml", `
[[protocol_modules]]
name = "udp"
version = "1.0.0"

[[filter_modules]]
name = "remap"
version = "1.0.0"

[[nets]]
name = "net0"
protocol = "udp"
address = "0.0.0.0:5000"
task_flags = 0

[[peers]]
net = "net0"
processor_id = 2
spacecraft_id = 1
protocol = "udp"
filters = ["remap"]
address = "127.0.0.1:5001"
task_flags = 0
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "net0", cfg.Nets[0].Name)
	assert.Equal(t, config.DefaultMaxMsgPerWakeup, cfg.Tuning.MaxMsgPerWakeup)
}

func TestValidateRejectsUnknownNet(t *testing.T) {
	cfg := &config.Config{
		Peers: []config.PeerConfig{{NetName: "nope"}},
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownProtocol(t *testing.T) {
	cfg := &config.Config{
		Nets:  []config.NetConfig{{Name: "n", Protocol: "missing"}},
		Peers: []config.PeerConfig{{NetName: "n"}},
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateNetNames(t *testing.T) {
	cfg := &config.Config{
		Nets: []config.NetConfig{{Name: "n"}, {Name: "n"}},
	}
	assert.Error(t, cfg.Validate())
}

func TestRemapTableLoadSortsRowsAndLooksUpDrop(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remap.toml", `
default = "PASS_THROUGH"

[[row]]
processor_id = 2
from_mid = 6394
to_mid = 0

[[row]]
processor_id = 1
from_mid = 100
to_mid = 200
`)
	rt, err := config.LoadRemapTable(path)
	require.NoError(t, err)
	rows := rt.Rows()
	require.Len(t, rows, 2)
	// sorted by (processor_id, from_mid): processor 1 before processor 2
	assert.EqualValues(t, 1, rows[0].ProcessorID)
	assert.EqualValues(t, 2, rows[1].ProcessorID)
	assert.Equal(t, config.DefaultPassThrough, rt.Default)

	toMID, ok := rt.Lookup(2, 6394)
	require.True(t, ok)
	assert.EqualValues(t, 0, toMID)
}

func TestRemapTableRejectsDuplicateRow(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "remap.toml", `
[[row]]
processor_id = 1
from_mid = 1
to_mid = 2

[[row]]
processor_id = 1
from_mid = 1
to_mid = 3
`)
	_, err := config.LoadRemapTable(path)
	assert.Error(t, err)
}

func TestRemapTableAddDeleteStaysSorted(t *testing.T) {
	rt := config.NewRemapTable(config.DefaultDrop)
	require.NoError(t, rt.Add(config.RemapRow{ProcessorID: 5, FromMID: 1, ToMID: 2}))
	require.NoError(t, rt.Add(config.RemapRow{ProcessorID: 1, FromMID: 9, ToMID: 9}))
	err := rt.Add(config.RemapRow{ProcessorID: 5, FromMID: 1, ToMID: 99})
	assert.ErrorIs(t, err, config.ErrDuplicateRemapRow)

	rows := rt.Rows()
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0].ProcessorID)

	rt.Delete(1, 9)
	assert.Len(t, rt.Rows(), 1)
}
