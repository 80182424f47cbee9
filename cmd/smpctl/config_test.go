package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpmgr/smpmgr-go/pkg/engine"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, rest, err := loadConfig([]string{"-addr", "192.0.2.1", "list"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"list"}, rest)
	assert.Equal(t, "192.0.2.1", cfg.Address)
	assert.Equal(t, engine.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "text", cfg.Output)
}

func TestLoadConfigFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smpctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: 192.0.2.9:1400
timeout: 3s
maxPayload: 128
output: yaml
heartbeat: 15s
`), 0644))

	cfg, rest, err := loadConfig([]string{"-config", path, "-mtu", "200", "taskstats"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"taskstats"}, rest)
	assert.Equal(t, "192.0.2.9:1400", cfg.Address)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, 200, cfg.MaxPayload, "flag wins over file")
	assert.Equal(t, "yaml", cfg.Output)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("timeout: [1, 2"), 0644))

	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"-config", filepath.Join(dir, "nope.yaml")}},
		{"bad yaml", []string{"-config", bad}},
		{"bad output", []string{"-o", "json"}},
		{"bad timeout", []string{"-timeout", "0s"}},
		{"unknown flag", []string{"-frob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := loadConfig(tt.args, io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Interactive = true
	cfg.Heartbeat = 20 * time.Second
	cfg.Timeout = 2 * time.Second

	mc := managerConfig(cfg, nil)
	assert.True(t, mc.AutoReconnect)
	assert.Equal(t, 20*time.Second, mc.Heartbeat.Interval)
	assert.Equal(t, 2*time.Second, mc.Engine.Timeout)

	cfg.Interactive = false
	mc = managerConfig(cfg, nil)
	assert.False(t, mc.AutoReconnect)
	assert.Zero(t, mc.Heartbeat.Interval)
}

func TestProtocolLogger(t *testing.T) {
	cfg := defaultConfig()
	l, closeFn, err := protocolLogger(cfg)
	require.NoError(t, err)
	assert.Nil(t, l)
	closeFn()

	cfg.ProtocolLog = filepath.Join(t.TempDir(), "cap.smplog")
	cfg.LogLevel = "debug"
	l, closeFn, err = protocolLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, l)
	closeFn()
	_, err = os.Stat(cfg.ProtocolLog)
	assert.NoError(t, err)
}

func TestResolveAddressNeedsTarget(t *testing.T) {
	_, err := resolveAddress(t.Context(), defaultConfig())
	assert.Error(t, err)
}
