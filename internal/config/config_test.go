package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dflmix/peer/internal/peerid"
)

const sample = `
node_id = 0
n_nodes = 2
port = 9000
mix_enabled = true
mix_mu = 50.0
mix_std = 10.0
mix_max_ms = 100.0
mix_outbox_size = 8
mix_shuffle = true
max_hops = 2
body_len = 1024
resend_period_seconds = 30
cover_bytes = 256
pki_dir = "/var/lib/peer/pki"
log_level = "DEBUG"

[peers]
[peers.0]
host = "127.0.0.1"
port = 9000

[peers.1]
host = "127.0.0.1"
port = 9001
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "config-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "node.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(sample), 0644))
	return path
}

func TestLoadParsesFileAndPeerTable(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, peerid.ID(0), cfg.NodeID)
	require.Equal(t, 2, cfg.NNodes)
	require.True(t, cfg.MixEnabled)
	require.Equal(t, 100.0, cfg.MixMaxMs)
	require.Equal(t, 2, cfg.MaxHops)
	require.Len(t, cfg.Peers, 2)
	require.Equal(t, peerid.Address{Host: "127.0.0.1", Port: 9001}, cfg.Peers[1])
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeSample(t)
	os.Setenv("MAX_HOPS", "5")
	os.Setenv("LOG_LEVEL", "ERROR")
	defer os.Unsetenv("MAX_HOPS")
	defer os.Unsetenv("LOG_LEVEL")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxHops)
	require.Equal(t, "ERROR", cfg.LogLevel)
}
