package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.False(t, cfg.Cluster.ZooKeeper.Enabled())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: INFO
  json: true
http-server:
  port: 9090
cluster:
  self: http://127.0.0.1:9090
  nodes:
    - http://127.0.0.1:9090
    - http://127.0.0.1:9091
  proxy_timeout: 250ms
db:
  memtable:
    flush_threshold: 1024
  persistence:
    path: /tmp/ringdb
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "INFO", cfg.Logger.Level)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 250*time.Millisecond, cfg.Cluster.ProxyTimeout)
	require.Equal(t, int64(1024), cfg.Memtable.FlushThresholdBytes)
	// untouched keys keep defaults
	require.Equal(t, 10, cfg.Cluster.VirtualNodes)
	require.Equal(t, 4, cfg.Memtable.MaxPendingFlushes)
	require.Len(t, cfg.Cluster.Members(), 2)
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logger.Level = "LOUD"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Cluster.Nodes = []string{"not a url"}
	require.Error(t, cfg.Validate())
}

func TestMembersAddsSelf(t *testing.T) {
	c := ClusterConfig{Self: "http://a", Nodes: []string{"http://b"}}
	require.Equal(t, []string{"http://b", "http://a"}, c.Members())
}
