package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYaml = `
app:
  profile: test
  log-level: info
transport:
  address: 127.0.0.1
  raft-port: "7001"
  client-port: "8001"
raft:
  node-id: 1
  raft-peers:
    1: 127.0.0.1:7001
    2: 127.0.0.1:7002
  tick-interval: 10ms
  election-tick-min: 10
  election-tick-max: 20
  heartbeat-tick: 2
merger:
  max-batch-size: 128
  low-resource-batch-size: 16
  max-batch-duration: 5ms
`

func writeConfig(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestLoadFrom_ProfileOverlay(t *testing.T) {
	t.Setenv("CONCORD_TEST_DIR", "/var/lib/concord")
	dir := writeConfig(t, map[string]string{
		"application.yml": baseYaml,
		"application-test.yml": `
app:
  log-level: debug
raft:
  storage-dir: ${CONCORD_TEST_DIR}
`,
	})

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "/var/lib/concord", cfg.Raft.StorageDir)
	assert.Equal(t, 10*time.Millisecond, cfg.Raft.TickInterval)
	assert.Equal(t, 5*time.Millisecond, cfg.Merger.MaxBatchDuration)
	assert.Len(t, cfg.Raft.RaftPeers, 2)
	assert.Equal(t, "127.0.0.1:7001", cfg.Transport.RaftAddr())
}

func TestLoadFrom_ProfileFromEnv(t *testing.T) {
	t.Setenv("CONCORD_PROFILE", "other")
	dir := writeConfig(t, map[string]string{
		"application.yml":       baseYaml,
		"application-other.yml": "merger:\n  max-batch-size: 256\n",
	})

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.App.Profile)
	assert.Equal(t, 256, cfg.Merger.MaxBatchSize)
}

func TestLoadFrom_MissingProfileFile(t *testing.T) {
	dir := writeConfig(t, map[string]string{"application.yml": baseYaml})

	_, err := LoadFrom(dir)
	require.ErrorContains(t, err, "application-test.yml not found")
}

func TestValidate(t *testing.T) {
	valid := func() *Properties {
		return &Properties{
			Raft: RaftConfigurationProperties{
				NodeID:          1,
				RaftPeers:       map[uint64]string{1: "a"},
				TickInterval:    time.Millisecond,
				ElectionTickMin: 10,
				ElectionTickMax: 20,
				HeartbeatTick:   2,
			},
			Merger: MergerConfigurationProperties{MaxBatchSize: 10, LowResourceBatchSize: 2},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(p *Properties)
		want   string
	}{
		{"node not in peers", func(p *Properties) { p.Raft.NodeID = 9 }, "no entry for node 9"},
		{"election window", func(p *Properties) { p.Raft.ElectionTickMax = 10 }, "election-tick-min"},
		{"heartbeat too slow", func(p *Properties) { p.Raft.HeartbeatTick = 10 }, "heartbeat-tick"},
		{"low batch above max", func(p *Properties) { p.Merger.LowResourceBatchSize = 11 }, "low-resource-batch-size"},
		{"zero batch", func(p *Properties) { p.Merger.MaxBatchSize = 0 }, "max-batch-size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			require.ErrorContains(t, p.Validate(), tt.want)
		})
	}
}

func TestLoadFrom_StaticDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join("..", "static"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.App.Profile)
	assert.True(t, cfg.Raft.Wal.NoSync)
}
