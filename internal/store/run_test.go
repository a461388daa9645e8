package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nicmon/internal/config"
	"nicmon/internal/model"
)

func TestNewRun_TimestampDirs(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "runs")
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	a, err := NewRun(root, at)
	require.NoError(t, err)
	b, err := NewRun(root, at)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "20240506-070809"), a.Dir)
	assert.Equal(t, filepath.Join(root, "20240506-070809-1"), b.Dir)
	assert.NotEqual(t, a.ID, b.ID)
	assert.DirExists(t, b.Dir)
}

func TestWriteMeta_RoundTripWithoutSecrets(t *testing.T) {
	t.Parallel()

	run, err := NewRun(t.TempDir(), time.Now())
	require.NoError(t, err)

	cfg := config.Config{
		ConnectType: config.ConnectRemote,
		Hops:        []model.Hop{{Address: "jump:22", User: "ops", Password: "hunter2"}},
		Interface:   "eth2",
		Traffic: &config.TrafficConfig{
			Server: config.HostConfig{ConnectType: config.ConnectRemote, Hops: []model.Hop{{Address: "srv", Password: "x"}}, IPs: []string{"10.0.0.1"}},
			Client: config.HostConfig{IPs: []string{"10.1.0.1"}},
		},
	}
	config.ApplyDefaults(&cfg)

	meta := run.Meta("traffic", cfg)
	meta.Flows = []model.FlowSpec{{ID: "fwd-0", Port: 5001, LocalIP: "10.1.0.1", RemoteIP: "10.0.0.1"}}
	meta.FinishedAt = run.Started.Add(time.Minute).UTC()
	require.NoError(t, WriteMeta(run.Dir, meta))

	info, err := os.Stat(filepath.Join(run.Dir, MetaFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(filepath.Join(run.Dir, MetaFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	got, err := LoadMeta(run.Dir)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "traffic", got.Command)
	assert.Equal(t, "eth2", got.Config.Interface)
	require.Len(t, got.Flows, 1)
	assert.Equal(t, 5001, got.Flows[0].Port)
	assert.Empty(t, got.Config.Traffic.Server.Hops[0].Password)

	// The caller's config is left untouched.
	assert.Equal(t, "hunter2", cfg.Hops[0].Password)
	assert.Equal(t, "x", cfg.Traffic.Server.Hops[0].Password)
}

func TestLatestRun(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	_, err := LatestRun(root)
	require.Error(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var last string
	for i := 0; i < 3; i++ {
		run, err := NewRun(root, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		require.NoError(t, WriteMeta(run.Dir, run.Meta("monitor", config.Config{})))
		last = run.Dir
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "zzz-not-a-run"), 0o755))

	got, err := LatestRun(root)
	require.NoError(t, err)
	assert.Equal(t, last, got)

	runs, err := ListRuns(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, runs)
}
