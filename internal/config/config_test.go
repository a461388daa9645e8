package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nicmon/internal/model"
)

func TestApplyDefaults_Traffic(t *testing.T) {
	t.Parallel()

	cfg := Config{Traffic: &TrafficConfig{}}
	ApplyDefaults(&cfg)

	assert.Equal(t, ConnectLocal, cfg.ConnectType)
	assert.Equal(t, DefaultStartPort, cfg.Traffic.StartPort)
	assert.Equal(t, DefaultProtocol, cfg.Traffic.Protocol)
	assert.Equal(t, DefaultStatsPollSec, cfg.Traffic.FlushSec)
	assert.Equal(t, DefaultReconnectAttempts, cfg.Remote.ReconnectAttempts)
	assert.NotNil(t, cfg.ShowParts)
}

func TestApplyDefaults_HopRoles(t *testing.T) {
	t.Parallel()

	cfg := Config{Hops: []model.Hop{{Address: "bastion"}, {Address: "inner"}, {Address: "dut"}}}
	ApplyDefaults(&cfg)

	assert.Equal(t, model.RoleJump, cfg.Hops[0].Role)
	assert.Equal(t, model.RoleJump, cfg.Hops[1].Role)
	assert.Equal(t, model.RoleTerminal, cfg.Hops[2].Role)
}

func TestValidate_RemoteRequiresHops(t *testing.T) {
	t.Parallel()

	cfg := Config{ConnectType: ConnectRemote}
	ApplyDefaults(&cfg)
	require.Error(t, Validate(cfg))

	cfg.Hops = []model.Hop{{Address: "10.0.0.1", User: "root"}}
	require.NoError(t, Validate(cfg))
}

func TestValidate_ReportsAllSections(t *testing.T) {
	t.Parallel()

	cfg := Config{ConnectType: ConnectRemote, ShowParts: []string{"bogus"}}
	ApplyDefaults(&cfg)
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hops are configured")
	assert.Contains(t, err.Error(), `unknown skip flag "bogus"`)
}

func TestValidate_TrafficIPsMustPair(t *testing.T) {
	t.Parallel()

	cfg := Config{Traffic: &TrafficConfig{
		Server: HostConfig{IPs: []string{"10.1.1.1", "10.1.2.1"}},
		Client: HostConfig{IPs: []string{"10.1.1.2"}},
	}}
	ApplyDefaults(&cfg)
	require.Error(t, Validate(cfg))

	cfg.Traffic.Client.IPs = append(cfg.Traffic.Client.IPs, "10.1.2.2")
	require.NoError(t, Validate(cfg))
}

func TestValidate_PortRangeOverflow(t *testing.T) {
	t.Parallel()

	cfg := Config{Traffic: &TrafficConfig{
		Server:        HostConfig{IPs: []string{"10.1.1.1", "10.1.2.1"}},
		Client:        HostConfig{IPs: []string{"10.1.1.2", "10.1.2.2"}},
		StartPort:     65534,
		Bidirectional: true,
	}}
	ApplyDefaults(&cfg)
	require.Error(t, Validate(cfg))
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nicmon.yaml")
	require.NoError(t, Save(path, Config{Interface: "ens1f0"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_RoundTripAndDefaults(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nicmon.yaml")
	data := `
connect_type: remote
interface: ens1f0
show_parts: [no_dmesg]
intervals:
  dmesg: 7
hops:
  - address: bastion.lab
    user: ops
  - address: 10.0.0.9:2222
    user: root
traffic:
  server:
    ips: [10.1.1.1]
  client:
    ips: [10.1.1.2]
  traffic_duration_sec: 10
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, ConnectRemote, cfg.ConnectType)
	require.Len(t, cfg.Hops, 2)
	assert.Equal(t, "ops", cfg.Hops[0].User)
	assert.Equal(t, model.RoleTerminal, cfg.Hops[1].Role)
	assert.Equal(t, []string{"no_dmesg"}, cfg.ShowParts)
	assert.Equal(t, 7*time.Second, cfg.Interval(model.KindDmesg))
	assert.Equal(t, DefaultIntervalSec*time.Second, cfg.Interval(model.KindMtemp))
	require.NotNil(t, cfg.Traffic)
	assert.Equal(t, 10, cfg.Traffic.TrafficDurationSec)
	assert.Equal(t, ConnectRemote, cfg.Traffic.Server.ConnectType)
	assert.Equal(t, ConnectLocal, cfg.Traffic.Client.ConnectType)
	assert.Equal(t, cfg.Hops, cfg.Traffic.Server.Hops)
}

func TestApplyDefaults_TrafficServerInheritsHops(t *testing.T) {
	t.Parallel()

	cfg := Config{
		ConnectType: ConnectRemote,
		Hops:        []model.Hop{{Address: "bastion", User: "ops"}, {Address: "dut", User: "root"}},
		Traffic: &TrafficConfig{
			Server: HostConfig{IPs: []string{"10.1.1.1"}},
			Client: HostConfig{IPs: []string{"10.1.1.2"}},
		},
	}
	ApplyDefaults(&cfg)
	require.NoError(t, Validate(cfg))

	srv := cfg.Traffic.Server
	assert.Equal(t, ConnectRemote, srv.ConnectType)
	require.Len(t, srv.Hops, 2)
	assert.Equal(t, model.RoleTerminal, srv.Hops[1].Role)

	srv.Hops[0].Address = "changed"
	assert.Equal(t, "bastion", cfg.Hops[0].Address)

	// An explicit server connect type keeps its own, empty, hop list.
	explicit := Config{
		ConnectType: ConnectRemote,
		Hops:        []model.Hop{{Address: "dut"}},
		Traffic: &TrafficConfig{
			Server: HostConfig{ConnectType: ConnectRemote, IPs: []string{"10.1.1.1"}},
			Client: HostConfig{IPs: []string{"10.1.1.2"}},
		},
	}
	ApplyDefaults(&explicit)
	assert.Error(t, Validate(explicit))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
