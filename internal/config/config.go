package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"nicmon/internal/model"
)

const (
	ConnectLocal  = "local"
	ConnectRemote = "remote"

	DefaultIntervalSec       = 2
	DefaultProbeTimeoutSec   = 10
	DefaultKeepaliveSec      = 15
	DefaultConnectTimeoutSec = 10
	DefaultReconnectAttempts = 5
	DefaultReconnectMaxSec   = 30
	DefaultStartPort         = 5001
	DefaultProtocol          = "tcp"
	DefaultParallelStreams   = 1
	DefaultStatsPollSec      = 1
	DefaultReadyTimeoutSec   = 10
	DefaultGraceSec          = 5
	DefaultReadiness         = "log"
	DefaultIperfBinary       = "iperf3"
	DefaultRemoteLogDir      = "/tmp"
	DefaultOutputDir         = "runs"
	DefaultListen            = "127.0.0.1:9465"
	envPrefix                = "NICMON"
	maxPort                  = 65535
	readinessTCP             = "tcp"
	readinessLog             = DefaultReadiness
)

// Config is the resolved configuration of one nicmon invocation.
type Config struct {
	ConnectType     string         `yaml:"connect_type" mapstructure:"connect_type"`
	Hops            []model.Hop    `yaml:"hops,omitempty" mapstructure:"hops"`
	Interface       string         `yaml:"interface" mapstructure:"interface"`
	Device          string         `yaml:"device,omitempty" mapstructure:"device"`
	ShowParts       []string       `yaml:"show_parts" mapstructure:"show_parts"`
	IntervalSec     int            `yaml:"interval_sec" mapstructure:"interval_sec"`
	Intervals       map[string]int `yaml:"intervals,omitempty" mapstructure:"intervals"`
	ProbeTimeoutSec int            `yaml:"probe_timeout_sec" mapstructure:"probe_timeout_sec"`
	Remote          RemoteConfig   `yaml:"remote" mapstructure:"remote"`
	Traffic         *TrafficConfig `yaml:"traffic,omitempty" mapstructure:"traffic"`
	OutputDir       string         `yaml:"output_dir" mapstructure:"output_dir"`
	Listen          string         `yaml:"listen" mapstructure:"listen"`
}

// RemoteConfig tunes SSH sessions.
type RemoteConfig struct {
	KeepaliveSec       int    `yaml:"keepalive_sec" mapstructure:"keepalive_sec"`
	ConnectTimeoutSec  int    `yaml:"connect_timeout_sec" mapstructure:"connect_timeout_sec"`
	ReconnectAttempts  int    `yaml:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	ReconnectMaxSec    int    `yaml:"reconnect_max_sec" mapstructure:"reconnect_max_sec"`
	KnownHosts         string `yaml:"known_hosts,omitempty" mapstructure:"known_hosts"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	SSHConfigPath      string `yaml:"ssh_config,omitempty" mapstructure:"ssh_config"`
}

// HostConfig describes one side of a traffic test.
type HostConfig struct {
	ConnectType string      `yaml:"connect_type" mapstructure:"connect_type"`
	Hops        []model.Hop `yaml:"hops,omitempty" mapstructure:"hops"`
	IPs         []string    `yaml:"ips" mapstructure:"ips"`
}

// TrafficConfig configures an iperf3 test. TrafficDurationSec == 0 runs until stopped.
type TrafficConfig struct {
	Server             HostConfig `yaml:"server" mapstructure:"server"`
	Client             HostConfig `yaml:"client" mapstructure:"client"`
	StartPort          int        `yaml:"start_port" mapstructure:"start_port"`
	Protocol           string     `yaml:"protocol" mapstructure:"protocol"`
	Bandwidth          string     `yaml:"bandwidth,omitempty" mapstructure:"bandwidth"`
	ParallelStreams    int        `yaml:"parallel_streams" mapstructure:"parallel_streams"`
	StatsPollSec       int        `yaml:"stats_poll_sec" mapstructure:"stats_poll_sec"`
	FlushSec           int        `yaml:"flush_sec" mapstructure:"flush_sec"`
	TrafficDurationSec int        `yaml:"traffic_duration_sec" mapstructure:"traffic_duration_sec"`
	Bidirectional      bool       `yaml:"bidirectional" mapstructure:"bidirectional"`
	ReadyTimeoutSec    int        `yaml:"ready_timeout_sec" mapstructure:"ready_timeout_sec"`
	GraceSec           int        `yaml:"grace_sec" mapstructure:"grace_sec"`
	Readiness          string     `yaml:"readiness" mapstructure:"readiness"`
	IperfBinary        string     `yaml:"iperf_binary" mapstructure:"iperf_binary"`
	RemoteLogDir       string     `yaml:"remote_log_dir" mapstructure:"remote_log_dir"`
}

// Load reads a YAML config file. NICMON_* environment variables override top-level keys.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{"connect_type", "interface", "device", "output_dir", "listen", "interval_sec", "remote.insecure_skip_verify", "remote.known_hosts"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields the core cannot run without.
// Validate reports every invalid section at once.
func Validate(cfg Config) error {
	var result *multierror.Error
	if err := validateConnect("connect_type", cfg.ConnectType, cfg.Hops); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := ParseSkipFlags(cfg.ShowParts); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.Traffic != nil {
		if err := validateTraffic(cfg.Traffic); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func validateConnect(field, connectType string, hops []model.Hop) error {
	switch connectType {
	case ConnectLocal:
		return nil
	case ConnectRemote:
		if len(hops) == 0 {
			return fmt.Errorf("%s is remote but no hops are configured", field)
		}
		for i, hop := range hops {
			if strings.TrimSpace(hop.Address) == "" {
				return fmt.Errorf("hop %d: address is required", i)
			}
		}
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", field, ConnectLocal, ConnectRemote, connectType)
	}
}

func validateTraffic(t *TrafficConfig) error {
	if err := validateConnect("traffic.server.connect_type", t.Server.ConnectType, t.Server.Hops); err != nil {
		return err
	}
	if err := validateConnect("traffic.client.connect_type", t.Client.ConnectType, t.Client.Hops); err != nil {
		return err
	}
	if len(t.Server.IPs) == 0 || len(t.Client.IPs) == 0 {
		return errors.New("traffic.server.ips and traffic.client.ips are required")
	}
	if len(t.Server.IPs) != len(t.Client.IPs) {
		return fmt.Errorf("traffic: %d server ips but %d client ips", len(t.Server.IPs), len(t.Client.IPs))
	}
	if t.Protocol != string(model.TCP) && t.Protocol != string(model.UDP) {
		return fmt.Errorf("traffic.protocol must be tcp or udp, got %q", t.Protocol)
	}
	flows := len(t.Client.IPs)
	if t.Bidirectional {
		flows *= 2
	}
	if t.StartPort <= 0 || t.StartPort+flows-1 > maxPort {
		return fmt.Errorf("traffic.start_port %d cannot fit %d flows", t.StartPort, flows)
	}
	if t.TrafficDurationSec < 0 {
		return errors.New("traffic.traffic_duration_sec must be >= 0")
	}
	if t.Readiness != readinessLog && t.Readiness != readinessTCP {
		return fmt.Errorf("traffic.readiness must be %q or %q", readinessLog, readinessTCP)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.ConnectType == "" {
		cfg.ConnectType = ConnectLocal
	}
	if cfg.IntervalSec == 0 {
		cfg.IntervalSec = DefaultIntervalSec
	}
	if cfg.ProbeTimeoutSec == 0 {
		cfg.ProbeTimeoutSec = DefaultProbeTimeoutSec
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ShowParts == nil {
		cfg.ShowParts = []string{}
	}
	assignRoles(cfg.Hops)

	r := &cfg.Remote
	if r.KeepaliveSec == 0 {
		r.KeepaliveSec = DefaultKeepaliveSec
	}
	if r.ConnectTimeoutSec == 0 {
		r.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
	if r.ReconnectAttempts == 0 {
		r.ReconnectAttempts = DefaultReconnectAttempts
	}
	if r.ReconnectMaxSec == 0 {
		r.ReconnectMaxSec = DefaultReconnectMaxSec
	}

	if t := cfg.Traffic; t != nil {
		if t.Server.ConnectType == "" {
			t.Server.ConnectType = cfg.ConnectType
			if len(t.Server.Hops) == 0 {
				t.Server.Hops = append([]model.Hop(nil), cfg.Hops...)
			}
		}
		if t.Client.ConnectType == "" {
			t.Client.ConnectType = ConnectLocal
		}
		assignRoles(t.Server.Hops)
		assignRoles(t.Client.Hops)
		if t.StartPort == 0 {
			t.StartPort = DefaultStartPort
		}
		if t.Protocol == "" {
			t.Protocol = DefaultProtocol
		}
		if t.ParallelStreams == 0 {
			t.ParallelStreams = DefaultParallelStreams
		}
		if t.StatsPollSec == 0 {
			t.StatsPollSec = DefaultStatsPollSec
		}
		if t.FlushSec == 0 {
			t.FlushSec = t.StatsPollSec
		}
		if t.ReadyTimeoutSec == 0 {
			t.ReadyTimeoutSec = DefaultReadyTimeoutSec
		}
		if t.GraceSec == 0 {
			t.GraceSec = DefaultGraceSec
		}
		if t.Readiness == "" {
			t.Readiness = DefaultReadiness
		}
		if t.IperfBinary == "" {
			t.IperfBinary = DefaultIperfBinary
		}
		if t.RemoteLogDir == "" {
			t.RemoteLogDir = DefaultRemoteLogDir
		}
	}
}

// assignRoles marks the last hop terminal and every other hop a jump host.
func assignRoles(hops []model.Hop) {
	for i := range hops {
		if i == len(hops)-1 {
			hops[i].Role = model.RoleTerminal
		} else {
			hops[i].Role = model.RoleJump
		}
	}
}
