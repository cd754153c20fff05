package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honored in addition to the config file. The
// subnet has no sane default, so it must come from one of the two.
const (
	EnvSubnet       = "DFTP_SUBNET"
	EnvReplicationK = "DATA_NODE_REPLICATION_K"
)

// Config is the full configuration of a single dftp node. A process
// runs exactly one role; unrelated sections are simply ignored.
type Config struct {
	// Name uniquely identifies the node in the cluster. Names also
	// decide gossip coordinator election (smallest name wins), so they
	// should be stable across restarts.
	Name string `yaml:"name"`

	// IP is the address this node binds and advertises.
	IP string `yaml:"ip"`

	// ControlPort is the internal message port. All nodes in a cluster
	// must agree on it.
	ControlPort int `yaml:"control_port"`

	// Subnet is the CIDR range probed for registry nodes, for example
	// "10.0.0.0/24". Overridden by DFTP_SUBNET.
	Subnet string `yaml:"subnet"`

	// FTPPort is the client-facing control port (routing nodes only).
	FTPPort int `yaml:"ftp_port"`

	// FSRoot is the directory files are stored under (storage nodes).
	FSRoot string `yaml:"fs_root"`

	// ReplicationK is the number of replica acks a write waits for.
	// Overridden by DATA_NODE_REPLICATION_K.
	ReplicationK int `yaml:"replication_k"`

	// UsersFile is the JSON user database path (auth nodes).
	UsersFile string `yaml:"users_file"`

	// MetricsAddr, when non-empty, enables the Prometheus endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// Timings. Zero values pick the defaults below.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ProbeWorkers      int           `yaml:"probe_workers"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	CleanInterval     time.Duration `yaml:"clean_interval"`

	Log Log `yaml:"log"`
}

// Log configures the zerolog output.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		ControlPort:       9000,
		FTPPort:           21,
		FSRoot:            "/var/lib/dftp/data",
		UsersFile:         "/var/lib/dftp/users.json",
		ReplicationK:      1,
		HeartbeatInterval: 2 * time.Second,
		ProbeTimeout:      800 * time.Millisecond,
		ProbeWorkers:      32,
		HeartbeatTimeout:  10 * time.Second,
		CleanInterval:     60 * time.Second,
		Log:               Log{Level: "info", JSON: true},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path loads defaults plus environment
// only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSubnet); v != "" {
		c.Subnet = v
	}
	if v := os.Getenv(EnvReplicationK); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.ReplicationK = k
		}
	}
}

// Validate checks the fields every role depends on.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if c.IP == "" {
		return fmt.Errorf("node ip is required")
	}
	if net.ParseIP(c.IP) == nil {
		return fmt.Errorf("invalid node ip %q", c.IP)
	}
	if c.Subnet == "" {
		return fmt.Errorf("subnet is required (set %s or the subnet config key)", EnvSubnet)
	}
	if _, _, err := net.ParseCIDR(c.Subnet); err != nil {
		return fmt.Errorf("invalid subnet %q: %w", c.Subnet, err)
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port %d", c.ControlPort)
	}
	return nil
}
