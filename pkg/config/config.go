// Package config loads the YAML configuration describing which transports
// a lafrpc runtime starts, their addresses, TLS material, KCP tuning, the
// HTTP upgrade path/static root, and raw-socket registry TTL.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	MaxPacketSize int           `yaml:"max_packet_size"`
	DNSCacheTTL   Duration      `yaml:"dns_cache_ttl"`
	RawSocket     RawSocketConf `yaml:"raw_socket"`

	TCP  *TCPConfig  `yaml:"tcp,omitempty"`
	SSL  *SSLConfig  `yaml:"ssl,omitempty"`
	KCP  *KCPConfig  `yaml:"kcp,omitempty"`
	HTTP *HTTPConfig `yaml:"http,omitempty"`
}

type RawSocketConf struct {
	TTL Duration `yaml:"ttl"`
}

type TCPConfig struct {
	Address        string `yaml:"address"`
	MaxConnections int    `yaml:"max_connections"`
}

type TLSMaterial struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

type SSLConfig struct {
	Address        string      `yaml:"address"`
	MaxConnections int         `yaml:"max_connections"`
	TLS            TLSMaterial `yaml:"tls"`
}

type KCPConfig struct {
	Address        string       `yaml:"address"`
	MaxConnections int          `yaml:"max_connections"`
	DataShards     int          `yaml:"data_shards"`
	ParityShards   int          `yaml:"parity_shards"`
	SSL            *TLSMaterial `yaml:"ssl,omitempty"` // when set, this KCP endpoint is kcp+ssl
}

type HTTPConfig struct {
	Address        string       `yaml:"address"`
	Path           string       `yaml:"path"`
	RootDir        string       `yaml:"root_dir"`
	MaxConnections int          `yaml:"max_connections"`
	TLS            *TLSMaterial `yaml:"tls,omitempty"` // when set, this is https
}

// Duration parses YAML string durations like "5s" or "1m30s", mirroring
// the config pattern used across the rest of the stack.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}

	d.Duration = dd
	return nil
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 64 * 1024
	}

	return &cfg, nil
}
