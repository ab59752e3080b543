package conf

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"relay/internal/blobstorage"
)

// Config is the server configuration loaded from YAML.
type Config struct {
	ServerName            string             `yaml:"server_name"`
	Domain                string             `yaml:"domain"`
	ListenAddr            string             `yaml:"listen_addr"`
	MetricsAddr           string             `yaml:"metrics_addr"`
	MaxConnectionsPerUser int                `yaml:"max_connections_per_user"`
	SessionTimeoutMinutes int                `yaml:"session_timeout_minutes"`
	BlobStorage           blobstorage.Config `yaml:"blob_storage"`
}

// SessionTimeout returns the configured inactivity timeout.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// defaults fills unset fields with working values.
func (c *Config) defaults() {
	if c.ServerName == "" {
		c.ServerName = "relay"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:143"
	}
	if c.MaxConnectionsPerUser == 0 {
		c.MaxConnectionsPerUser = 8
	}
	if c.SessionTimeoutMinutes == 0 {
		c.SessionTimeoutMinutes = 30
	}
}

// LoadConfig reads the configuration from the first path that exists.
func LoadConfig() (*Config, error) {
	configPaths := []string{
		"/etc/relay/relay.yaml",
		"./config/relay.yaml",
		"./relay.yaml",
		"config/relay.yaml",
	}
	return loadFrom(configPaths)
}

// LoadConfigFile reads the configuration from an explicit path.
func LoadConfigFile(path string) (*Config, error) {
	return loadFrom([]string{path})
}

func loadFrom(paths []string) (*Config, error) {
	var data []byte
	var err error
	for _, path := range paths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return &cfg, nil
}
