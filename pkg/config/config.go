// Package config loads the orchard configuration from YAML, applies
// environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orchardproj/orchard/pkg/telemetry"
	sshtransport "github.com/orchardproj/orchard/pkg/transports/ssh"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Locks        LocksConfig        `yaml:"locks"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	SSH          SSHConfig          `yaml:"ssh"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend for environments, node
// membership and job history.
type StoreConfig struct {
	// Backend is sqlite or memory
	Backend string `yaml:"backend" validate:"oneof=sqlite memory"`

	// Path is the SQLite database file
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`
}

// LocksConfig selects where lock records live. The default "store" keeps
// them in the persistence backend; "redis" moves them to a shared Redis so
// several orchestrator processes contend on the same records.
type LocksConfig struct {
	Backend  string `yaml:"backend" validate:"oneof=store redis"`
	RedisURL string `yaml:"redis_url" validate:"required_if=Backend redis"`
}

// OrchestratorConfig tunes job execution.
type OrchestratorConfig struct {
	// Identity is the lock owner identity of this process
	Identity string `yaml:"identity" validate:"required"`

	// MaxParallel bounds concurrent node operations per job; 0 is unbounded
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`

	// Retention is how long finished tickets stay resolvable
	Retention time.Duration `yaml:"retention"`
}

// SSHConfig configures the remote executor.
type SSHConfig struct {
	User                  string         `yaml:"user" validate:"required"`
	Port                  int            `yaml:"port" validate:"gt=0,lte=65535"`
	AuthMethod            string         `yaml:"auth_method" validate:"oneof=key password"`
	Password              string         `yaml:"password"`
	PrivateKeyPath        string         `yaml:"private_key_path"`
	PrivateKeyPassphrase  string         `yaml:"private_key_passphrase"`
	KnownHostsPath        string         `yaml:"known_hosts_path"`
	StrictHostKeyChecking bool           `yaml:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration  `yaml:"connection_timeout"`
	CommandTimeout        time.Duration  `yaml:"command_timeout"`
	Commands              CommandsConfig `yaml:"commands"`
}

// CommandsConfig overrides the remote command per operation.
type CommandsConfig struct {
	Configure string `yaml:"configure"`
	Bootstrap string `yaml:"bootstrap"`
	Destroy   string `yaml:"destroy"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sshDefaults := sshtransport.DefaultConfig("root")

	return &Config{
		Server: ServerConfig{
			Addr:            ":8420",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "orchard.db",
		},
		Locks: LocksConfig{
			Backend: "store",
		},
		Orchestrator: OrchestratorConfig{
			Identity:    defaultIdentity(),
			MaxParallel: 0,
			Retention:   15 * time.Minute,
		},
		SSH: SSHConfig{
			User:                  sshDefaults.User,
			Port:                  sshDefaults.Port,
			AuthMethod:            string(sshDefaults.AuthMethod),
			KnownHostsPath:        sshDefaults.KnownHostsPath,
			StrictHostKeyChecking: sshDefaults.StrictHostKeyChecking,
			ConnectionTimeout:     sshDefaults.ConnectionTimeout,
			CommandTimeout:        sshDefaults.CommandTimeout,
			Commands: CommandsConfig{
				Configure: sshDefaults.Commands.Configure,
				Bootstrap: sshDefaults.Commands.Bootstrap,
				Destroy:   sshDefaults.Commands.Destroy,
			},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

func defaultIdentity() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "orchard"
	}
	return "orchard@" + hostname
}

// Load reads the configuration file at path, falling back to defaults when
// the file does not exist. Environment overrides apply after the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides file values from ORCHARD_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("ORCHARD_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ORCHARD_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("ORCHARD_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ORCHARD_LOCKS_BACKEND"); v != "" {
		c.Locks.Backend = v
	}
	if v := os.Getenv("ORCHARD_REDIS_URL"); v != "" {
		c.Locks.RedisURL = v
	}
	if v := os.Getenv("ORCHARD_IDENTITY"); v != "" {
		c.Orchestrator.Identity = v
	}
	if v := os.Getenv("ORCHARD_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxParallel = n
		}
	}
	if v := os.Getenv("ORCHARD_SSH_USER"); v != "" {
		c.SSH.User = v
	}
	if v := os.Getenv("ORCHARD_SSH_PASSWORD"); v != "" {
		c.SSH.Password = v
	}
	if v := os.Getenv("ORCHARD_LOG_LEVEL"); v != "" {
		c.Telemetry.Logging.Level = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	return nil
}

// SSHTransportConfig builds the executor config from the SSH section.
func (c *Config) SSHTransportConfig() *sshtransport.Config {
	return &sshtransport.Config{
		Port:                  c.SSH.Port,
		User:                  c.SSH.User,
		AuthMethod:            sshtransport.AuthMethod(c.SSH.AuthMethod),
		Password:              c.SSH.Password,
		PrivateKeyPath:        c.SSH.PrivateKeyPath,
		PrivateKeyPassphrase:  c.SSH.PrivateKeyPassphrase,
		KnownHostsPath:        c.SSH.KnownHostsPath,
		StrictHostKeyChecking: c.SSH.StrictHostKeyChecking,
		ConnectionTimeout:     c.SSH.ConnectionTimeout,
		CommandTimeout:        c.SSH.CommandTimeout,
		Commands: sshtransport.Commands{
			Configure: c.SSH.Commands.Configure,
			Bootstrap: c.SSH.Commands.Bootstrap,
			Destroy:   c.SSH.Commands.Destroy,
		},
	}
}
