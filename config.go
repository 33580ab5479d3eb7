package robin

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UserConfig is one entry in the credential table. The password is
// either a literal or a bcrypt hash (recognized by its $2 prefix).
type UserConfig struct {
	Name     string `yaml:"name"`
	Password string `yaml:"pass"`
}

// StorageConfig controls where received messages are persisted.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RelayConfig controls global relaying of received messages. When
// disabled, only messages carrying an X-Robin-Relay header relay.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ServerConfig is the typed server configuration. Field names mirror
// the configuration file keys consumed by the service scripts.
type ServerConfig struct {
	Hostname       string `yaml:"hostname"`
	Bind           string `yaml:"bind"`
	SMTPPort       int    `yaml:"smtpPort"`
	SecurePort     int    `yaml:"securePort"`
	SubmissionPort int    `yaml:"submissionPort"`

	Backlog             int `yaml:"backlog"`
	MinimumPoolSize     int `yaml:"minimumPoolSize"`
	MaximumPoolSize     int `yaml:"maximumPoolSize"`
	ThreadKeepAliveTime int `yaml:"threadKeepAliveTime"` // seconds

	TransactionsLimit int `yaml:"transactionsLimit"`
	ErrorLimit        int `yaml:"errorLimit"`

	// ReadTimeout is the per-socket read timeout in seconds.
	ReadTimeout    int   `yaml:"readTimeout"`
	MaxMessageSize int64 `yaml:"maxMessageSize"`

	Auth     bool `yaml:"auth"`
	StartTLS bool `yaml:"starttls"`
	Chunking bool `yaml:"chunking"`

	Keystore         string `yaml:"keystore"`
	KeystorePassword string `yaml:"keystorepassword"`

	DovecotAuth       bool   `yaml:"dovecotAuth"`
	DovecotAuthSocket string `yaml:"dovecotAuthSocket"`

	Users     []UserConfig         `yaml:"users"`
	Scenarios map[string]*Scenario `yaml:"scenarios"`

	Storage StorageConfig `yaml:"storage"`
	Relay   RelayConfig   `yaml:"relay"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultServerConfig returns a ServerConfig with the defaults the
// service ships with.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Hostname:            "robin.local",
		Bind:                "::",
		SMTPPort:            25,
		SecurePort:          465,
		SubmissionPort:      587,
		Backlog:             25,
		MinimumPoolSize:     1,
		MaximumPoolSize:     10,
		ThreadKeepAliveTime: 60,
		TransactionsLimit:   200,
		ErrorLimit:          3,
		ReadTimeout:         300,
		StartTLS:            true,
		Chunking:            true,
		DovecotAuthSocket:   "/run/dovecot/auth-userdb",
		Logger:              slog.Default(),
	}
}

// applyDefaults fills zero values after decode.
func (c *ServerConfig) applyDefaults() {
	def := DefaultServerConfig()
	if c.Hostname == "" {
		c.Hostname = def.Hostname
	}
	if c.Bind == "" {
		c.Bind = def.Bind
	}
	if c.Backlog == 0 {
		c.Backlog = def.Backlog
	}
	if c.MinimumPoolSize == 0 {
		c.MinimumPoolSize = def.MinimumPoolSize
	}
	if c.MaximumPoolSize == 0 {
		c.MaximumPoolSize = def.MaximumPoolSize
	}
	if c.ThreadKeepAliveTime == 0 {
		c.ThreadKeepAliveTime = def.ThreadKeepAliveTime
	}
	if c.TransactionsLimit == 0 {
		c.TransactionsLimit = def.TransactionsLimit
	}
	if c.ErrorLimit == 0 {
		c.ErrorLimit = def.ErrorLimit
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.DovecotAuthSocket == "" {
		c.DovecotAuthSocket = def.DovecotAuthSocket
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ReadTimeoutDuration returns the socket read timeout.
func (c *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

// KeepAliveDuration returns how long an idle worker above the pool
// minimum lingers before exiting.
func (c *ServerConfig) KeepAliveDuration() time.Duration {
	return time.Duration(c.ThreadKeepAliveTime) * time.Second
}

// User returns the credential entry for a username.
func (c *ServerConfig) User(name string) (UserConfig, bool) {
	for _, u := range c.Users {
		if u.Name == name {
			return u, true
		}
	}
	return UserConfig{}, false
}

// LoadServerConfig reads a YAML configuration file. Unknown keys are
// logged as a startup warning rather than failing.
func LoadServerConfig(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: %w", err)
	}
	return ParseServerConfig(data)
}

// ParseServerConfig decodes YAML configuration bytes.
func ParseServerConfig(data []byte) (ServerConfig, error) {
	config := ServerConfig{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		// Retry leniently: unknown keys warn instead of failing.
		config = ServerConfig{}
		if lerr := yaml.Unmarshal(data, &config); lerr != nil {
			return ServerConfig{}, fmt.Errorf("config: %w", lerr)
		}
		slog.Warn("config contains unknown keys", slog.Any("error", err))
	}

	config.applyDefaults()
	return config, nil
}
