package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "DTC"
	defaultHTTPAddress      = "0.0.0.0:3000"
	defaultStorePath        = "data.json"
	defaultCacheTTLSeconds  = 2
	defaultServerURL        = "http://localhost:3000"
	defaultDatabasePath     = "dtc-client.db"
	defaultIntervalSeconds  = 5
	defaultTimeoutSeconds   = 3
	defaultLogLevel         = "info"
	defaultSerializeWrites  = true
	defaultHeartbeatSeconds = 25
)

// ServerConfig captures runtime configuration for the sync server.
type ServerConfig struct {
	HTTPAddress       string
	StorePath         string
	SerializeWrites   bool
	CacheTTL          time.Duration
	HeartbeatInterval time.Duration
	SyncKey           string
	LogLevel          string
}

// ClientConfig captures runtime configuration for the desk client.
type ClientConfig struct {
	ServerURL    string
	DatabasePath string
	SyncKey      string
	Interval     time.Duration
	PingTimeout  time.Duration
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("store.serialize_writes", defaultSerializeWrites)
	configViper.SetDefault("store.cache_ttl_seconds", defaultCacheTTLSeconds)
	configViper.SetDefault("events.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("sync.interval_seconds", defaultIntervalSeconds)
	configViper.SetDefault("sync.timeout_seconds", defaultTimeoutSeconds)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadDotEnv loads KEY=VALUE pairs from the file into the process environment without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadServer parses sync server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		StorePath:         configViper.GetString("store.path"),
		SerializeWrites:   configViper.GetBool("store.serialize_writes"),
		CacheTTL:          time.Duration(configViper.GetInt("store.cache_ttl_seconds")) * time.Second,
		HeartbeatInterval: time.Duration(configViper.GetInt("events.heartbeat_seconds")) * time.Second,
		SyncKey:           configViper.GetString("sync.key"),
		LogLevel:          configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SyncKey) == "" {
		return fmt.Errorf("sync.key is required")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("store.cache_ttl_seconds must not be negative")
	}
	return nil
}

// LoadClient parses desk client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    configViper.GetString("server.url"),
		DatabasePath: configViper.GetString("database.path"),
		SyncKey:      configViper.GetString("sync.key"),
		Interval:     time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		PingTimeout:  time.Duration(configViper.GetInt("sync.timeout_seconds")) * time.Second,
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("sync.timeout_seconds must be positive")
	}
	if raw := strings.TrimSpace(c.ServerURL); raw != "" {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("server.url is invalid: %w", err)
		}
	}
	return nil
}
