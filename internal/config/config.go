package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	clientEnvPrefix = "ESASYNC"
	serverEnvPrefix = "ESASYNC_SERVER"

	defaultDataDirName     = ".esasync"
	defaultDatabaseName    = "verifiche.db"
	defaultMaxAttempts     = 3
	defaultRetryDelay      = 10 * time.Second
	defaultPushTimeout     = 120 * time.Second
	defaultPullTimeout     = 60 * time.Second
	defaultPullConcurrency = 4
	defaultLogLevel        = "info"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = "sqlite"
	defaultServerDSN      = "esasync-server.db"
	defaultTokenTTL       = 720

	// TokenIssuer and TokenAudience bind issued tokens to this service.
	TokenIssuer   = "esasync-server"
	TokenAudience = "esasync"
)

// ErrMissingServerURL indicates a command that talks to the server without server.url configured.
var ErrMissingServerURL = errors.New("server.url is required")

// ClientConfig captures the field client's runtime configuration.
type ClientConfig struct {
	DataDir         string
	DatabasePath    string
	ServerURL       string
	MaxAttempts     int
	RetryDelay      time.Duration
	PushTimeout     time.Duration
	PullTimeout     time.Duration
	PullConcurrency int
	LogLevel        string
	LogFile         string
}

// ServerConfig captures the reference sync server's runtime configuration.
type ServerConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	SigningSecret  string
	TokenTTL       time.Duration
	AllowedOrigins []string
	LogLevel       string
	LogFile        string
}

// LoadDotEnv loads variables from a .env file when it exists. Variables already set win.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// NewClientViper returns a viper instance with client defaults and env bindings configured.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// ApplyClientDefaults configures client defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(clientEnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("data.dir", defaultDataDir())
	configViper.SetDefault("database.path", "")
	configViper.SetDefault("server.url", "")
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.retry_delay", defaultRetryDelay)
	configViper.SetDefault("sync.push_timeout", defaultPushTimeout)
	configViper.SetDefault("sync.pull_timeout", defaultPullTimeout)
	configViper.SetDefault("sync.pull_concurrency", defaultPullConcurrency)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DataDir:         strings.TrimSpace(configViper.GetString("data.dir")),
		DatabasePath:    strings.TrimSpace(configViper.GetString("database.path")),
		ServerURL:       strings.TrimSpace(configViper.GetString("server.url")),
		MaxAttempts:     configViper.GetInt("sync.max_attempts"),
		RetryDelay:      configViper.GetDuration("sync.retry_delay"),
		PushTimeout:     configViper.GetDuration("sync.push_timeout"),
		PullTimeout:     configViper.GetDuration("sync.pull_timeout"),
		PullConcurrency: configViper.GetInt("sync.pull_concurrency"),
		LogLevel:        configViper.GetString("log.level"),
		LogFile:         strings.TrimSpace(configViper.GetString("log.file")),
	}
	if cfg.DatabasePath == "" && cfg.DataDir != "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, defaultDatabaseName)
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// RequireServer reports ErrMissingServerURL when no server is configured.
func (c ClientConfig) RequireServer() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	return nil
}

func (c ClientConfig) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("sync.retry_delay must not be negative")
	}
	if c.PushTimeout <= 0 || c.PullTimeout <= 0 {
		return fmt.Errorf("sync.push_timeout and sync.pull_timeout must be positive")
	}
	if c.PullConcurrency < 1 {
		return fmt.Errorf("sync.pull_concurrency must be at least 1")
	}
	return nil
}

// NewServerViper returns a viper instance with server defaults and env bindings configured.
func NewServerViper() *viper.Viper {
	configViper := viper.New()
	ApplyServerDefaults(configViper)
	return configViper
}

// ApplyServerDefaults configures server defaults and env bindings on the provided viper instance.
func ApplyServerDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(serverEnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultServerDSN)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        strings.TrimSpace(configViper.GetString("log.file")),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return defaultDataDirName
	}
	return filepath.Join(home, defaultDataDirName)
}
