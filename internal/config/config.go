// Package config provides Viper-based configuration loading for the room server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds the HTTP listener settings. The websocket endpoint and
// the account API share this listener.
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// WebsocketConfig tunes client connections.
type WebsocketConfig struct {
	// SendBuffer is the number of outbound frames queued per connection
	// before it is closed as a slow consumer.
	SendBuffer int `mapstructure:"send_buffer"`
	// PingInterval is how often the server pings an idle client.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PongWait is how long the server waits for any client frame or pong.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// WriteWait bounds a single frame write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// MaxMessageBytes caps an inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// StorageConfig selects the persistence gateway.
type StorageConfig struct {
	// Driver is one of "memory", "postgres", "sqlite".
	Driver string `mapstructure:"driver"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path"`
	// CheckpointTimeout bounds one background room save.
	CheckpointTimeout time.Duration `mapstructure:"checkpoint_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// AuthConfig configures session tokens.
type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

// NarrativeConfig configures the narrator.
type NarrativeConfig struct {
	// Backend is "anthropic" or "scripted".
	Backend   string `mapstructure:"backend"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	// PromptsFile overrides the built-in prompt templates when set.
	PromptsFile string `mapstructure:"prompts_file"`
	// ContextMessages is how many recent messages are sent with each request.
	ContextMessages int           `mapstructure:"context_messages"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Streaming       bool          `mapstructure:"streaming"`
	AutoResolve     bool          `mapstructure:"auto_resolve"`
	// ScriptedDelay paces the scripted backend between words.
	ScriptedDelay time.Duration `mapstructure:"scripted_delay"`
	// VoiceURL, when set, enables speech synthesis through that endpoint.
	VoiceURL   string `mapstructure:"voice_url"`
	Voice      string `mapstructure:"voice"`
	VoiceChunk int    `mapstructure:"voice_chunk"`
	// AudioClips is how many rendered clips of non-streamed responses are
	// kept for download.
	AudioClips int `mapstructure:"audio_clips"`
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
	// Interval is how often storage health is polled.
	Interval time.Duration `mapstructure:"interval"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Narrative NarrativeConfig `mapstructure:"narrative"`
	Health    HealthConfig    `mapstructure:"health"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, err := range []error{
		validateHTTP(c.HTTP),
		validateWebsocket(c.Websocket),
		validateStorage(c.Storage),
		validateLogging(c.Logging),
		validateAuth(c.Auth),
		validateNarrative(c.Narrative),
		validateHealth(c.Health),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Storage.Driver == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if !validPort(h.Port) {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.ReadTimeout < 0 {
		errs = append(errs, "http.read_timeout must not be negative")
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	return joined(errs)
}

func validateWebsocket(w WebsocketConfig) error {
	var errs []string
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.PingInterval <= 0 || w.PingInterval >= w.PongWait {
		errs = append(errs, "websocket.ping_interval must be positive and shorter than websocket.pong_wait")
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_bytes must be >= 1, got %d", w.MaxMessageBytes))
	}
	return joined(errs)
}

func validateStorage(s StorageConfig) error {
	var errs []string
	validDrivers := map[string]bool{"memory": true, "postgres": true, "sqlite": true}
	if !validDrivers[s.Driver] {
		errs = append(errs, fmt.Sprintf("storage.driver must be one of [memory, postgres, sqlite], got %q", s.Driver))
	}
	if s.Driver == "sqlite" && s.SQLitePath == "" {
		errs = append(errs, "storage.sqlite_path must not be empty for the sqlite driver")
	}
	if s.CheckpointTimeout <= 0 {
		errs = append(errs, "storage.checkpoint_timeout must be positive")
	}
	return joined(errs)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if !validPort(d.Port) {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joined(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if len(a.SigningKey) < 16 {
		errs = append(errs, "auth.signing_key must be at least 16 characters")
	}
	if a.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	return joined(errs)
}

func validateNarrative(n NarrativeConfig) error {
	var errs []string
	switch n.Backend {
	case "anthropic":
		if n.APIKey == "" {
			errs = append(errs, "narrative.api_key must not be empty for the anthropic backend")
		}
		if n.Model == "" {
			errs = append(errs, "narrative.model must not be empty")
		}
		if n.MaxTokens < 1 {
			errs = append(errs, fmt.Sprintf("narrative.max_tokens must be >= 1, got %d", n.MaxTokens))
		}
	case "scripted":
	default:
		errs = append(errs, fmt.Sprintf("narrative.backend must be one of [anthropic, scripted], got %q", n.Backend))
	}
	if n.ContextMessages < 0 {
		errs = append(errs, fmt.Sprintf("narrative.context_messages must be >= 0, got %d", n.ContextMessages))
	}
	if n.Timeout <= 0 {
		errs = append(errs, "narrative.timeout must be positive")
	}
	if n.ScriptedDelay < 0 {
		errs = append(errs, "narrative.scripted_delay must not be negative")
	}
	if n.VoiceURL != "" && n.VoiceChunk < 1 {
		errs = append(errs, fmt.Sprintf("narrative.voice_chunk must be >= 1, got %d", n.VoiceChunk))
	}
	if n.VoiceURL != "" && n.AudioClips < 1 {
		errs = append(errs, fmt.Sprintf("narrative.audio_clips must be >= 1, got %d", n.AudioClips))
	}
	return joined(errs)
}

func validateHealth(h HealthConfig) error {
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if !validPort(h.GRPCPort) {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 1-65535, got %d", h.GRPCPort))
	}
	if h.Interval <= 0 {
		errs = append(errs, "health.interval must be positive")
	}
	return joined(errs)
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with VDM_ prefix
	v.SetEnvPrefix("VDM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")

	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_bytes", 64*1024)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite_path", "vdm.db")
	v.SetDefault("storage.checkpoint_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vdm")
	v.SetDefault("database.password", "vdm")
	v.SetDefault("database.name", "vdm")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("narrative.backend", "scripted")
	v.SetDefault("narrative.model", "claude-sonnet-4-5")
	v.SetDefault("narrative.max_tokens", 1024)
	v.SetDefault("narrative.context_messages", 20)
	v.SetDefault("narrative.timeout", "90s")
	v.SetDefault("narrative.streaming", true)
	v.SetDefault("narrative.auto_resolve", false)
	v.SetDefault("narrative.scripted_delay", "50ms")
	v.SetDefault("narrative.voice", "narrator")
	v.SetDefault("narrative.voice_chunk", 4096)
	v.SetDefault("narrative.audio_clips", 64)

	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50051)
	v.SetDefault("health.interval", "15s")
}
