package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Stream  StreamConfig  `json:"stream"`
	NATS    NATSConfig    `json:"nats"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig defines the WebSocket server settings
type ServerConfig struct {
	Host            string        `json:"host,omitempty"`
	Port            int           `json:"port"`
	Path            string        `json:"path,omitempty"`             // WebSocket endpoint path
	ReadBufferSize  int           `json:"read_buffer_size,omitempty"` // upgrader buffer sizes
	WriteBufferSize int           `json:"write_buffer_size,omitempty"`
	WriteTimeout    time.Duration `json:"write_timeout,omitempty"`
	AllowedOrigins  []string      `json:"allowed_origins,omitempty"` // empty = allow all
}

// StreamConfig defines connection lifecycle and delivery settings
type StreamConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"` // ping cadence per connection
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout,omitempty"`  // silence before forced disconnect
	MaxQueueSize      int           `json:"max_queue_size,omitempty"`     // per-client offline queue capacity
	ReconnectWindow   time.Duration `json:"reconnect_window,omitempty"`   // queue retention after disconnect
	ChunkDelay        time.Duration `json:"chunk_delay,omitempty"`        // pacing between stream chunks
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs           []string      `json:"urls,omitempty"`
	MaxReconnects  int           `json:"max_reconnects,omitempty"`
	ReconnectWait  time.Duration `json:"reconnect_wait,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Token          string        `json:"token,omitempty"`
	Subjects       []string      `json:"subjects,omitempty"`        // broadcast fanout subscriptions
	PublishSubject string        `json:"publish_subject,omitempty"` // client business frames forwarded here
}

// MetricsConfig defines the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// JSON round trip for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with '/'", c.Server.Path)
	}

	if c.Stream.HeartbeatInterval <= 0 {
		return errors.New("stream.heartbeat_interval must be positive")
	}
	if c.Stream.HeartbeatTimeout <= 0 {
		return errors.New("stream.heartbeat_timeout must be positive")
	}
	if c.Stream.HeartbeatTimeout <= c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.heartbeat_timeout (%s) must exceed stream.heartbeat_interval (%s)",
			c.Stream.HeartbeatTimeout, c.Stream.HeartbeatInterval)
	}
	if c.Stream.MaxQueueSize <= 0 {
		return errors.New("stream.max_queue_size must be positive")
	}
	if c.Stream.ReconnectWindow < 0 {
		return errors.New("stream.reconnect_window cannot be negative")
	}
	if c.Stream.ChunkDelay < 0 {
		return errors.New("stream.chunk_delay cannot be negative")
	}

	if len(c.NATS.URLs) > 0 {
		for i, url := range c.NATS.URLs {
			if url == "" {
				return fmt.Errorf("nats.urls[%d] cannot be empty", i)
			}
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
		}
	}

	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "RULEK",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			Path:            "/ws",
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			WriteTimeout:    10 * time.Second,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			MaxQueueSize:      100,
			ReconnectWindow:   300 * time.Second,
			ChunkDelay:        50 * time.Millisecond,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator flags
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds so json
// unmarshaling into time.Duration fields works.
func (l *Loader) parseDurations(data map[string]any) {
	parseField := func(section map[string]any, field string) {
		if raw, ok := section[field].(string); ok {
			if d, err := time.ParseDuration(raw); err == nil {
				section[field] = d.Nanoseconds()
			}
		}
	}

	if server, ok := data["server"].(map[string]any); ok {
		parseField(server, "write_timeout")
	}

	if stream, ok := data["stream"].(map[string]any); ok {
		parseField(stream, "heartbeat_interval")
		parseField(stream, "heartbeat_timeout")
		parseField(stream, "reconnect_window")
		parseField(stream, "chunk_delay")
	}

	if nats, ok := data["nats"].(map[string]any); ok {
		parseField(nats, "reconnect_wait")
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv(l.envPrefix + "_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = port
		}
	}

	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}

	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
