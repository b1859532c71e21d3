package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/motorlink/internal/link"
	"github.com/shaunagostinho/motorlink/internal/recorder"
)

// Config holds all host configuration.
type Config struct {
	mu sync.RWMutex

	// Connection to the controller
	Link LinkConfig `yaml:"link" json:"link"`

	// Telemetry histories and dispatch
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// CSV recording
	Recording recorder.Config `yaml:"recording" json:"recording"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	// Process logging
	Log LogConfig `yaml:"log" json:"log"`

	path string // file path for save/load
}

type LinkConfig struct {
	Transport     string   `yaml:"transport" json:"transport"` // "serial", "tcp", "udp" or "sim"
	Endpoint      string   `yaml:"endpoint" json:"endpoint"`   // e.g. /dev/ttyUSB0 or 192.168.4.1:8266
	BaudRate      int      `yaml:"baud_rate" json:"baudRate"`
	DataBits      int      `yaml:"data_bits" json:"dataBits"`
	StopBits      int      `yaml:"stop_bits" json:"stopBits"`
	Parity        string   `yaml:"parity" json:"parity"`
	DialTimeoutMs int      `yaml:"dial_timeout_ms" json:"dialTimeoutMs"`
	ByteTimeoutMs int      `yaml:"byte_timeout_ms" json:"byteTimeoutMs"` // serial per-byte timeout
	ReadTimeoutMs int      `yaml:"read_timeout_ms" json:"readTimeoutMs"` // network read deadline
	IdleMs        int      `yaml:"idle_ms" json:"idleMs"`
	RxCapacity    int      `yaml:"rx_capacity" json:"rxCapacity"`
	TxCapacity    int      `yaml:"tx_capacity" json:"txCapacity"`
	Endpoints     []string `yaml:"endpoints" json:"endpoints"` // static list for network transports
	AutoOpen      bool     `yaml:"auto_open" json:"autoOpen"`
	MaxAttempts   int      `yaml:"max_attempts" json:"maxAttempts"` // 0 retries forever
}

type TelemetryConfig struct {
	HistoryLength int `yaml:"history_length" json:"historyLength"`
	DispatchHz    int `yaml:"dispatch_hz" json:"dispatchHz"`
	Batch         int `yaml:"batch" json:"batch"` // frames drained per tick
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // zerolog level name
	Format string `yaml:"format" json:"format"` // "console" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Transport:     "serial",
			Endpoint:      "/dev/ttyUSB0",
			BaudRate:      115200,
			DataBits:      8,
			StopBits:      1,
			Parity:        "N",
			DialTimeoutMs: 3000,
			ByteTimeoutMs: 1,
			ReadTimeoutMs: 50,
			IdleMs:        10,
			RxCapacity:    64,
			TxCapacity:    64,
			AutoOpen:      true,
		},
		Telemetry: TelemetryConfig{
			HistoryLength: 100,
			DispatchHz:    20,
			Batch:         10,
		},
		Recording: recorder.Config{
			Enabled:    false,
			Path:       "recordings",
			IntervalMs: 100,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Params returns the port parameters for link.Manager.Open.
func (l LinkConfig) Params() link.Params {
	return link.Params{
		BaudRate:    l.BaudRate,
		DataBits:    l.DataBits,
		StopBits:    l.StopBits,
		Parity:      l.Parity,
		DialTimeout: time.Duration(l.DialTimeoutMs) * time.Millisecond,
	}
}

// WorkerConfig returns the reader/writer loop tuning.
func (l LinkConfig) WorkerConfig() link.WorkerConfig {
	return link.WorkerConfig{
		Idle:        time.Duration(l.IdleMs) * time.Millisecond,
		ReadTimeout: time.Duration(l.ReadTimeoutMs) * time.Millisecond,
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("error parsing config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	// .env next to the config, then in CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// applyEnvOverrides reads MOTORLINK_* environment variables and overrides
// config values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MOTORLINK_TRANSPORT"); v != "" {
		c.Link.Transport = v
	}
	if v := os.Getenv("MOTORLINK_ENDPOINT"); v != "" {
		c.Link.Endpoint = v
	}
	envInt("MOTORLINK_BAUD", &c.Link.BaudRate)
	if v := os.Getenv("MOTORLINK_ENDPOINTS"); v != "" {
		c.Link.Endpoints = strings.Split(v, ",")
	}
	envBool("MOTORLINK_AUTO_OPEN", &c.Link.AutoOpen)
	envInt("MOTORLINK_HISTORY", &c.Telemetry.HistoryLength)
	envInt("MOTORLINK_DISPATCH_HZ", &c.Telemetry.DispatchHz)
	if v := os.Getenv("MOTORLINK_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MOTORLINK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MOTORLINK_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	envBool("MOTORLINK_RECORD", &c.Recording.Enabled)
	if v := os.Getenv("MOTORLINK_RECORD_PATH"); v != "" {
		c.Recording.Path = v
	}
	envInt("MOTORLINK_RECORD_INTERVAL_MS", &c.Recording.IntervalMs)
}

// Path returns the file the config is loaded from and saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Snapshot returns a copy that is safe to read without locking.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &Config{
		Link:      c.Link,
		Telemetry: c.Telemetry,
		Recording: c.Recording,
		Server:    c.Server,
		Log:       c.Log,
		path:      c.path,
	}
	out.Link.Endpoints = append([]string(nil), c.Link.Endpoints...)
	return out
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "motorlink.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
