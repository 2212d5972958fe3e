package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for the config file.
const DefaultPath = "~/.kisaki/config.json"

// Config is the root configuration for the kisaki host.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	IPC      IPCConfig      `json:"ipc" yaml:"ipc"`
	Network  NetworkConfig  `json:"network" yaml:"network"`
	Settings SettingsConfig `json:"settings" yaml:"settings"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"` // "auto" | "console" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// IPCConfig configures the surface server the message bus runs over.
type IPCConfig struct {
	Host                 string `json:"host" yaml:"host"`
	Port                 int    `json:"port" yaml:"port"`
	Path                 string `json:"path" yaml:"path"`
	MaxPending           int    `json:"maxPending" yaml:"maxPending"`
	InvokeTimeoutSeconds int    `json:"invokeTimeoutSeconds" yaml:"invokeTimeoutSeconds"`
	ReadLimitBytes       int64  `json:"readLimitBytes" yaml:"readLimitBytes"`
}

// Addr is the listen address.
func (c IPCConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL is the WebSocket URL surfaces connect to.
func (c IPCConfig) URL() string {
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(c.Port)) + c.Path
}

// InvokeTimeout returns the per-request handler timeout.
func (c IPCConfig) InvokeTimeout() time.Duration {
	return time.Duration(c.InvokeTimeoutSeconds) * time.Second
}

type NetworkConfig struct {
	TimeoutMs  int                        `json:"timeoutMs" yaml:"timeoutMs"`
	Retries    int                        `json:"retries" yaml:"retries"`
	UserAgent  string                     `json:"userAgent" yaml:"userAgent"`
	Proxy      string                     `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	RateLimits map[string]RateLimitConfig `json:"rateLimits,omitempty" yaml:"rateLimits,omitempty"`
}

// Timeout returns the default per-attempt timeout.
func (c NetworkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RateLimitKeys returns the configured rate limit keys, sorted.
func (c NetworkConfig) RateLimitKeys() []string {
	keys := make([]string, 0, len(c.RateLimits))
	for k := range c.RateLimits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type RateLimitConfig struct {
	MaxRequests int `json:"maxRequests" yaml:"maxRequests"`
	WindowMs    int `json:"windowMs" yaml:"windowMs"`
}

// Window returns the sliding window length.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

type SettingsConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads the config at path over the defaults. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Settings.DBPath = ExpandPath(cfg.Settings.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
		cfg.Settings.DBPath = ExpandPath(cfg.Settings.DBPath)
		return cfg, nil
	}
	return Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values, reporting every violation.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "auto", "console", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: auto, console, json")
	}

	if cfg.IPC.Port < 0 || cfg.IPC.Port > 65535 {
		errs = append(errs, "ipc.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.IPC.Path, "/") {
		errs = append(errs, "ipc.path must start with /")
	}
	if cfg.IPC.MaxPending < 1 {
		errs = append(errs, "ipc.maxPending must be >= 1")
	}
	if cfg.IPC.InvokeTimeoutSeconds < 1 {
		errs = append(errs, "ipc.invokeTimeoutSeconds must be >= 1")
	}
	if cfg.IPC.ReadLimitBytes < 1024 {
		errs = append(errs, "ipc.readLimitBytes must be >= 1024")
	}

	if cfg.Network.TimeoutMs < 1 {
		errs = append(errs, "network.timeoutMs must be >= 1")
	}
	if cfg.Network.Retries < 0 || cfg.Network.Retries > 10 {
		errs = append(errs, "network.retries must be between 0 and 10")
	}
	for _, key := range cfg.Network.RateLimitKeys() {
		rl := cfg.Network.RateLimits[key]
		if rl.MaxRequests < 1 {
			errs = append(errs, fmt.Sprintf("network.rateLimits.%s.maxRequests must be >= 1", key))
		}
		if rl.WindowMs < 1 {
			errs = append(errs, fmt.Sprintf("network.rateLimits.%s.windowMs must be >= 1", key))
		}
	}

	if cfg.Settings.DBPath == "" {
		errs = append(errs, "settings.dbPath is required")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with / when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
