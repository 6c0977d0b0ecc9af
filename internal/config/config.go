package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for clawbridge.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Server   ServerConfig   `json:"server"`
	Relay    RelayConfig    `json:"relay"`
	Queue    QueueConfig    `json:"queue"`
	Invoke   InvokeConfig   `json:"invoke"`
	Telegram TelegramConfig `json:"telegram"`
	Tunnel   TunnelConfig   `json:"tunnel"`
	Persona  PersonaConfig  `json:"persona"`
	Journal  JournalConfig  `json:"journal"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	CORSOrigin string `json:"corsOrigin"`
}

// RelayConfig controls the correlation core.
type RelayConfig struct {
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Delivery       string `json:"delivery"` // "queue" | "invoke" | "telegram"
}

// QueueConfig configures the pull delivery served on /api/messages.
type QueueConfig struct {
	RetentionSeconds int `json:"retentionSeconds"` // kept this long after first poll
	MaxAgeSeconds    int `json:"maxAgeSeconds"`    // unpolled messages dropped after this
}

// InvokeConfig configures the process delivery. Args and Template are Go
// templates; see delivery.InstructionData for the available fields.
type InvokeConfig struct {
	Command           string   `json:"command"`
	Args              []string `json:"args"`
	Template          string   `json:"template,omitempty"`
	ReplyURL          string   `json:"replyUrl"`
	LaunchesPerMinute int      `json:"launchesPerMinute"`
}

type TelegramConfig struct {
	Token     string         `json:"token"`
	ChatID    int64          `json:"chatId"`
	AllowFrom FlexStringList `json:"allowFrom"`
	Template  string         `json:"template,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// TunnelConfig says where the public tunnel URL comes from. A static URL
// wins over the sidecar file.
type TunnelConfig struct {
	File string `json:"file"`
	URL  string `json:"url,omitempty"`
}

type PersonaConfig struct {
	File string `json:"file"`
}

// JournalConfig configures the SQLite exchange journal.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.clawbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawbridge"
	}
	return filepath.Join(home, ".clawbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
	cfg.Persona.File = ExpandPath(cfg.Persona.File)
	cfg.Tunnel.File = ExpandPath(cfg.Tunnel.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
		cfg.Persona.File = ExpandPath(cfg.Persona.File)
		return cfg, nil
	}
	return Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may hold a bot token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if cfg.Relay.TimeoutSeconds < 1 || cfg.Relay.TimeoutSeconds > 600 {
		errs = append(errs, "relay.timeoutSeconds must be between 1 and 600")
	}
	switch cfg.Relay.Delivery {
	case "queue", "invoke":
	case "telegram":
		if cfg.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required when relay.delivery is telegram")
		}
		if cfg.Telegram.ChatID == 0 {
			errs = append(errs, "telegram.chatId is required when relay.delivery is telegram")
		}
	default:
		errs = append(errs, "relay.delivery must be one of: queue, invoke, telegram")
	}

	if cfg.Queue.RetentionSeconds < 1 {
		errs = append(errs, "queue.retentionSeconds must be >= 1")
	}
	if cfg.Queue.MaxAgeSeconds < cfg.Queue.RetentionSeconds {
		errs = append(errs, "queue.maxAgeSeconds must be >= queue.retentionSeconds")
	}
	if cfg.Invoke.LaunchesPerMinute < 0 {
		errs = append(errs, "invoke.launchesPerMinute must be >= 0")
	}
	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}
	if cfg.Journal.RetentionDays < 0 {
		errs = append(errs, "journal.retentionDays must be >= 0")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
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
