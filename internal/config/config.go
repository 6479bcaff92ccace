// Package config loads and watches the agentmux configuration document.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent describes one configured agent back-end. FallbackProvider names a
// second back-end to try when the primary fails; FallbackModel is the model
// tag for that retry (the primary model when empty).
type Agent struct {
	ID               string `yaml:"id"`
	DisplayName      string `yaml:"display_name"`
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	WorkingDir       string `yaml:"working_dir"`
	SystemPrompt     string `yaml:"system_prompt,omitempty"`
	PromptFile       string `yaml:"prompt_file,omitempty"`
	ReasoningEffort  string `yaml:"reasoning_effort,omitempty"`
	FallbackProvider string `yaml:"fallback_provider,omitempty"`
	FallbackModel    string `yaml:"fallback_model,omitempty"`
}

// Pipeline is an ordered agent sequence within a team.
type Pipeline struct {
	Sequence []string `yaml:"sequence"`
	Strict   bool     `yaml:"strict"`
	MaxLoops int      `yaml:"max_loops"`
}

// Team groups agents under a leader, optionally with a pipeline.
type Team struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Members  []string  `yaml:"members"`
	Leader   string    `yaml:"leader"`
	Pipeline *Pipeline `yaml:"pipeline,omitempty"`
}

// APIConfig controls the local control API.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Auth *bool  `yaml:"auth,omitempty"` // nil = enabled
	Key  string `yaml:"key,omitempty"`
}

// ModelConfig is the legacy single-agent model section. When no agents are
// configured, a default agent is synthesized from it.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Command  string `yaml:"command,omitempty"`
}

// QueueConfig tunes the durable queue.
type QueueConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	StaleMinutes int `yaml:"stale_minutes"`
	PruneHours   int `yaml:"prune_hours"`
}

// ConversationConfig tunes team conversations.
type ConversationConfig struct {
	MaxMessages           int `yaml:"max_messages"`
	TimeoutMinutes        int `yaml:"timeout_minutes"`
	LongResponseThreshold int `yaml:"long_response_threshold"`
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the full parsed configuration document.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	Workspace string `yaml:"workspace"`

	API          APIConfig          `yaml:"api"`
	Model        ModelConfig        `yaml:"model"`
	Agents       []Agent            `yaml:"agents"`
	Teams        []Team             `yaml:"teams"`
	Queue        QueueConfig        `yaml:"queue"`
	Conversation ConversationConfig `yaml:"conversation"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// AuthEnabled reports whether the API requires a bearer token.
// The AGENTMUX_NO_AUTH env override wins over the document.
func (c Config) AuthEnabled() bool {
	if os.Getenv("AGENTMUX_NO_AUTH") == "1" {
		return false
	}
	if c.API.Auth != nil {
		return *c.API.Auth
	}
	return true
}

// BindAddr returns the host:port the control API listens on.
func (c Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// ConversationTimeout returns the conversation idle budget as a duration.
func (c Config) ConversationTimeout() time.Duration {
	return time.Duration(c.Conversation.TimeoutMinutes) * time.Minute
}

// StaleThreshold returns the stale-claim recovery threshold as a duration.
func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.Queue.StaleMinutes) * time.Minute
}

// PruneAge returns the retention age for completed/acked rows as a duration.
func (c Config) PruneAge() time.Duration {
	return time.Duration(c.Queue.PruneHours) * time.Hour
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 3777,
		},
		Queue: QueueConfig{
			MaxRetries:   5,
			StaleMinutes: 10,
			PruneHours:   24,
		},
		Conversation: ConversationConfig{
			MaxMessages:           50,
			TimeoutMinutes:        30,
			LongResponseThreshold: 4000,
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

// HomeDir returns the agentmux data directory.
func HomeDir() string {
	if override := os.Getenv("AGENTMUX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentmux")
}

// Load reads config.yaml from the home directory, applying defaults, env
// overrides, and normalization. A corrupt document is snapshotted to
// config.yaml.bak and repaired once; a second parse failure degrades to the
// default document instead of failing startup.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory (used by tests).
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentmux home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			cfg = recoverDocument(homeDir, configPath, data, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// recoverDocument handles a corrupt config.yaml: snapshot to .bak, attempt one
// mechanical repair, and fall back to defaults when the repair fails too.
func recoverDocument(homeDir, configPath string, data []byte, parseErr error) Config {
	_ = os.WriteFile(configPath+".bak", data, 0o600)

	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	repaired := repairYAML(data)
	if err := yaml.Unmarshal(repaired, &cfg); err != nil {
		// Second failure: degrade to the empty document.
		cfg = defaultConfig()
		cfg.HomeDir = homeDir
		return cfg
	}
	return cfg
}

// repairYAML fixes the common hand-edit breakages: tab indentation and stray
// control characters.
func repairYAML(data []byte) []byte {
	s := strings.ReplaceAll(string(data), "\t", "  ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return []byte(b.String())
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Port <= 0 {
		cfg.API.Port = 3777
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 5
	}
	if cfg.Queue.StaleMinutes <= 0 {
		cfg.Queue.StaleMinutes = 10
	}
	if cfg.Queue.PruneHours <= 0 {
		cfg.Queue.PruneHours = 24
	}
	if cfg.Conversation.MaxMessages <= 0 {
		cfg.Conversation.MaxMessages = 50
	}
	if cfg.Conversation.TimeoutMinutes <= 0 {
		cfg.Conversation.TimeoutMinutes = 30
	}
	if cfg.Conversation.LongResponseThreshold <= 0 {
		cfg.Conversation.LongResponseThreshold = 4000
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}

	// Synthesize the implicit default agent from the legacy model section.
	if len(cfg.Agents) == 0 {
		provider := cfg.Model.Provider
		if provider == "" {
			provider = "command"
		}
		cfg.Agents = []Agent{{
			ID:          "default",
			DisplayName: "Assistant",
			Provider:    provider,
			Model:       cfg.Model.Model,
			WorkingDir:  cfg.Workspace,
		}}
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].WorkingDir == "" {
			cfg.Agents[i].WorkingDir = cfg.Workspace
		}
		if cfg.Agents[i].Provider == "" {
			cfg.Agents[i].Provider = "command"
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTMUX_API_HOST"); raw != "" {
		cfg.API.Host = raw
	}
	if raw := os.Getenv("AGENTMUX_API_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.API.Port = v
		}
	}
	if raw := os.Getenv("AGENTMUX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTMUX_WORKSPACE"); raw != "" {
		cfg.Workspace = raw
	}
}

// EnsureAPIKey generates and persists a bearer token when auth is enabled and
// no key is configured yet. Returns the effective key.
func EnsureAPIKey(cfg *Config) (string, error) {
	if !cfg.AuthEnabled() {
		return "", nil
	}
	if cfg.API.Key != "" {
		return cfg.API.Key, nil
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	cfg.API.Key = hex.EncodeToString(raw)
	if err := Save(*cfg); err != nil {
		return "", fmt.Errorf("persist api key: %w", err)
	}
	return cfg.API.Key, nil
}

// Save writes the document back to config.yaml in the home directory.
func Save(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(cfg.HomeDir, "config.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// snapshotTTL bounds how stale a cached snapshot may be served.
const snapshotTTL = 5 * time.Second
