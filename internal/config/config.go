// Package config provides the campaign configuration for sessfuzz: mutation
// weights, scheduler tuning, integration parameters and the optional
// monitoring, event and storage outputs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sessfuzz/sessfuzz/internal/logging"
)

// Strategy names accepted in MutatorConfig.Weights.
const (
	StrategyMessage   = "message"
	StrategyInsertion = "insertion"
	StrategyDeletion  = "deletion"
	StrategySplice    = "splice"
	StrategyReorder   = "reorder"
)

// StrategyNames lists the weighted strategies in dispatch order.
var StrategyNames = []string{
	StrategyMessage,
	StrategyInsertion,
	StrategyDeletion,
	StrategySplice,
	StrategyReorder,
}

// Scheduler modes.
const (
	ModeWeighted = "weighted"
	ModeGreedy   = "greedy"
)

// Capture taggers.
const (
	TaggerNone = "none"
	TaggerText = "text"
)

// StateIDWidths lists the supported instrumentation state id widths in bytes.
var StateIDWidths = []int{1, 2, 4, 8, 16, 32}

// Config holds the campaign configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Mutator   MutatorConfig   `yaml:"mutator"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Capture   CaptureConfig   `yaml:"capture"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Engine    EngineConfig    `yaml:"engine"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Store     StoreConfig     `yaml:"store"`
	Agent     AgentConfig     `yaml:"agent"`
}

// MutatorConfig tunes the state-aware mutator.
type MutatorConfig struct {
	// Weights maps strategy names to their relative selection weight.
	// Strategies missing from the map are never drawn.
	Weights          map[string]int `yaml:"weights"`
	MaxSessionLength int            `yaml:"max_session_length"`
	MaxMessageSize   int            `yaml:"max_message_size"`
	// Tokens are substituted into payloads by the byte-level mutator.
	Tokens []string `yaml:"tokens,omitempty"`
	// Templates are whole messages available for insertion.
	Templates []Template `yaml:"templates,omitempty"`
}

// Template is a dictionary message.
type Template struct {
	Tag  string `yaml:"tag"`
	Data string `yaml:"data"`
}

// SchedulerConfig tunes corpus scheduling.
type SchedulerConfig struct {
	Mode           string  `yaml:"mode"`
	Seed           uint64  `yaml:"seed"`
	RarityExponent float64 `yaml:"rarity_exponent"`
	FreshnessBoost float64 `yaml:"freshness_boost"`
	FreshnessDecay float64 `yaml:"freshness_decay"`
	CostPenalty    float64 `yaml:"cost_penalty"`
	UntracedWeight float64 `yaml:"untraced_weight"`
}

// FeedbackConfig describes the instrumentation feed.
type FeedbackConfig struct {
	StateIDWidth int `yaml:"state_id_width"`
}

// CaptureConfig controls seed import from packet captures.
type CaptureConfig struct {
	IncludeResponses bool   `yaml:"include_responses"`
	Tagger           string `yaml:"tagger"`
}

// MonitorConfig controls graph export and periodic stats.
type MonitorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DOTPath       string        `yaml:"dot_path"`
	Interval      time.Duration `yaml:"interval"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// EngineConfig controls the in-process harness.
type EngineConfig struct {
	Workers int `yaml:"workers"`
	// MaxExecutions stops the campaign after this many executions. Zero runs
	// until cancelled.
	MaxExecutions uint64 `yaml:"max_executions,omitempty"`
}

// EventsConfig selects where campaign events are published.
type EventsConfig struct {
	// Output is a JSON lines file path, or "-" for stdout. Empty disables.
	Output      string `yaml:"output,omitempty"`
	NATSURL     string `yaml:"nats_url,omitempty"`
	NATSSubject string `yaml:"nats_subject,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// StoreConfig controls graph persistence.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// AgentConfig describes the link to a remote execution agent.
type AgentConfig struct {
	// Address is the agent's host:port. Empty runs the target in-process.
	Address string `yaml:"address,omitempty"`
	// Port is the UDP port an agent listens on.
	Port uint16 `yaml:"port"`
	// Key enables HMAC authentication on both sides, e.g. ${SESSFUZZ_AGENT_KEY}.
	Key string `yaml:"key,omitempty"`
	// Timeout bounds the wait for one execution result.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultAgentPort is the UDP port agents listen on by default.
const DefaultAgentPort = 31415

// Default returns a configuration with every field set to a usable value.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Mutator: MutatorConfig{
			Weights: map[string]int{
				StrategyMessage:   40,
				StrategyInsertion: 15,
				StrategyDeletion:  10,
				StrategySplice:    20,
				StrategyReorder:   15,
			},
			MaxSessionLength: 64,
			MaxMessageSize:   4096,
		},
		Scheduler: SchedulerConfig{
			Mode:           ModeWeighted,
			RarityExponent: 1.0,
			FreshnessBoost: 2.0,
			FreshnessDecay: 0.9,
			CostPenalty:    0.01,
			UntracedWeight: 1.0,
		},
		Feedback: FeedbackConfig{StateIDWidth: 8},
		Capture:  CaptureConfig{Tagger: TaggerNone},
		Monitor: MonitorConfig{
			DOTPath:       "stategraph.dot",
			Interval:      30 * time.Second,
			StatsInterval: 5 * time.Second,
		},
		Engine: EngineConfig{Workers: 1},
		Events: EventsConfig{NATSSubject: "sessfuzz.events"},
		Agent:  AgentConfig{Port: DefaultAgentPort, Timeout: 5 * time.Second},
	}
}

// DefaultConfigDir returns the default configuration directory (~/.sessfuzz).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".sessfuzz"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadEnv loads KEY=VALUE files into the process environment so that config
// files can reference them. Missing files are ignored; existing variables
// are not overwritten.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// LoadFrom reads the configuration from path. Values missing from the file
// keep their defaults, and ${VAR} references are expanded from the
// environment. Returns Default() if the file doesn't exist.
// The result is not validated; call Validate.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// SaveTo writes the configuration to path, creating its directory.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration and returns the first problem as a
// *Fault, or nil.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return configFault("log_level", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	if err := c.Mutator.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := ValidateStateIDWidth(c.Feedback.StateIDWidth); err != nil {
		return err
	}

	switch c.Capture.Tagger {
	case "", TaggerNone, TaggerText:
	default:
		return configFault("capture.tagger", fmt.Errorf("%w: %q (use %s or %s)", ErrInvalidValue, c.Capture.Tagger, TaggerNone, TaggerText))
	}

	if c.Monitor.Enabled {
		if c.Monitor.Interval <= 0 {
			return configFault("monitor.interval", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
		}
		if c.Monitor.StatsInterval <= 0 {
			return configFault("monitor.stats_interval", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
		}
	}
	if c.Engine.Workers < 1 {
		return configFault("engine.workers", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if c.Events.NATSURL != "" && c.Events.NATSSubject == "" {
		return configFault("events.nats_subject", fmt.Errorf("%w: required with nats_url", ErrInvalidValue))
	}
	if c.Agent.Timeout <= 0 {
		return configFault("agent.timeout", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	return nil
}

func (m *MutatorConfig) validate() error {
	total := 0
	for name, w := range m.Weights {
		if !knownStrategy(name) {
			return configFault("mutator.weights", fmt.Errorf("%w: unknown strategy %q", ErrInvalidValue, name))
		}
		if w < 0 {
			return configFault("mutator.weights", fmt.Errorf("%w: negative weight for %s", ErrInvalidValue, name))
		}
		total += w
	}
	if total == 0 {
		return configFault("mutator.weights", fmt.Errorf("%w: at least one weight must be > 0", ErrInvalidValue))
	}
	if m.MaxSessionLength < 1 {
		return configFault("mutator.max_session_length", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if m.MaxMessageSize < 1 {
		return configFault("mutator.max_message_size", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	for i, t := range m.Templates {
		if len(t.Data) > m.MaxMessageSize {
			return configFault(fmt.Sprintf("mutator.templates[%d]", i), fmt.Errorf("%w: larger than max_message_size", ErrInvalidValue))
		}
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	switch s.Mode {
	case ModeWeighted, ModeGreedy:
	default:
		return configFault("scheduler.mode", fmt.Errorf("%w: %q (use %s or %s)", ErrInvalidValue, s.Mode, ModeWeighted, ModeGreedy))
	}
	if s.RarityExponent < 0 {
		return configFault("scheduler.rarity_exponent", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if s.FreshnessBoost < 0 {
		return configFault("scheduler.freshness_boost", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if s.FreshnessDecay <= 0 || s.FreshnessDecay > 1 {
		return configFault("scheduler.freshness_decay", fmt.Errorf("%w: must be in (0, 1]", ErrInvalidValue))
	}
	if s.CostPenalty < 0 {
		return configFault("scheduler.cost_penalty", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if s.UntracedWeight <= 0 {
		return configFault("scheduler.untraced_weight", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	return nil
}

// ValidateStateIDWidth checks that width is a supported state id width.
func ValidateStateIDWidth(width int) error {
	for _, w := range StateIDWidths {
		if w == width {
			return nil
		}
	}
	return &Fault{
		Kind:  FaultIntegration,
		Field: "feedback.state_id_width",
		Err:   fmt.Errorf("%w: %d bytes (supported: %v)", ErrInvalidValue, width, StateIDWidths),
	}
}

func knownStrategy(name string) bool {
	for _, n := range StrategyNames {
		if n == name {
			return true
		}
	}
	return false
}
