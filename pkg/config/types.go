package config

import (
	"fmt"
	"time"

	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/telemetry"
)

// Engine kinds select the implementation built for an engines[] entry.
const (
	KindRule     = "rule"
	KindTemplate = "template"
	KindAI       = "ai"
	KindExpert   = "expert"
	KindRender   = "render"
	KindPlugin   = "plugin"
)

// Config is the decoded conductor configuration.
type Config struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Store configures the SQLite audit store.
	Store StoreConfig `json:"store" yaml:"store"`

	// Policy configures the policy gate.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Intents is the analyzer keyword table.
	Intents IntentsConfig `json:"intents" yaml:"intents"`

	// Plans maps intents to ordered steps.
	Plans map[string][]orchestrator.StepSpec `json:"plans,omitempty" yaml:"plans,omitempty" validate:"dive,min=1,dive"`

	// FallbackChain maps an engine type to its alternates.
	FallbackChain map[string][]string `json:"fallback_chain,omitempty" yaml:"fallback_chain,omitempty"`

	// Engines lists the engines to build and register.
	Engines []EngineConfig `json:"engines,omitempty" yaml:"engines,omitempty" validate:"dive"`

	// Render configures the render runner.
	Render RenderConfig `json:"render" yaml:"render"`

	// Plugins lists WASM plugin manifests.
	Plugins []PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty" validate:"dive"`

	// Retention is how long settled tasks stay queryable in memory.
	Retention string `json:"retention" yaml:"retention" validate:"required,duration"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	ServiceName string        `json:"service_name" yaml:"service_name" validate:"required"`
	Environment string        `json:"environment" yaml:"environment"`
	LogLevel    string        `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error disabled"`
	LogFormat   string        `json:"log_format" yaml:"log_format" validate:"oneof=console json"`
	Tracing     TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics     MetricsConfig `json:"metrics" yaml:"metrics"`
	Events      EventsConfig  `json:"events" yaml:"events"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"min=0,max=1"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	ListenAddress string `json:"listen_address" yaml:"listen_address"`
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size" validate:"min=1"`
}

// StoreConfig configures task snapshot persistence.
type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	// Enabled turns the gate on. Every request is allowed when false.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths are extra .rego/.yaml policy files or directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Watch reloads Paths when they change.
	Watch bool `json:"watch" yaml:"watch"`
}

// IntentsConfig configures the intent analyzer.
type IntentsConfig struct {
	Default string                    `json:"default" yaml:"default" validate:"required"`
	Rules   []orchestrator.IntentRule `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`
}

// EngineConfig describes one engine.
type EngineConfig struct {
	// Name is the unique engine name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind selects the implementation.
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=rule template ai expert render plugin"`

	// Type overrides the engine type the implementation declares.
	Type string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=ai rule template expert"`

	Priority int    `json:"priority" yaml:"priority"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Timeout  string `json:"timeout" yaml:"timeout" validate:"required,duration"`

	// Providers are the ordered HTTP providers of an ai engine.
	Providers []ProviderConfig `json:"providers,omitempty" yaml:"providers,omitempty" validate:"dive"`

	// Templates maps step names to text/template bodies for a template engine.
	Templates map[string]string `json:"templates,omitempty" yaml:"templates,omitempty"`

	// Scripts maps step names to Starlark sources for a rule engine.
	Scripts map[string]string `json:"scripts,omitempty" yaml:"scripts,omitempty"`

	// Settings holds kind-specific extras.
	Settings map[string]interface{} `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// TimeoutDuration returns the parsed per-call timeout.
func (e EngineConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(e.Timeout, orchestrator.DefaultEngineTimeout)
}

// ProviderConfig is one OpenAI-compatible chat completion endpoint.
type ProviderConfig struct {
	Name      string `json:"name" yaml:"name" validate:"required"`
	BaseURL   string `json:"base_url" yaml:"base_url" validate:"required,url"`
	Model     string `json:"model" yaml:"model" validate:"required"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Timeout   string `json:"timeout" yaml:"timeout" validate:"required,duration"`

	// ImageModel enables image generation on this provider.
	ImageModel string `json:"image_model,omitempty" yaml:"image_model,omitempty"`
}

// TimeoutDuration returns the parsed provider timeout.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(p.Timeout, orchestrator.DefaultEngineTimeout)
}

// RenderConfig configures the render runner used by render engines.
type RenderConfig struct {
	// Mode is local (subprocess), ssh (remote host) or disabled.
	Mode      string     `json:"mode" yaml:"mode" validate:"oneof=local ssh disabled"`
	Runner    string     `json:"runner" yaml:"runner" validate:"required_unless=Mode disabled"`
	OutputDir string     `json:"output_dir" yaml:"output_dir"`
	Timeout   string     `json:"timeout" yaml:"timeout" validate:"required,duration"`
	SSH       *SSHConfig `json:"ssh,omitempty" yaml:"ssh,omitempty" validate:"required_if=Mode ssh"`
}

// TimeoutDuration returns the parsed render timeout.
func (r RenderConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(r.Timeout, 5*time.Minute)
}

// SSHConfig describes a remote render host.
type SSHConfig struct {
	Host         string `json:"host" yaml:"host" validate:"required"`
	Port         int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	User         string `json:"user" yaml:"user" validate:"required"`
	KeyPath      string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	PasswordEnv  string `json:"password_env,omitempty" yaml:"password_env,omitempty"`
	KnownHosts   string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	RemoteRunner string `json:"remote_runner" yaml:"remote_runner"`
	RemoteDir    string `json:"remote_dir" yaml:"remote_dir"`
}

// PluginConfig points at a plugin manifest.
type PluginConfig struct {
	Manifest string `json:"manifest" yaml:"manifest" validate:"required"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

// Default returns the configuration used when no file is given. It matches
// what an empty CUE file decodes to.
func Default() *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			ServiceName: "conductor",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "console",
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
			},
			Metrics: MetricsConfig{
				ListenAddress: ":9090",
			},
			Events: EventsConfig{
				Enabled:    true,
				BufferSize: 1000,
			},
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "conductor.db",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Intents: IntentsConfig{
			Default: orchestrator.IntentGenerateText,
		},
		Render: RenderConfig{
			Mode:      "local",
			Runner:    "render-runner",
			OutputDir: "output",
			Timeout:   "5m",
		},
		Retention: "1h",
	}
}

// DefaultEngines returns the engines registered when the configuration lists none.
func DefaultEngines() []EngineConfig {
	return []EngineConfig{
		{Name: "rule_engine", Kind: KindRule, Priority: 10, Enabled: true, Timeout: "30s"},
		{Name: "template_engine", Kind: KindTemplate, Priority: 10, Enabled: true, Timeout: "30s"},
		{
			Name:     "ai_engine",
			Kind:     KindAI,
			Priority: 10,
			Enabled:  true,
			Timeout:  "90s",
			Providers: []ProviderConfig{
				{Name: "ollama", BaseURL: "http://localhost:11434/v1", Model: "llama3", Timeout: "60s"},
				{Name: "huggingface", BaseURL: "https://api-inference.huggingface.co/v1", Model: "mistralai/Mistral-7B-Instruct-v0.3", APIKeyEnv: "HF_TOKEN", Timeout: "30s"},
				{Name: "groq", BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.1-8b-instant", APIKeyEnv: "GROQ_API_KEY", Timeout: "30s"},
			},
		},
		{Name: "render_engine", Kind: KindRender, Priority: 5, Enabled: true, Timeout: "5m"},
		{Name: "expert_engine", Kind: KindExpert, Priority: 10, Enabled: true, Timeout: "10s"},
	}
}

// EngineConfigs returns the configured engines or the built-in set.
func (c *Config) EngineConfigs() []EngineConfig {
	if len(c.Engines) == 0 {
		return DefaultEngines()
	}
	return c.Engines
}

// IntentRules returns the configured keyword table or the built-in one.
func (c *Config) IntentRules() []orchestrator.IntentRule {
	if len(c.Intents.Rules) == 0 {
		return orchestrator.DefaultIntentRules()
	}
	return c.Intents.Rules
}

// PlanTable returns the configured plans or the built-in ones.
func (c *Config) PlanTable() orchestrator.PlanTable {
	if len(c.Plans) == 0 {
		return orchestrator.DefaultPlans()
	}
	plans := make(orchestrator.PlanTable, len(c.Plans))
	for intent, specs := range c.Plans {
		plans[intent] = specs
	}
	return plans
}

// Chain returns the configured fallback chain or the built-in one.
func (c *Config) Chain() (orchestrator.FallbackChain, error) {
	if len(c.FallbackChain) == 0 {
		return orchestrator.DefaultFallbackChain(), nil
	}
	chain := make(orchestrator.FallbackChain, len(c.FallbackChain))
	for from, alternates := range c.FallbackChain {
		types := make([]orchestrator.EngineType, 0, len(alternates))
		for _, alt := range alternates {
			types = append(types, orchestrator.EngineType(alt))
		}
		chain[orchestrator.EngineType(from)] = types
	}
	if err := chain.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fallback_chain: %w", err)
	}
	return chain, nil
}

// RetentionDuration returns the parsed task retention.
func (c *Config) RetentionDuration() time.Duration {
	return parseDurationOr(c.Retention, time.Hour)
}

// TelemetryConfig converts the telemetry section into a telemetry.Config.
func (c *Config) TelemetryConfig() *telemetry.Config {
	t := c.Telemetry
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = t.ServiceName
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	cfg.Logging.Level = t.LogLevel
	cfg.Logging.Format = t.LogFormat
	cfg.Tracing.Enabled = t.Tracing.Enabled
	cfg.Tracing.Exporter = t.Tracing.Exporter
	cfg.Tracing.Endpoint = t.Tracing.Endpoint
	cfg.Tracing.SamplingRate = t.Tracing.SamplingRate
	cfg.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.ListenAddress != "" {
		cfg.Metrics.ListenAddress = t.Metrics.ListenAddress
	}
	cfg.Events.Enabled = t.Events.Enabled
	if t.Events.BufferSize > 0 {
		cfg.Events.BufferSize = t.Events.BufferSize
	}
	return cfg
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
