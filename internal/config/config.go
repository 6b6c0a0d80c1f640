package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models opsline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Listener struct {
		DedupRetention       Duration `yaml:"dedup_retention"`
		NoisySourceThreshold int      `yaml:"noisy_source_threshold"`
		Sources              []string `yaml:"sources"`
	} `yaml:"listener"`
	Orchestrator struct {
		ConfidenceFloor     float64  `yaml:"confidence_floor"`
		AcceptanceThreshold float64  `yaml:"acceptance_threshold"`
		NearTieMargin       float64  `yaml:"near_tie_margin"`
		ContextTimeout      Duration `yaml:"context_timeout"`
		Scoring             Scoring  `yaml:"scoring"`
	} `yaml:"orchestrator"`
	Reasoner struct {
		URL     string   `yaml:"url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"reasoner"`
	Executor struct {
		MaxAttempts   int      `yaml:"max_attempts"`
		BackoffBase   Duration `yaml:"backoff_base"`
		BackoffMax    Duration `yaml:"backoff_max"`
		ActionTimeout Duration `yaml:"action_timeout"`
	} `yaml:"executor"`
	Approval struct {
		StalenessWindow Duration `yaml:"staleness_window"`
	} `yaml:"approval"`
}

// Scoring holds the candidate ranking weights. They must sum to 1.
type Scoring struct {
	Urgency       float64 `yaml:"urgency"`
	Readiness     float64 `yaml:"readiness"`
	Compatibility float64 `yaml:"compatibility"`
	Availability  float64 `yaml:"availability"`
}

// Duration is a yaml-friendly time.Duration ("30s", "24h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with ol init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the built-in defaults if the config file is absent.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("opsline"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "operations-pipeline" {
		return fmt.Errorf("config.project.kind must be 'operations-pipeline'")
	}
	if c.Listener.DedupRetention <= 0 {
		return fmt.Errorf("config.listener.dedup_retention must be positive")
	}
	if c.Listener.NoisySourceThreshold < 1 {
		return fmt.Errorf("config.listener.noisy_source_threshold must be at least 1")
	}
	if c.Orchestrator.ConfidenceFloor < 0 || c.Orchestrator.ConfidenceFloor > 1 {
		return fmt.Errorf("config.orchestrator.confidence_floor must be within [0,1]")
	}
	if c.Orchestrator.AcceptanceThreshold < 0 || c.Orchestrator.AcceptanceThreshold > 1 {
		return fmt.Errorf("config.orchestrator.acceptance_threshold must be within [0,1]")
	}
	if c.Orchestrator.NearTieMargin < 0 {
		return fmt.Errorf("config.orchestrator.near_tie_margin must not be negative")
	}
	s := c.Orchestrator.Scoring
	sum := s.Urgency + s.Readiness + s.Compatibility + s.Availability
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config.orchestrator.scoring weights must sum to 1, got %.3f", sum)
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("config.executor.max_attempts must be at least 1")
	}
	if c.Executor.BackoffBase <= 0 || c.Executor.BackoffMax < c.Executor.BackoffBase {
		return fmt.Errorf("config.executor backoff_base must be positive and backoff_max >= backoff_base")
	}
	if c.Executor.ActionTimeout <= 0 {
		return fmt.Errorf("config.executor.action_timeout must be positive")
	}
	if c.Approval.StalenessWindow <= 0 {
		return fmt.Errorf("config.approval.staleness_window must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: operations-pipeline

listener:
  dedup_retention: 24h
  noisy_source_threshold: 5
  sources:
    - scheduling
    - housing
    - benefits

orchestrator:
  confidence_floor: 0.5
  acceptance_threshold: 0.7
  near_tie_margin: 0.05
  context_timeout: 5s
  scoring:
    urgency: 0.4
    readiness: 0.2
    compatibility: 0.2
    availability: 0.2

reasoner:
  url: ""
  timeout: 10s

executor:
  max_attempts: 3
  backoff_base: 200ms
  backoff_max: 5s
  action_timeout: 30s

approval:
  staleness_window: 24h
`
