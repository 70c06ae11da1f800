package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dutyline.yml: the HOS rule set a fleet operates under.
type Config struct {
	Fleet struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"fleet" json:"fleet"`
	Rules Rules `yaml:"rules" json:"rules"`
}

// Rules carries the regulatory limits. Hours are wall-clock hours; the cycle
// window is trailing (days * 24) hours ending at the evaluation instant, not
// calendar days.
type Rules struct {
	DriveLimitHours float64 `yaml:"drive_limit_hours" json:"drive_limit_hours"`
	DutyWindowHours float64 `yaml:"duty_window_hours" json:"duty_window_hours"`
	ResetHours      float64 `yaml:"reset_hours" json:"reset_hours"`
	Break           struct {
		AfterDrivingHours float64 `yaml:"after_driving_hours" json:"after_driving_hours"`
		MinMinutes        float64 `yaml:"min_minutes" json:"min_minutes"`
	} `yaml:"break" json:"break"`
	Cycle struct {
		LimitHours            float64 `yaml:"limit_hours" json:"limit_hours"`
		Days                  int     `yaml:"days" json:"days"`
		WarningThresholdHours float64 `yaml:"warning_threshold_hours" json:"warning_threshold_hours"`
	} `yaml:"cycle" json:"cycle"`
}

// CycleWindowHours is the trailing lookback for cycle sums.
func (r Rules) CycleWindowHours() float64 {
	return float64(r.Cycle.Days) * 24
}

// Load reads and validates the workspace dutyline.yml.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'dl fleet config init' or pass --file", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Fleet.ID == "" {
		return fmt.Errorf("config.fleet.id is required")
	}
	if c.Fleet.Kind != "motor-carrier" {
		return fmt.Errorf("config.fleet.kind must be 'motor-carrier'")
	}
	r := c.Rules
	if r.DriveLimitHours <= 0 {
		return fmt.Errorf("config.rules.drive_limit_hours must be positive")
	}
	if r.DutyWindowHours <= 0 {
		return fmt.Errorf("config.rules.duty_window_hours must be positive")
	}
	if r.DutyWindowHours < r.DriveLimitHours {
		return fmt.Errorf("config.rules.duty_window_hours must be at least drive_limit_hours")
	}
	if r.ResetHours <= 0 {
		return fmt.Errorf("config.rules.reset_hours must be positive")
	}
	if r.Break.AfterDrivingHours <= 0 {
		return fmt.Errorf("config.rules.break.after_driving_hours must be positive")
	}
	if r.Break.MinMinutes <= 0 {
		return fmt.Errorf("config.rules.break.min_minutes must be positive")
	}
	if r.Cycle.LimitHours <= 0 {
		return fmt.Errorf("config.rules.cycle.limit_hours must be positive")
	}
	if r.Cycle.Days <= 0 {
		return fmt.Errorf("config.rules.cycle.days must be positive")
	}
	if r.CycleWindowHours() < r.Cycle.LimitHours {
		return fmt.Errorf("config.rules.cycle.days window shorter than cycle.limit_hours")
	}
	if r.Cycle.WarningThresholdHours < 0 || r.Cycle.WarningThresholdHours >= r.Cycle.LimitHours {
		return fmt.Errorf("config.rules.cycle.warning_threshold_hours must be in [0, limit_hours)")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dutyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(fleetID string) string {
	return fmt.Sprintf(defaultTemplate, fleetID)
}

// Default returns the default Config struct for a fleet: the interstate
// property-carrying ruleset (11h driving, 14h window, 70h/8d cycle).
func Default(fleetID string) *Config {
	var cfg Config
	cfg.Fleet.ID = fleetID
	cfg.Fleet.Kind = "motor-carrier"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, fleetID))).Decode(&cfg)
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

const defaultTemplate = `fleet:
  id: %s
  kind: motor-carrier

rules:
  drive_limit_hours: 11
  duty_window_hours: 14
  reset_hours: 10

  break:
    after_driving_hours: 8
    min_minutes: 30

  # Cycle window is trailing days*24 hours, not calendar days.
  # Use limit_hours: 60, days: 7 for the 60-hour/7-day rule.
  cycle:
    limit_hours: 70
    days: 8
    warning_threshold_hours: 5
`
