package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dispatchline.yml.
type Config struct {
	Compliance struct {
		ApproachingExpiryDays  int `yaml:"approaching_expiry_days"`
		ProvisionalWindowHours int `yaml:"provisional_window_hours"`
	} `yaml:"compliance"`
	Sweep struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sweep"`
	Documents struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"documents"`
	Notifications []NotificationHook `yaml:"notifications"`
}

type NotificationHook struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

// ApproachingExpiryWindow returns the warning window before a document's
// expiry date.
func (c *Config) ApproachingExpiryWindow() time.Duration {
	days := c.Compliance.ApproachingExpiryDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// ProvisionalWindow returns how long a provisional approval stays usable.
func (c *Config) ProvisionalWindow() time.Duration {
	hours := c.Compliance.ProvisionalWindowHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// SweepInterval returns how often the background expiry sweep runs.
func (c *Config) SweepInterval() time.Duration {
	secs := c.Sweep.IntervalSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// KnownDocType reports whether docType is allowed. An empty catalog allows
// any type.
func (c *Config) KnownDocType(docType string) bool {
	if len(c.Documents.Catalog) == 0 {
		return true
	}
	_, ok := c.Documents.Catalog[docType]
	return ok
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Compliance.ApproachingExpiryDays < 0 {
		return fmt.Errorf("config.compliance.approaching_expiry_days must not be negative")
	}
	if c.Compliance.ProvisionalWindowHours < 0 {
		return fmt.Errorf("config.compliance.provisional_window_hours must not be negative")
	}
	if c.Sweep.IntervalSeconds < 0 {
		return fmt.Errorf("config.sweep.interval_seconds must not be negative")
	}
	for docType := range c.Documents.Catalog {
		if docType == "" {
			return fmt.Errorf("config.documents.catalog contains empty doc type")
		}
	}
	for i, hook := range c.Notifications {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dispatchline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `compliance:
  approaching_expiry_days: 30
  provisional_window_hours: 24

sweep:
  interval_seconds: 300

documents:
  catalog:
    driver_license:
      description: "Driver's license"
    driver_medical:
      description: "Driver medical certificate"
    vehicle_inspection:
      description: "Vehicle technical inspection"
    vehicle_insurance:
      description: "Vehicle insurance policy"
    trailer_inspection:
      description: "Trailer technical inspection"
`
