package mesh

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the unified configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// Validate checks the configuration for required fields and consistency
func (c *Config) Validate() error {
	if len(c.Objects) == 0 {
		return fmt.Errorf("at least one object must be defined")
	}

	seen := make(map[string]bool, len(c.Objects))
	for i, oc := range c.Objects {
		if oc.Name == "" {
			return fmt.Errorf("objects[%d].name is required", i)
		}
		if seen[oc.Name] {
			return fmt.Errorf("objects[%d]: duplicate object name %q", i, oc.Name)
		}
		seen[oc.Name] = true
		if oc.Color != "" && !strings.HasPrefix(oc.Color, "#") {
			return fmt.Errorf("objects[%d].color must be a hex color like #RRGGBB, got %q", i, oc.Color)
		}
	}

	if ref := c.Alignment.Reference; ref != "" && !seen[ref] {
		return fmt.Errorf("alignment.reference %q is not a configured object", ref)
	}
	if c.Alignment.MaxIterations < 0 {
		return fmt.Errorf("alignment.maxIterations must not be negative")
	}
	if c.Alignment.Tolerance < 0 {
		return fmt.Errorf("alignment.tolerance must not be negative")
	}
	return nil
}

// ApplyDefaults fills zero-valued tuning fields
func (c *Config) ApplyDefaults() {
	if c.Alignment.MaxIterations == 0 {
		c.Alignment.MaxIterations = DefaultMaxIterations
	}
	if c.Alignment.Tolerance == 0 {
		c.Alignment.Tolerance = DefaultTolerance
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEffectiveReference determines the effective reference object.
// Priority: override > config.Alignment.Reference > none (mean-shape mode).
// A name that is not among the loaded objects is returned unchanged so the
// alignment run reports it.
func GetEffectiveReference(config *Config, override string) string {
	if override != "" {
		return override
	}
	if config != nil {
		return config.Alignment.Reference
	}
	return ""
}
