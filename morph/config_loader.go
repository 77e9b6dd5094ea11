package morph

import (
	"fmt"
	"os"

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

	// Validate required fields
	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if len(config.Specimens) == 0 {
		return nil, fmt.Errorf("at least one specimen must be defined")
	}

	// Validate specimen configs
	for i, sc := range config.Specimens {
		if sc.ID == "" {
			return nil, fmt.Errorf("specimen[%d].id is required", i)
		}
		if sc.Topic == "" {
			return nil, fmt.Errorf("specimen[%d].topic is required for %s", i, sc.ID)
		}
	}

	if config.Alignment.MaxIterations < 0 {
		return nil, fmt.Errorf("alignment.maxIterations must not be negative")
	}
	if config.Alignment.Tolerance < 0 {
		return nil, fmt.Errorf("alignment.tolerance must not be negative")
	}

	return &config, nil
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

// GetEffectiveReference determines the effective reference specimen ID
// Priority: config.Reference > cache.ReferenceSpecimen > auto-select by landmark count
func GetEffectiveReference(config *Config, cache *AlignmentData, specimens map[string]*Specimen) string {
	// Priority 1: Explicit config reference
	if config.Reference != "" {
		if _, ok := specimens[config.Reference]; ok {
			return config.Reference
		}
	}

	// Priority 2: Cache reference (if still present)
	if cache != nil && cache.ReferenceSpecimen != "" {
		if _, ok := specimens[cache.ReferenceSpecimen]; ok {
			return cache.ReferenceSpecimen
		}
	}

	// Priority 3: Auto-select by most landmarks
	return SelectReferenceSpecimen(specimens)
}
