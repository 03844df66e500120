package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadResourcesConfig loads the resource configuration from
// config/resources.yaml.
func LoadResourcesConfig() (*ResourcesConfig, error) {
	return LoadResourcesConfigFromPath(filepath.Join("config", "resources.yaml"))
}

// LoadResourcesConfigFromPath loads the resource configuration from a
// specific path.
func LoadResourcesConfigFromPath(path string) (*ResourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources config: %w", err)
	}

	var cfg ResourcesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse resources config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadResourcesConfigOrDefault loads the resource config or returns the
// default if the file is missing.
func LoadResourcesConfigOrDefault() *ResourcesConfig {
	cfg, err := LoadResourcesConfig()
	if err != nil {
		return DefaultResourcesConfig()
	}
	return cfg
}

func (c *ResourcesConfig) validate() error {
	for name, settings := range c.Providers {
		if settings == nil {
			return fmt.Errorf("provider %s: settings are required", name)
		}
	}
	for _, chain := range c.Chains {
		if chain.Name == "" || len(chain.Steps) == 0 {
			return fmt.Errorf("chain definitions need a name and steps")
		}
		for _, step := range chain.Steps {
			if step.Provider == "" && step.SubChain == "" {
				return fmt.Errorf("chain %s: step %s needs a provider or sub_chain", chain.Name, step.Name)
			}
		}
	}
	for _, machine := range c.Machines {
		if machine.Name == "" || len(machine.States) == 0 {
			return fmt.Errorf("machine definitions need a name and states")
		}
	}
	for _, quota := range c.Quotas {
		if quota.ID == "" || quota.MaxActions <= 0 {
			return fmt.Errorf("quota policies need an id and max_actions > 0")
		}
	}
	for _, e := range c.Enrichments {
		if e.Name == "" || e.Lookup == "" {
			return fmt.Errorf("enrichments need a name and lookup")
		}
	}
	return nil
}

// DefaultResourcesConfig returns the default resource configuration: a
// single log-sink provider so a fresh install can dispatch immediately.
func DefaultResourcesConfig() *ResourcesConfig {
	return &ResourcesConfig{
		Providers: map[string]*ProviderSettings{
			"log": {
				Enabled:     true,
				Description: "Structured-log delivery sink",
			},
		},
	}
}
