package main

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the per-run council configuration
type EngineConfig struct {
	Models                   []ModelSpec `json:"models" yaml:"models"`
	SynthesisModel           string      `json:"synthesisModel" yaml:"synthesisModel"`
	Temperature              float64     `json:"temperature" yaml:"temperature"`
	MaxTokens                int         `json:"maxTokens" yaml:"maxTokens"`
	TopP                     float64     `json:"topP" yaml:"topP"`
	SystemPrompt             string      `json:"systemPrompt,omitempty" yaml:"systemPrompt"`
	PreferredFallbackVendors []string    `json:"preferredFallbackVendors,omitempty" yaml:"preferredFallbackVendors"`
}

// DefaultEngineConfig returns the built-in council preset
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Models: []ModelSpec{
			{ID: "meta/Llama-4-Maverick-17B-128E-Instruct-FP8", Name: "Llama 4 Maverick (Meta)"},
			{ID: "openai/o3", Name: "o3 (OpenAI)"},
			{ID: "mistral-ai/Codestral-2501", Name: "Codestral 25.01 (Mistral)"},
			{ID: "Phi-4", Name: "Phi-4 (Microsoft)"},
		},
		SynthesisModel:           "openai/gpt-5",
		Temperature:              0.7,
		MaxTokens:                2000,
		TopP:                     0.95,
		SystemPrompt:             "You are an expert analyst. Provide a detailed, insightful response to the user prompt.",
		PreferredFallbackVendors: []string{"openai", "meta"},
	}
}

// Validate checks that the configuration can drive a run
func (c EngineConfig) Validate() error {
	if len(c.Models) == 0 {
		return ErrNoModels
	}
	seen := make(map[string]bool, len(c.Models))
	names := make(map[string]string, len(c.Models))
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("model %d has no id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("model %q is configured more than once", m.ID)
		}
		seen[m.ID] = true

		// Reviews and rankings are keyed by name
		name := m.Name
		if name == "" {
			name = m.ID
		}
		if other, ok := names[name]; ok {
			return fmt.Errorf("models %q and %q share the name %q", other, m.ID, name)
		}
		names[name] = m.ID
	}
	if c.SynthesisModel == "" {
		return fmt.Errorf("synthesis model is required")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must not be negative")
	}
	return nil
}

// Clone returns a deep copy of the configuration
func (c EngineConfig) Clone() EngineConfig {
	out := c
	out.Models = append([]ModelSpec(nil), c.Models...)
	out.PreferredFallbackVendors = append([]string(nil), c.PreferredFallbackVendors...)
	return out
}

// EngineConfigInput is the client-supplied configuration before defaults are applied.
// Pointer fields distinguish an omitted value from an explicit zero.
type EngineConfigInput struct {
	Models                   []ModelSpec `json:"models"`
	SynthesisModel           string      `json:"synthesisModel"`
	ChairmanModel            string      `json:"chairmanModel"`
	Temperature              *float64    `json:"temperature"`
	MaxTokens                int         `json:"maxTokens"`
	TopP                     *float64    `json:"topP"`
	SystemPrompt             *string     `json:"systemPrompt"`
	PreferredFallbackVendors []string    `json:"preferredFallbackVendors"`
}

// ResolveEngineConfig fills omitted fields of in from defaults and validates the result
func ResolveEngineConfig(in *EngineConfigInput, defaults EngineConfig) (EngineConfig, error) {
	cfg := defaults.Clone()
	if in != nil {
		if len(in.Models) > 0 {
			cfg.Models = append([]ModelSpec(nil), in.Models...)
		}
		switch {
		case in.SynthesisModel != "":
			cfg.SynthesisModel = in.SynthesisModel
		case in.ChairmanModel != "":
			cfg.SynthesisModel = in.ChairmanModel
		}
		if in.Temperature != nil {
			cfg.Temperature = *in.Temperature
		}
		if in.MaxTokens > 0 {
			cfg.MaxTokens = in.MaxTokens
		}
		if in.TopP != nil {
			cfg.TopP = *in.TopP
		}
		if in.SystemPrompt != nil {
			cfg.SystemPrompt = *in.SystemPrompt
		}
		if in.PreferredFallbackVendors != nil {
			cfg.PreferredFallbackVendors = append([]string(nil), in.PreferredFallbackVendors...)
		}
	}

	for i := range cfg.Models {
		if cfg.Models[i].Name == "" {
			cfg.Models[i].Name = cfg.Models[i].ID
		}
	}

	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, fmt.Errorf("invalid engine config: %w", err)
	}
	return cfg, nil
}

// LoadEngineDefaults reads engine defaults from a yaml file.
// Keys missing from the file keep the built-in preset values.
func LoadEngineDefaults(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("failed to read engine defaults: %w", err)
	}

	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to parse engine defaults: %w", err)
	}

	for i := range cfg.Models {
		if cfg.Models[i].Name == "" {
			cfg.Models[i].Name = cfg.Models[i].ID
		}
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, fmt.Errorf("invalid engine defaults in %s: %w", path, err)
	}
	return cfg, nil
}

// EngineDefaults holds the current default engine configuration.
// Readers always see a complete config; Set swaps it atomically.
type EngineDefaults struct {
	current atomic.Pointer[EngineConfig]
}

// NewEngineDefaults creates a holder seeded with cfg
func NewEngineDefaults(cfg EngineConfig) *EngineDefaults {
	d := &EngineDefaults{}
	d.Set(cfg)
	return d
}

// Get returns a copy of the current defaults
func (d *EngineDefaults) Get() EngineConfig {
	return d.current.Load().Clone()
}

// Set replaces the current defaults
func (d *EngineDefaults) Set(cfg EngineConfig) {
	c := cfg.Clone()
	d.current.Store(&c)
}
