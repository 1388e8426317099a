// Package modelcatalog provides an immutable, process-start-loaded table of
// per-model capabilities, keyed by model name. It backs a provider's
// context-window lookup and Conduit's model-to-provider identification
// (spec.md §4.2), and is loaded from YAML so operators can override it
// without recompiling, grounded on the teacher's registry/store/memory
// in-memory store shape.
package modelcatalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Capabilities describes what a given model supports.
type Capabilities struct {
	Provider          string `yaml:"provider"`
	ContextWindow     int    `yaml:"context_window"`
	SupportsVision    bool   `yaml:"supports_vision"`
	SupportsAudio     bool   `yaml:"supports_audio"`
	SupportsReasoning bool   `yaml:"supports_reasoning"`
}

// Store is an immutable, read-only table of model capabilities. It is safe
// for concurrent use since it is never mutated after New/Load returns.
type Store struct {
	entries map[string]Capabilities
}

// New builds a Store directly from a capability table, primarily for tests
// and programmatic construction.
func New(entries map[string]Capabilities) *Store {
	clone := make(map[string]Capabilities, len(entries))
	for k, v := range entries {
		clone[k] = v
	}
	return &Store{entries: clone}
}

// Load parses a YAML document of the form:
//
//	model-name:
//	  provider: anthropic
//	  context_window: 200000
//	  supports_vision: true
//	  supports_audio: false
//	  supports_reasoning: true
func Load(data []byte) (*Store, error) {
	var entries map[string]Capabilities
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("modelcatalog: parse catalog: %w", err)
	}
	return New(entries), nil
}

// LoadFile reads and parses a YAML catalog from path, letting operators
// supply a catalog without recompiling.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelcatalog: read %s: %w", path, err)
	}
	return Load(data)
}

// Lookup returns the capabilities for model, and whether it was found.
func (s *Store) Lookup(model string) (Capabilities, bool) {
	c, ok := s.entries[model]
	return c, ok
}

// ContextWindow returns model's context window, or fallback if the model is
// not in the catalog.
func (s *Store) ContextWindow(model string, fallback int) int {
	if c, ok := s.entries[model]; ok && c.ContextWindow > 0 {
		return c.ContextWindow
	}
	return fallback
}

// IdentifyProvider returns the provider name registered for model, and
// whether it was found.
func (s *Store) IdentifyProvider(model string) (string, bool) {
	c, ok := s.entries[model]
	if !ok {
		return "", false
	}
	return c.Provider, true
}

// DefaultCatalog is a small, built-in table covering the major providers'
// flagship models. Nothing selects it automatically: config.NewModelCatalog
// returns an empty catalog when no override file is configured. Operators
// wanting a fuller or updated table can supply one via LoadFile.
var DefaultCatalog = New(map[string]Capabilities{
	"claude-sonnet-4-5": {Provider: "anthropic", ContextWindow: 200000, SupportsVision: true, SupportsReasoning: true},
	"claude-opus-4-1":   {Provider: "anthropic", ContextWindow: 200000, SupportsVision: true, SupportsReasoning: true},
	"gpt-4o":            {Provider: "openai", ContextWindow: 128000, SupportsVision: true, SupportsAudio: true},
	"gpt-4o-mini":       {Provider: "openai", ContextWindow: 128000, SupportsVision: true},
	"gemini-2.0-flash":  {Provider: "google", ContextWindow: 1000000, SupportsVision: true},
	"sonar":             {Provider: "perplexity", ContextWindow: 127072},
	"llama3":            {Provider: "ollama", ContextWindow: 8192},
})
