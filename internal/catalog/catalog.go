// Package catalog loads the declarative model/tool catalog and exposes
// tool descriptors and parameter routes to the router and dispatcher. Grounded on the original Python
// loader (original_source's mcp_second_brain/config/model_loader.py): same
// id/aliases/provider/adapter/model_name/capabilities/context_window
// shape, reexpressed as Go structs decoded from YAML instead of pydantic.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Capability is one of the flags a tool descriptor may declare.
type Capability string

const (
	CapabilityVision            Capability = "vision"
	CapabilityVectorStore       Capability = "vector_store"
	CapabilitySession           Capability = "session"
	CapabilityStructuredOutput  Capability = "structured_output"
	CapabilityReasoningEffort   Capability = "reasoning_effort"
	CapabilityTemperature       Capability = "temperature"
)

// Route is where a declared parameter's value flows.
type Route string

const (
	RoutePrompt      Route = "prompt"
	RouteAdapter     Route = "adapter"
	RouteVectorStore Route = "vector_store"
	RouteSession     Route = "session"
)

// ParamSpec describes one parameter a tool accepts.
type ParamSpec struct {
	Name     string `yaml:"name"`
	Route    Route  `yaml:"route"`
	Required bool   `yaml:"required"`
}

// ModelEntry is one raw entry from the catalog YAML file.
type ModelEntry struct {
	ID                 string                 `yaml:"id"`
	Aliases            []string               `yaml:"aliases"`
	Provider           string                 `yaml:"provider"`
	Adapter            string                 `yaml:"adapter"`
	ModelName          string                 `yaml:"model_name"`
	Description        string                 `yaml:"description"`
	ContextWindow      int                    `yaml:"context_window"`
	DefaultTimeoutS    int                    `yaml:"default_timeout"`
	SupportsSession    bool                   `yaml:"supports_session"`
	SupportsVectorStore bool                  `yaml:"supports_vector_store"`
	Capabilities       []Capability           `yaml:"capabilities"`
	DefaultParams      map[string]any         `yaml:"default_params"`
	Params             []ParamSpec            `yaml:"params"`
	InlineBudgetFrac   float64                `yaml:"inline_budget_fraction"`
	PromptTemplate     string                 `yaml:"prompt_template"`
}

type catalogFile struct {
	Models []ModelEntry `yaml:"models"`
}

// Descriptor is the immutable tool descriptor derived from a ModelEntry
// Descriptors never change after registration.
type Descriptor struct {
	Name                string
	Description         string
	Provider            string
	Adapter             string
	ModelName           string
	ContextWindow        int
	DefaultTimeoutS     int
	SupportsSession     bool
	SupportsVectorStore bool
	Capabilities        map[Capability]struct{}
	DefaultParams       map[string]any
	Params              []ParamSpec
	InlineBudgetFrac    float64
	PromptTemplate      string
}

// HasCapability reports whether the descriptor declares cap.
func (d Descriptor) HasCapability(cap Capability) bool {
	_, ok := d.Capabilities[cap]
	return ok
}

// Catalog is the startup-loaded, read-only registry of tool descriptors.
// Names are unique; aliases resolve to the same descriptor as their
// primary id.
type Catalog struct {
	byName    map[string]*Descriptor
	byAlias   map[string]*Descriptor
	ordered   []*Descriptor
}

// Load reads a YAML catalog file and builds the registry. It is total over
// the file's entries: duplicate ids or aliases are a load error since tool
// names must be unique.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var parsed catalogFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return build(parsed.Models)
}

func build(entries []ModelEntry) (*Catalog, error) {
	c := &Catalog{
		byName:  make(map[string]*Descriptor),
		byAlias: make(map[string]*Descriptor),
	}
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog: entry with empty id")
		}
		if _, dup := c.byName[e.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate tool id %q", e.ID)
		}
		caps := make(map[Capability]struct{}, len(e.Capabilities))
		for _, cp := range e.Capabilities {
			caps[cp] = struct{}{}
		}
		if e.InlineBudgetFrac == 0 {
			e.InlineBudgetFrac = 0.01
		}
		d := &Descriptor{
			Name:                e.ID,
			Description:         e.Description,
			Provider:            e.Provider,
			Adapter:             e.Adapter,
			ModelName:           e.ModelName,
			ContextWindow:       e.ContextWindow,
			DefaultTimeoutS:     e.DefaultTimeoutS,
			SupportsSession:     e.SupportsSession,
			SupportsVectorStore: e.SupportsVectorStore,
			Capabilities:        caps,
			DefaultParams:       e.DefaultParams,
			Params:              e.Params,
			InlineBudgetFrac:    e.InlineBudgetFrac,
			PromptTemplate:      e.PromptTemplate,
		}
		c.byName[e.ID] = d
		c.ordered = append(c.ordered, d)
		for _, alias := range e.Aliases {
			if _, dup := c.byAlias[alias]; dup {
				return nil, fmt.Errorf("catalog: duplicate alias %q", alias)
			}
			c.byAlias[alias] = d
		}
	}
	return c, nil
}

// Lookup finds a descriptor by primary id, falling back to alias, matching
// the original loader's get_model_by_alias precedence (id checked first).
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	if d, ok := c.byName[name]; ok {
		return d, true
	}
	if d, ok := c.byAlias[name]; ok {
		return d, true
	}
	return nil, false
}

// List returns every descriptor in declaration order.
func (c *Catalog) List() []*Descriptor {
	return append([]*Descriptor(nil), c.ordered...)
}
