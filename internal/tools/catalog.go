package tools

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"approval-gate/internal/models"
)

// Definition is the static policy for one tool.
type Definition struct {
	Name        string      `yaml:"name" json:"name"`
	Tier        models.Tier `yaml:"tier" json:"tier"`
	LongRunning bool        `yaml:"long_running" json:"long_running"`
	Description string      `yaml:"description" json:"description,omitempty"`
}

// Catalog is the versioned set of known tools.
type Catalog struct {
	Version string
	defs    map[string]Definition
}

type catalogFile struct {
	Version string       `yaml:"version"`
	Tools   []Definition `yaml:"tools"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog("builtin-1", []Definition{
		{Name: "send_message", Tier: models.TierRequiresApproval, Description: "send a message on the user's behalf"},
		{Name: "create_event", Tier: models.TierRequiresApproval, Description: "create a calendar event"},
		{Name: "read_calendar", Tier: models.TierAuto, Description: "read calendar entries"},
		{Name: "search_records", Tier: models.TierAuto, Description: "search stored records"},
		{Name: "delete_record", Tier: models.TierAlwaysRequiresApproval, Description: "delete a stored record"},
		{Name: "modify_automation", Tier: models.TierAlwaysRequiresApproval, LongRunning: true, Description: "change a recurring automation"},
		{Name: "bulk_export", Tier: models.TierRequiresApproval, LongRunning: true, Description: "export data to a third party"},
	})
	return c
}

// NewCatalog validates definitions and indexes them by name.
func NewCatalog(version string, defs []Definition) (*Catalog, error) {
	c := &Catalog{Version: version, defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: tool definition without a name", models.ErrInvalid)
		}
		if _, err := models.ParseTier(string(d.Tier)); err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		if _, dup := c.defs[d.Name]; dup {
			return nil, fmt.Errorf("%w: tool %s defined twice", models.ErrInvalid, d.Name)
		}
		c.defs[d.Name] = d
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode tool catalog: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("%w: tool catalog %s has no version", models.ErrInvalid, path)
	}
	return NewCatalog(f.Version, f.Tools)
}

// Lookup returns the definition for name.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	d, ok := c.defs[name]
	return d, ok
}

// Definitions returns every definition sorted by name.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Defaults converts the catalog into the rows persisted for tier-change tracking.
func (c *Catalog) Defaults() []models.ToolDefault {
	defs := c.Definitions()
	out := make([]models.ToolDefault, 0, len(defs))
	for _, d := range defs {
		out = append(out, models.ToolDefault{ToolName: d.Name, Tier: d.Tier})
	}
	return out
}
