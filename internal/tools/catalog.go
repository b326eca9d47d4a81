package tools

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CatalogEntry prices and constrains one tool.
type CatalogEntry struct {
	Name string `yaml:"name"`
	// Cost in credits, held up front when the tool is active for a
	// turn.
	Cost int64 `yaml:"cost"`
	// ConflictsWithReasoning marks tools whose multi-step prompting
	// misbehaves on reasoning models.
	ConflictsWithReasoning bool `yaml:"conflictsWithReasoning,omitempty"`
}

// Catalog maps tool name to its entry.
type Catalog map[string]CatalogEntry

// Names returns the catalog's tool names in stable order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultCatalog prices the built-in tools.
func DefaultCatalog() Catalog {
	return Catalog{
		ToolWebSearch:      {Name: ToolWebSearch, Cost: 2},
		ToolResearch:       {Name: ToolResearch, Cost: 10, ConflictsWithReasoning: true},
		ToolCreateDocument: {Name: ToolCreateDocument, Cost: 5},
		ToolUpdateDocument: {Name: ToolUpdateDocument, Cost: 5},
	}
}

// LoadCatalog reads YAML entries from path and overlays them on the
// defaults. Entries for unknown tools are accepted; they simply never
// activate without a registered implementation.
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	var entries []CatalogEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse tool catalog %s: %w", path, err)
	}
	for _, entry := range entries {
		if entry.Name == "" {
			return nil, fmt.Errorf("tool catalog %s: entry without a name", path)
		}
		catalog[entry.Name] = entry
	}
	return catalog, nil
}
