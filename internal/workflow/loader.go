package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the on-disk shape of a catalog definition file.
type CatalogFile struct {
	EscalationRules []EscalationRule   `yaml:"escalation_rules"`
	Actions         []MitigationAction `yaml:"actions"`
	Workflows       []Workflow         `yaml:"workflows"`
}

func ParseCatalogFile(raw []byte) (CatalogFile, error) {
	var f CatalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return CatalogFile{}, fmt.Errorf("parse catalog: %w", err)
	}
	return f, nil
}

// Load registers every definition in f. Rules and actions go first so
// workflows can reference them.
func (c *Catalog) Load(f CatalogFile) error {
	for _, r := range f.EscalationRules {
		if err := c.PutEscalationRule(r); err != nil {
			return err
		}
	}
	for _, a := range f.Actions {
		if err := c.PutAction(a); err != nil {
			return err
		}
	}
	for _, w := range f.Workflows {
		if _, err := c.PutWorkflow(w); err != nil {
			return fmt.Errorf("workflow %s: %w", w.ID, err)
		}
	}
	return nil
}

func (c *Catalog) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", path, err)
	}
	f, err := ParseCatalogFile(raw)
	if err != nil {
		return err
	}
	return c.Load(f)
}
