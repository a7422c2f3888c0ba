/*
Package factory converts plan catalog definitions into generic.Plan values.

PURPOSE:
  Plans are admin-managed. Operators keep them in a YAML (or JSON) file
  under version control and load it with `credit-engine seed-plans`,
  which upserts each plan and invalidates the cached catalog.

SCHEMA (YAML):
  plans:
    - id: starter
      name: Starter
      credits: 500
      price: "5.00"
      description: Enough for a few long conversations
      active: true
      display_order: 1

  The same fields are accepted as JSON. Amounts may be numbers or strings
  and are rounded to cents. active defaults to true.

VALIDATION:
  - id and name are required, ids are unique within the file
  - credits > 0, price >= 0

SEE ALSO:
  - credits/catalog.go: Reads the saved plans
  - cmd/server/main.go: seed-plans command
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// CatalogFile is the top-level document.
type CatalogFile struct {
	Plans []PlanDef `json:"plans" yaml:"plans"`
}

// PlanDef is one plan as written by an operator.
type PlanDef struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	Credits      DecimalText `json:"credits" yaml:"credits"`
	Price        DecimalText `json:"price" yaml:"price"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	Active       *bool       `json:"active,omitempty" yaml:"active,omitempty"` // default true
	DisplayOrder int         `json:"display_order,omitempty" yaml:"display_order,omitempty"`
}

// DecimalText accepts 500, 5.5 or "5.50" in either format.
type DecimalText string

func (d *DecimalText) UnmarshalJSON(b []byte) error {
	*d = DecimalText(strings.Trim(string(b), `"`))
	return nil
}

func (d *DecimalText) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	*d = DecimalText(node.Value)
	return nil
}

// =============================================================================
// PARSING
// =============================================================================

// ParsePlans decodes a catalog document. JSON is detected by a leading '{'.
func ParsePlans(data []byte, now time.Time) ([]generic.Plan, error) {
	var doc CatalogFile
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse plans JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse plans YAML: %w", err)
		}
	}
	return FromDefs(doc.Plans, now)
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string, now time.Time) ([]generic.Plan, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file: %w", err)
	}
	return ParsePlans(data, now)
}

// FromDefs validates definitions and converts them to plans stamped with now.
func FromDefs(defs []PlanDef, now time.Time) ([]generic.Plan, error) {
	seen := make(map[string]bool, len(defs))
	plans := make([]generic.Plan, 0, len(defs))

	for i, def := range defs {
		if def.ID == "" || def.Name == "" {
			return nil, fmt.Errorf("plan %d: id and name are required", i)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("plan %s: duplicate id", def.ID)
		}
		seen[def.ID] = true

		credits, err := generic.ParseAmount(string(def.Credits))
		if err != nil || !credits.IsPositive() {
			return nil, fmt.Errorf("plan %s: credits must be a positive amount, got %q", def.ID, def.Credits)
		}
		price, err := generic.ParseAmount(string(def.Price))
		if err != nil || price.IsNegative() {
			return nil, fmt.Errorf("plan %s: price must be a non-negative amount, got %q", def.ID, def.Price)
		}

		active := true
		if def.Active != nil {
			active = *def.Active
		}

		plans = append(plans, generic.Plan{
			ID:           generic.PlanID(def.ID),
			Name:         def.Name,
			Credits:      credits,
			Price:        price,
			Description:  def.Description,
			IsActive:     active,
			DisplayOrder: def.DisplayOrder,
			CreatedAt:    now,
		})
	}
	return plans, nil
}
