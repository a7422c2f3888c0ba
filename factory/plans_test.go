package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/factory"
	"github.com/warp/credit-engine/generic"
)

var now = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

const catalogYAML = `
plans:
  - id: starter
    name: Starter
    credits: 500
    price: "5.00"
    display_order: 1
  - id: pro
    name: Pro
    credits: 2000.5
    price: 15
    description: For daily use
    display_order: 2
  - id: legacy
    name: Legacy
    credits: 100
    price: 1
    active: false
`

func TestParsePlans_YAML(t *testing.T) {
	plans, err := factory.ParsePlans([]byte(catalogYAML), now)
	require.NoError(t, err)
	require.Len(t, plans, 3)

	assert.Equal(t, generic.PlanID("starter"), plans[0].ID)
	assert.Equal(t, "500.00", plans[0].Credits.String())
	assert.Equal(t, "5.00", plans[0].Price.String())
	assert.True(t, plans[0].IsActive, "active defaults to true")
	assert.Equal(t, now, plans[0].CreatedAt)

	assert.Equal(t, "2000.50", plans[1].Credits.String())
	assert.Equal(t, "For daily use", plans[1].Description)
	assert.Equal(t, 2, plans[1].DisplayOrder)

	assert.False(t, plans[2].IsActive)
}

func TestParsePlans_JSON(t *testing.T) {
	doc := `{"plans": [{"id": "starter", "name": "Starter", "credits": 500, "price": "5.00"}]}`
	plans, err := factory.ParsePlans([]byte(doc), now)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "500.00", plans[0].Credits.String())
}

func TestParsePlans_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "plans:\n  - name: X\n    credits: 1\n    price: 1\n"},
		{"zero credits", "plans:\n  - id: x\n    name: X\n    credits: 0\n    price: 1\n"},
		{"negative price", "plans:\n  - id: x\n    name: X\n    credits: 1\n    price: -1\n"},
		{"not a number", "plans:\n  - id: x\n    name: X\n    credits: lots\n    price: 1\n"},
		{"duplicate id", "plans:\n  - {id: x, name: X, credits: 1, price: 1}\n  - {id: x, name: Y, credits: 2, price: 2}\n"},
		{"bad json", `{"plans": [`},
		{"list as amount", "plans:\n  - id: x\n    name: X\n    credits: [1]\n    price: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParsePlans([]byte(tt.doc), now)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	plans, err := factory.LoadFile(path, now)
	require.NoError(t, err)
	assert.Len(t, plans, 3)

	_, err = factory.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), now)
	assert.Error(t, err)
}
