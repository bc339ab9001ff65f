package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFactory_RequiresConfiguration(t *testing.T) {
	t.Setenv("WATTFLOW_WAREHOUSE_URL", "")

	factory := &Factory{}

	_, err := factory.Create(map[string]any{"database_url": "postgres://localhost/warehouse"})
	assert.Error(t, err, "silver_dir is required")

	_, err = factory.Create(map[string]any{"silver_dir": "/tmp/silver"})
	assert.Error(t, err, "a warehouse URL is required")
}
