package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/telemetry"
	"devicefleet/internal/types"
)

func TestDefaultAlertRules_FlagsNoNodesOnline(t *testing.T) {
	rules := defaultAlertRules()
	require.Len(t, rules, 1)

	rule := rules[0]
	assert.Equal(t, "online_nodes", rule.Gauge)
	assert.Equal(t, telemetry.LessThan, rule.Comparator)
	assert.Equal(t, float64(1), rule.Value)
	assert.Equal(t, types.AlertCritical, rule.Level)
}
