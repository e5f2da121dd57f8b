package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestCreatePlanSchemaAcceptsWellFormedRequest(t *testing.T) {
	s, err := NewCreatePlanSchema()
	require.NoError(t, err)

	doc := decode(t, `{
		"executor": "exec-1",
		"beneficiaries": ["ben-1", "ben-2"],
		"shares_bps": [6000, 4000],
		"guardians": ["g-1", "g-2", "g-3"],
		"threshold": 2,
		"heartbeat_interval_seconds": 86400,
		"metadata_uri": "ipfs://plan"
	}`)
	assert.NoError(t, s.Validate(doc))
}

func TestCreatePlanSchemaRejectsWrongTypes(t *testing.T) {
	s, err := NewCreatePlanSchema()
	require.NoError(t, err)

	cases := []string{
		`{"executor": 42}`,
		`{"beneficiaries": "ben-1"}`,
		`{"shares_bps": ["6000"]}`,
		`{"threshold": "two"}`,
		`{"heartbeat_interval_seconds": "1d"}`,
		`{"shares_bps": [-1]}`,
	}
	for _, raw := range cases {
		assert.Error(t, s.Validate(decode(t, raw)), "should reject %s", raw)
	}
}

func TestCreatePlanSchemaRejectsUnknownFields(t *testing.T) {
	s, err := NewCreatePlanSchema()
	require.NoError(t, err)

	doc := decode(t, `{"executor": "exec-1", "surprise": true}`)
	assert.Error(t, s.Validate(doc))
}

func TestCreatePlanSchemaLeavesSemanticsToDomain(t *testing.T) {
	s, err := NewCreatePlanSchema()
	require.NoError(t, err)

	// Shares that do not sum to 10000 and a missing executor are shape
	// valid; plan.Validate owns those rejections.
	doc := decode(t, `{
		"beneficiaries": ["ben-1"],
		"shares_bps": [1],
		"guardians": [],
		"threshold": 0,
		"heartbeat_interval_seconds": -5
	}`)
	assert.NoError(t, s.Validate(doc))
}
