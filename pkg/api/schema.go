package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const createPlanSchemaURL = "https://bequest.dev/schemas/create-plan.schema.json"

// createPlanSchemaJSON rejects malformed shapes only: wrong types and
// unknown fields. Semantic rules (share sums, threshold bounds,
// duplicates) stay in plan.Validate so every entry point rejects them
// with the same errors in the same order.
const createPlanSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"executor": {"type": "string"},
		"beneficiaries": {"type": "array", "items": {"type": "string"}},
		"shares_bps": {"type": "array", "items": {"type": "integer", "minimum": 0}},
		"guardians": {"type": "array", "items": {"type": "string"}},
		"threshold": {"type": "integer", "minimum": 0},
		"heartbeat_interval_seconds": {"type": "integer"},
		"metadata_uri": {"type": "string"}
	},
	"additionalProperties": false
}`

// CreatePlanSchema validates create-plan request bodies before they
// are decoded into plan.Params.
type CreatePlanSchema struct {
	schema *jsonschema.Schema
}

// NewCreatePlanSchema compiles the embedded schema.
func NewCreatePlanSchema() (*CreatePlanSchema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(createPlanSchemaURL, strings.NewReader(createPlanSchemaJSON)); err != nil {
		return nil, fmt.Errorf("api: loading create-plan schema: %w", err)
	}
	compiled, err := c.Compile(createPlanSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("api: compiling create-plan schema: %w", err)
	}
	return &CreatePlanSchema{schema: compiled}, nil
}

// Validate checks a decoded JSON document (the product of
// json.Unmarshal into any) against the schema.
func (s *CreatePlanSchema) Validate(doc any) error {
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("api: request schema: %w", err)
	}
	return nil
}
