// Package pipeline loads and validates pipeline definition files.
//
// Definitions are JSON documents checked in three layers: a JSON schema
// for shape, model-level validation for cron and task declarations, and
// graph validation for unknown dependencies and cycles. A definition that
// passes Load is safe to hand to the scheduler.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/wattflow/wattflow/pkg/dag"
	"github.com/wattflow/wattflow/pkg/models"
)

const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "schedule", "tasks"],
  "properties": {
    "name": {"type": "string", "minLength": 3},
    "description": {"type": "string"},
    "schedule": {"type": "string", "minLength": 9},
    "look_back": {"type": "integer", "minimum": 0},
    "max_parallel": {"type": "integer", "minimum": 0},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "executor"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "executor": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "max_concurrency": {"type": "integer", "minimum": 0},
          "retry": {
            "type": "object",
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 1},
              "backoff_min": {"type": "string"},
              "backoff_max": {"type": "string"}
            }
          },
          "config": {"type": "object"}
        }
      }
    }
  }
}`

// Load reads, validates and defaults a pipeline definition file.
func Load(path string) (*models.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definition: %w", err)
	}

	return Parse(data)
}

// Parse validates a pipeline definition document and returns the pipeline
// with retry defaults applied.
func Parse(data []byte) (*models.Pipeline, error) {
	err := validateSchema(data)
	if err != nil {
		return nil, err
	}

	var p models.Pipeline

	err = json.Unmarshal(data, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}

	p.ApplyDefaults()

	err = p.Validate()
	if err != nil {
		return nil, err
	}

	graph, err := dag.FromPipeline(&p)
	if err != nil {
		return nil, err
	}

	err = graph.Validate()
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func validateSchema(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(definitionSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate pipeline definition: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("%w: %s", models.ErrInvalidPipeline, strings.Join(details, "; "))
	}

	return nil
}
