// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

//go:embed schema/goal_document.schema.json
var goalDocumentSchema string

const goalDocumentSchemaURL = "https://orchestrator.schemas.local/goal_document.schema.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func documentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(goalDocumentSchemaURL, strings.NewReader(goalDocumentSchema)); err != nil {
			compileErr = fmt.Errorf("goal document schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(goalDocumentSchemaURL)
	})
	return compiledSchema, compileErr
}

// Document is a structured goal: an explicit, pre-authored action list.
type Document struct {
	ID      string        `json:"id,omitempty" yaml:"id,omitempty"`
	Goal    string        `json:"goal" yaml:"goal"`
	Intent  string        `json:"intent,omitempty" yaml:"intent,omitempty"`
	Actions []core.Action `json:"actions" yaml:"actions"`
}

// Plan converts the document into a validated plan.
func (d *Document) Plan() (*core.ExecutionPlan, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	plan := &core.ExecutionPlan{
		ID:        id,
		Goal:      strings.TrimSpace(d.Goal),
		Intent:    d.Intent,
		Actions:   d.Actions,
		CreatedAt: time.Now().UTC(),
	}
	if plan.Intent == "" {
		plan.Intent = string(Classify(plan.Goal))
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// ParseJSON loads a goal document from JSON and validates it.
func ParseJSON(data []byte) (*core.ExecutionPlan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.PlanValidation("", "empty JSON payload")
	}
	if err := validateDocument(data); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.New(errors.CodePlanValidation, "parse json goal document", err)
	}
	return doc.Plan()
}

// ParseYAML loads a goal document from YAML and validates it.
func ParseYAML(data []byte) (*core.ExecutionPlan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.PlanValidation("", "empty YAML payload")
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.New(errors.CodePlanValidation, "parse yaml goal document", err)
	}
	// Schema validation and decoding both run over the JSON rendering so
	// YAML and JSON documents are held to identical rules.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.New(errors.CodePlanValidation, "yaml goal document is not representable as JSON", err)
	}
	return ParseJSON(asJSON)
}

// ParseDocument detects the format of data and parses it.
func ParseDocument(data []byte) (*core.ExecutionPlan, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// LoadDocument loads a goal document from a YAML or JSON file.
func LoadDocument(path string) (*core.ExecutionPlan, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("goal document path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseDocument(data)
	}
}

func validateDocument(data []byte) error {
	schema, err := documentSchema()
	if err != nil {
		return err
	}
	v, err := decodeInstance(data)
	if err != nil {
		return errors.New(errors.CodePlanValidation, "goal document is not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return errors.New(errors.CodePlanValidation, "goal document failed schema validation", err)
	}
	return nil
}

// decodeInstance decodes JSON for schema validation, keeping numbers as
// json.Number so integer keywords see the literal value.
func decodeInstance(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
