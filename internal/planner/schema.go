package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan_schema.json
var planSchemaJSON string

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// PlanSchema returns the compiled JSON Schema for dashboard plans.
func PlanSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// ValidatePlanDocument validates the provided JSON bytes against the plan schema.
func ValidatePlanDocument(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	return ValidateValue(doc)
}

// ValidateValue validates an already decoded plan document.
func ValidateValue(doc interface{}) error {
	schema, err := PlanSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan does not match schema: %w", err)
	}
	return nil
}

// Findings flattens a validation error into one line per failing location.
// Plans are free-form model output, so callers record these as warnings.
func Findings(doc map[string]interface{}) []string {
	err := ValidateValue(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	seen := map[string]struct{}{}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			line := fmt.Sprintf("%s: %s", loc, e.Message)
			if _, dup := seen[line]; !dup {
				seen[line] = struct{}{}
				out = append(out, line)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}

// Summary returns a short human description of a plan, used for history
// records and log lines. It prefers a title, then a description or objective.
func Summary(doc map[string]interface{}) string {
	var parts []string
	for _, key := range []string{"title", "dashboard_title", "objective", "description"} {
		if v, ok := doc[key].(string); ok && strings.TrimSpace(v) != "" {
			parts = append(parts, strings.TrimSpace(v))
		}
		if len(parts) == 2 {
			break
		}
	}
	if viz, ok := doc["visualizations"].([]interface{}); ok && len(viz) > 0 {
		parts = append(parts, fmt.Sprintf("%d visualizations", len(viz)))
	}
	return strings.Join(parts, " - ")
}
