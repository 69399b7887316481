// Package validation checks run submissions and control-command parameters
// against JSON Schemas before anything reaches the queue.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/protoq/protoq/pkg/schema"
)

// runSchemaJSON is the JSON Schema for run submissions.
// Embedded as a constant to avoid filesystem dependencies.
const runSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://protoq.dev/schemas/run.json",
  "type": "object",
  "required": ["commands"],
  "properties": {
    "run_id": { "type": "string" },
    "name": { "type": "string" },
    "params": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "commands": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/command" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "command": {
      "type": "object",
      "required": ["tool_id", "tool_type", "command"],
      "properties": {
        "tool_id": { "type": "string", "minLength": 1 },
        "tool_type": { "type": "string", "minLength": 1 },
        "command": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "advanced": {
          "type": "object",
          "properties": {
            "skip_execution_variable": { "type": "string" },
            "skip_execution_value": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

// controlSchemaJSONs holds one parameter schema per control command.
var controlSchemaJSONs = map[string]string{
	schema.ControlPause: `{
	  "type": "object",
	  "properties": {
	    "message": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.ControlShowMessage: `{
	  "type": "object",
	  "required": ["message"],
	  "properties": {
	    "message": { "type": "string", "minLength": 1 },
	    "title": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.ControlUserForm: `{
	  "type": "object",
	  "required": ["form_name"],
	  "properties": {
	    "form_name": { "type": "string", "minLength": 1 },
	    "title": { "type": "string" },
	    "text": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.ControlTimer: `{
	  "type": "object",
	  "anyOf": [
	    {
	      "required": ["minutes"],
	      "properties": { "minutes": { "exclusiveMinimum": 0 } }
	    },
	    {
	      "required": ["seconds"],
	      "properties": { "seconds": { "exclusiveMinimum": 0 } }
	    }
	  ],
	  "properties": {
	    "minutes": { "type": "number", "minimum": 0 },
	    "seconds": { "type": "number", "minimum": 0 },
	    "message": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.ControlNote: `{
	  "type": "object",
	  "properties": {
	    "text": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.ControlStopRun: `{
	  "type": "object",
	  "properties": {
	    "message": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.ControlGoto: `{
	  "type": "object",
	  "oneOf": [
	    { "required": ["queue_id"] },
	    { "required": ["run_id", "index"] }
	  ],
	  "properties": {
	    "queue_id": { "type": "integer", "minimum": 1 },
	    "run_id": { "type": "string", "minLength": 1 },
	    "index": { "type": "integer", "minimum": 0 }
	  },
	  "additionalProperties": false
	}`,
	schema.ControlVarAssign: `{
	  "type": "object",
	  "required": ["name", "expression"],
	  "properties": {
	    "name": { "type": "string", "minLength": 1 },
	    "expression": {}
	  },
	  "additionalProperties": false
	}`,
}

// Validator validates run submissions and control commands using JSON Schema
// Draft 2020-12. All schemas are compiled once at construction; the type is
// safe for concurrent use.
type Validator struct {
	runSchema      *jsonschema.Schema
	controlSchemas map[string]*jsonschema.Schema
}

// NewValidator compiles all embedded schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	runDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(runSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal run schema: %w", err)
	}
	if err := c.AddResource("https://protoq.dev/schemas/run.json", runDoc); err != nil {
		return nil, fmt.Errorf("add run schema resource: %w", err)
	}
	runSchema, err := c.Compile("https://protoq.dev/schemas/run.json")
	if err != nil {
		return nil, fmt.Errorf("compile run schema: %w", err)
	}

	controlSchemas := make(map[string]*jsonschema.Schema, len(controlSchemaJSONs))
	for name, raw := range controlSchemaJSONs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		url := fmt.Sprintf("https://protoq.dev/schemas/control/%s.json", name)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		controlSchemas[name] = compiled
	}

	return &Validator{
		runSchema:      runSchema,
		controlSchemas: controlSchemas,
	}, nil
}

// ValidateRun validates a run submission, including the parameters of every
// embedded control command.
func (v *Validator) ValidateRun(req *schema.RunRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "run request is nil")
	}

	doc, err := toJSONValue(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize run request").WithCause(err)
	}
	if err := v.runSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}

	for i, cmd := range req.Commands {
		if cmd.ToolID != schema.ControlToolID {
			continue
		}
		if err := v.ValidateControl(cmd.Command, cmd.Params); err != nil {
			if se, ok := err.(*schema.Error); ok {
				se.Message = fmt.Sprintf("commands[%d]: %s", i, se.Message)
				return se
			}
			return err
		}
	}
	return nil
}

// ValidateControl validates the parameters of a single control command.
// Unknown control command names are a validation error: the control surface
// is closed.
func (v *Validator) ValidateControl(command string, params map[string]any) error {
	compiled, ok := v.controlSchemas[command]
	if !ok {
		known := make([]string, 0, len(v.controlSchemas))
		for name := range v.controlSchemas {
			known = append(known, name)
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown control command %q", command).
			WithDetails(map[string]any{"known_commands": known})
	}

	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize control params").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		verr := toValidationError(err)
		verr.Message = fmt.Sprintf("control command %q: %s", command, verr.Message)
		return verr
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a structured
// error listing every violation.
func toValidationError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
