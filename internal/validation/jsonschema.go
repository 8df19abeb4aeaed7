package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/intake/pkg/schema"
)

const catalogSchemaURL = "https://intake.dev/schemas/catalog.json"

// catalogSchemaJSON is the JSON Schema for authored catalogs.
// Embedded as a constant to avoid filesystem dependencies.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://intake.dev/schemas/catalog.json",
  "type": "object",
  "required": ["services"],
  "properties": {
    "services": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/service" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "service": {
      "type": "object",
      "required": ["title", "steps"],
      "properties": {
        "title": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "payload_transform": { "type": "string" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$" },
        "type": {
          "type": "string",
          "enum": ["text", "number", "email", "phone", "address", "website", "date",
                   "file", "multiple_choice", "payment", "end_screen", "external_browser"]
        },
        "question": { "type": "string" },
        "placeholder": { "type": "string" },
        "required": { "type": "boolean" },
        "min_length": { "type": "integer", "minimum": 0 },
        "max_length": { "type": "integer", "minimum": 0 },
        "min": { "type": "number" },
        "max": { "type": "number" },
        "min_date": { "type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$" },
        "max_date": { "type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$" },
        "accepted_types": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "max_size": { "type": "integer", "minimum": 0 },
        "options": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "multiple": { "type": "boolean" },
        "amount": { "type": "integer", "minimum": 0 },
        "currency": { "type": "string", "pattern": "^[A-Za-z]{3}$" },
        "default_country_code": { "type": "string", "pattern": "^\\+?[0-9]{1,3}$" },
        "message": { "type": "string" },
        "redirect_url": { "type": "string" },
        "condition": { "type": "string" },
        "rule": { "type": "string" },
        "rule_message": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks catalogs against the embedded catalog schema.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	catalogSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the catalog schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal catalog schema: %w", err)
	}
	if err := c.AddResource(catalogSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add catalog schema resource: %w", err)
	}

	compiled, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	return &JSONSchemaValidator{catalogSchema: compiled}, nil
}

// ValidateDocument validates raw catalog JSON, as read from disk.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("/", schema.ErrCodeConfiguration, "catalog is not valid JSON: "+err.Error())
		return result
	}
	v.check(doc, result)
	return result
}

// ValidateCatalog validates an in-memory catalog.
func (v *JSONSchemaValidator) ValidateCatalog(cat *schema.Catalog) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if cat == nil {
		result.AddError("/", schema.ErrCodeConfiguration, "catalog is nil")
		return result
	}
	doc, err := toJSONValue(cat)
	if err != nil {
		result.AddError("/", schema.ErrCodeConfiguration, "failed to serialize catalog: "+err.Error())
		return result
	}
	v.check(doc, result)
	return result
}

func (v *JSONSchemaValidator) check(doc any, result *schema.ValidationResult) {
	err := v.catalogSchema.Validate(doc)
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeConfiguration, err.Error())
		return
	}
	for _, violation := range collectViolations(verr) {
		result.AddError(violation.path, schema.ErrCodeConfiguration, violation.message)
	}
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

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
