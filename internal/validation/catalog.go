package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/pkg/schema"
)

// CatalogValidator orchestrates the two-stage catalog pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, terminal placement, per-type constraints, expressions)
type CatalogValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      *expressions.Set
}

// NewCatalogValidator creates a CatalogValidator.
// exprs may be nil to skip expression compilation checks.
func NewCatalogValidator(exprs *expressions.Set) (*CatalogValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &CatalogValidator{jsonSchema: jsv, exprs: exprs}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage is skipped.
func (cv *CatalogValidator) Validate(cat *schema.Catalog) *schema.ValidationResult {
	if cat == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeConfiguration, "catalog is nil")
		return r
	}

	result := cv.jsonSchema.ValidateCatalog(cat)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(cat, cv.exprs))
	return result
}

// ValidateService checks a single service's sequence. The engine calls this
// before a visitor may enter the service.
func (cv *CatalogValidator) ValidateService(svc *schema.Service) *schema.ValidationResult {
	if svc == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeConfiguration, "service is nil")
		return r
	}
	return validateServiceSemantic(svc, "service", cv.exprs)
}

// Parse decodes and validates a catalog document. The returned result carries
// warnings even when the catalog is accepted.
func (cv *CatalogValidator) Parse(raw []byte) (*schema.Catalog, *schema.ValidationResult, error) {
	result := cv.jsonSchema.ValidateDocument(raw)
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	var cat schema.Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, result, schema.NewError(schema.ErrCodeConfiguration,
			fmt.Sprintf("decode catalog: %v", err)).WithCause(err)
	}

	result.Merge(validateSemantic(&cat, cv.exprs))
	if err := result.ToError(); err != nil {
		return nil, result, err
	}
	return &cat, result, nil
}

// Decode checks structure only and decodes the catalog. Semantic problems are
// left to ValidateService, so one broken service does not take down the rest.
func (cv *CatalogValidator) Decode(raw []byte) (*schema.Catalog, *schema.ValidationResult, error) {
	result := cv.jsonSchema.ValidateDocument(raw)
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	var cat schema.Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, result, schema.NewError(schema.ErrCodeConfiguration,
			fmt.Sprintf("decode catalog: %v", err)).WithCause(err)
	}
	return &cat, result, nil
}
