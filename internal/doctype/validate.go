package doctype

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tomehq/tome/internal/repository"
)

// Issue is one validation finding.
type Issue struct {
	PropertyPath string
	Message      string
	ErrorType    string
	Expected     string
	Actual       string
}

func (i Issue) String() string {
	if i.PropertyPath == "" {
		return i.Message
	}
	return i.PropertyPath + ": " + i.Message
}

// Result is the outcome of validating frontmatter against a doc type.
// Warnings never block indexing; Errors do.
type Result struct {
	Valid    bool
	Errors   []Issue
	Warnings []Issue
}

// Validator checks frontmatter against doc-type definitions. Compiled JSON
// schemas are cached per type id.
type Validator struct {
	registry *Registry

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

// NewValidator creates a validator over the registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{
		registry: registry,
		schemas:  make(map[string]*gojsonschema.Schema),
	}
}

// Registry returns the backing registry.
func (v *Validator) Registry() *Registry {
	return v.registry
}

// Validate checks frontmatter against the named doc type. An unknown type is
// a warning under lenient validation and an error under strict. Required
// fields are checked first; when the type carries a JSON schema, the
// frontmatter is validated against it as well.
func (v *Validator) Validate(frontmatter map[string]any, docTypeID string, strict bool) Result {
	res := Result{Valid: true}

	def, ok := v.registry.Get(docTypeID)
	if !ok {
		issue := Issue{
			PropertyPath: "doc_type",
			Message:      fmt.Sprintf("unknown doc type %q", docTypeID),
			ErrorType:    "InvalidDocType",
			Actual:       docTypeID,
		}
		if strict {
			res.Valid = false
			res.Errors = append(res.Errors, issue)
		} else {
			res.Warnings = append(res.Warnings, issue)
		}
		return res
	}

	for _, field := range def.RequiredFields {
		value, present := frontmatter[field]
		blank := false
		if s, isString := value.(string); present && isString {
			blank = strings.TrimSpace(s) == ""
		}
		if !present || value == nil || blank {
			res.Valid = false
			res.Errors = append(res.Errors, Issue{
				PropertyPath: field,
				Message:      fmt.Sprintf("required field %q is missing or blank", field),
				ErrorType:    "RequiredField",
				Expected:     "non-blank value",
			})
		}
	}

	if def.JSONSchema != "" {
		schemaErrs, err := v.validateSchema(def, frontmatter)
		if err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, Issue{
				Message:   fmt.Sprintf("schema validation failed: %v", err),
				ErrorType: "SchemaError",
			})
		} else if len(schemaErrs) > 0 {
			res.Valid = false
			res.Errors = append(res.Errors, schemaErrs...)
		}
	}

	return res
}

func (v *Validator) validateSchema(def *repository.DocTypeDefinition, frontmatter map[string]any) ([]Issue, error) {
	schema, err := v.compiledSchema(def)
	if err != nil {
		return nil, err
	}

	if frontmatter == nil {
		frontmatter = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(frontmatter))
	if err != nil {
		return nil, err
	}

	var issues []Issue
	for _, e := range result.Errors() {
		issues = append(issues, Issue{
			PropertyPath: e.Field(),
			Message:      e.Description(),
			ErrorType:    e.Type(),
			Expected:     fmt.Sprintf("%v", e.Details()["expected"]),
			Actual:       fmt.Sprintf("%v", e.Value()),
		})
	}
	return issues, nil
}

func (v *Validator) compiledSchema(def *repository.DocTypeDefinition) (*gojsonschema.Schema, error) {
	key := strings.ToLower(def.ID)

	v.mu.Lock()
	defer v.mu.Unlock()

	if schema, ok := v.schemas[key]; ok {
		return schema, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.JSONSchema))
	if err != nil {
		return nil, err
	}
	v.schemas[key] = schema
	return schema, nil
}
