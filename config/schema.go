package config

//go:generate go run ../tools/schema-generator -o ../schema/collab.schema.json

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// GenerateSchema generates the JSON Schema for collab.yml from the Config
// struct. Extensions are left open so tools can add their own sections.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}

	schema := r.Reflect(&Config{})
	schema.Title = "Collab Configuration"
	schema.Description = "Schema for collab.yml properties."
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return json.MarshalIndent(schema, "", "  ")
}

// SchemaValidator validates configuration against the generated JSON Schema.
type SchemaValidator struct {
	schema *validator.Schema
}

var (
	defaultValidator     *SchemaValidator
	defaultValidatorErr  error
	defaultValidatorOnce sync.Once
)

// NewSchemaValidator compiles the generated schema. The compiled schema is
// shared across calls.
func NewSchemaValidator() (*SchemaValidator, error) {
	defaultValidatorOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			defaultValidatorErr = fmt.Errorf("failed to generate schema: %w", err)
			return
		}
		compiler := validator.NewCompiler()
		if err := compiler.AddResource("collab.json", bytes.NewReader(data)); err != nil {
			defaultValidatorErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiled, err := compiler.Compile("collab.json")
		if err != nil {
			defaultValidatorErr = fmt.Errorf("failed to compile schema: %w", err)
			return
		}
		defaultValidator = &SchemaValidator{schema: compiled}
	})
	return defaultValidator, defaultValidatorErr
}

// Validate validates configuration data against the schema.
func (v *SchemaValidator) Validate(configData interface{}) error {
	// The schema expects plain JSON-like objects.
	jsonData, err := json.Marshal(configData)
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON for validation: %w", err)
	}

	var dataToValidate interface{}
	if err := json.Unmarshal(jsonData, &dataToValidate); err != nil {
		return fmt.Errorf("failed to unmarshal JSON for validation: %w", err)
	}

	if err := v.schema.Validate(dataToValidate); err != nil {
		if validationErr, ok := err.(*validator.ValidationError); ok {
			var messages []string
			collectErrors(validationErr, &messages)
			return fmt.Errorf("schema validation failed:\n%s", strings.Join(messages, "\n"))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func collectErrors(err *validator.ValidationError, messages *[]string) {
	if err.InstanceLocation != "" {
		*messages = append(*messages, fmt.Sprintf("- %s: %s", err.InstanceLocation, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}
