package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect rejected payloads.
var ErrValidation = errors.New("validation failed")

// Validator checks inbound payloads before anything is mutated.
type Validator struct {
	createTask *jsonschema.Schema
	callback   *jsonschema.Schema
}

// NewValidator compiles the embedded request schemas.
func NewValidator() (*Validator, error) {
	createTask, err := compileSchema("create_task")
	if err != nil {
		return nil, err
	}
	callback, err := compileSchema("callback")
	if err != nil {
		return nil, err
	}
	return &Validator{createTask: createTask, callback: callback}, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	path := "schemas/" + name + ".json"
	data, err := schemaFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	s, err := jsonschema.CompileString("https://taskhub.inaiurai.dev/schemas/"+name+".json", string(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return s, nil
}

// ValidateCreateTask hard-rejects a malformed task creation body.
func (v *Validator) ValidateCreateTask(body []byte) error {
	return validate(v.createTask, body)
}

// ValidateCallback hard-rejects a malformed agent callback body, including
// unrecognised status values.
func (v *Validator) ValidateCallback(body []byte) error {
	return validate(v.callback, body)
}

func validate(schema *jsonschema.Schema, body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
