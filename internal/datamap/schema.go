package datamap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema constrains the contents of datamaps beyond structural well-formedness.
// The engine itself never interprets datamaps; schemas let a deployment insist that,
// say, every hand carries a "grab" number.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document. name identifies it in errors.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{name: name, schema: schema}, nil
}

// LoadSchema reads and compiles a schema file.
func LoadSchema(path string) (*Schema, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return CompileSchema(path, doc)
}

// Name returns the identifier the schema was compiled under.
func (s *Schema) Name() string {
	return s.name
}

// Validate checks m against the schema. A nil schema accepts everything.
func (s *Schema) Validate(m *Datamap) error {
	if s == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(m.Marshal()))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: schema %s: %v", ErrInvalid, s.name, err)
	}
	return nil
}
