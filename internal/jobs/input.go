package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// InputSchema validates the untyped payload of one job type before it is decoded.
type InputSchema struct {
	name   string
	raw    map[string]any
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func NewInputSchema(name string, schema map[string]any) *InputSchema {
	return &InputSchema{name: name, raw: schema}
}

func (s *InputSchema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		b, err := json.Marshal(s.raw)
		if err != nil {
			s.err = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		url := s.name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
			s.err = fmt.Errorf("add schema: %w", err)
			return
		}
		s.schema, s.err = compiler.Compile(url)
	})
	return s.schema, s.err
}

// DecodeInput validates input against schema and decodes it into T.
func DecodeInput[T any](schema *InputSchema, input map[string]any) (T, error) {
	var out T

	compiled, err := schema.compile()
	if err != nil {
		return out, fmt.Errorf("compile schema: %w", err)
	}

	// round-trip so numbers and nested values have the shapes the validator expects
	b, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("marshal input: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return out, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := compiled.Validate(generic); err != nil {
		return out, fmt.Errorf("input does not match schema: %w", err)
	}

	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode input: %w", err)
	}
	return out, nil
}

// EncodeOutput turns a typed output struct into the generic payload merged into the job record.
func EncodeOutput(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
