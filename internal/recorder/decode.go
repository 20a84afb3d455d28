package recorder

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"devtimeline/internal/errclass"
)

// MaxPayload bounds the size of a decoded interaction.
const MaxPayload = 4 << 20

const schemaURL = "https://devtimeline.local/schema/interaction-v1.schema.json"

//go:embed interaction.schema.json
var schemaJSON []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add interaction schema: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// Decode reads one JSON interaction from r and validates it against the
// interaction schema. Malformed or non-conforming input returns
// errclass.ErrInvalidEvent.
func Decode(r io.Reader) (Interaction, error) {
	var in Interaction

	data, err := io.ReadAll(io.LimitReader(r, MaxPayload+1))
	if err != nil {
		return in, fmt.Errorf("read interaction: %w", err)
	}
	if len(data) > MaxPayload {
		return in, errclass.ErrInvalidEvent.WithMessagef("interaction exceeds %d bytes", MaxPayload)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return in, errclass.ErrInvalidEvent.WithMessage("malformed JSON").Wrap(err)
	}

	schema, err := compileSchema()
	if err != nil {
		return in, fmt.Errorf("compile interaction schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return in, errclass.ErrInvalidEvent.WithMessage("interaction does not match schema").Wrap(err)
	}

	if err := json.Unmarshal(data, &in); err != nil {
		return in, errclass.ErrInvalidEvent.Wrap(err)
	}
	return in, nil
}
