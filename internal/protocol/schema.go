package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[Kind]*jsonschema.Schema
	schemasErr  error
)

const schemaBaseURL = "https://gridhost.local/"

var clientKinds = []Kind{KindCommand, KindBreakBlock, KindPlaceBlock}

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	schemas = make(map[Kind]*jsonschema.Schema, len(clientKinds))

	for _, kind := range clientKinds {
		name := path.Join("schemas", string(kind)+".schema.json")
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			schemasErr = fmt.Errorf("failed to read schema %s: %w", name, err)
			return
		}
		url := schemaBaseURL + name
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			schemasErr = fmt.Errorf("failed to add schema %s: %w", name, err)
			return
		}
		s, err := compiler.Compile(url)
		if err != nil {
			schemasErr = fmt.Errorf("failed to compile schema %s: %w", name, err)
			return
		}
		schemas[kind] = s
	}
}

func validate(kind Kind, frame []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}

	s, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var doc any
	if err := json.Unmarshal(frame, &doc); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s message: %w", kind, err)
	}
	return nil
}
