package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var frameSchemas map[string]*jsonschema.Schema

func init() {
	compile := func(name string) *jsonschema.Schema {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("protocol: missing embedded schema %s: %v", name, err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("protocol: add schema %s: %v", name, err))
		}
		s, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema %s: %v", name, err))
		}
		return s
	}

	frameSchemas = map[string]*jsonschema.Schema{
		TypeHello:    compile("hello.schema.json"),
		TypeInput:    compile("input.schema.json"),
		TypeAck:      compile("ack.schema.json"),
		TypeEventAck: compile("event_ack.schema.json"),
	}
}

// ValidateFrame checks an inbound frame for structural integrity against the
// schema registered for its type. Frames of a type with no schema are
// rejected: clients may only send the four inbound types.
func ValidateFrame(msgType string, raw []byte) error {
	s, ok := frameSchemas[msgType]
	if !ok {
		return fmt.Errorf("unexpected frame type %q", msgType)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
