package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "https://capsched.invalid/schemas/filter.json"

const filterSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "eventId":     {"type": "string"},
    "title":       {"type": "string"},
    "creator":     {"type": "string"},
    "abstract":    {"type": "string"},
    "contributor": {"type": "string"},
    "device":      {"type": "string"},
    "location":    {"type": "string"},
    "seriesId":    {"type": "string"},
    "channelId":   {"type": "string"},
    "resource":    {"type": "string"},
    "attendee":    {"type": "string"},
    "start":       {"type": "string", "format": "date-time"},
    "end":         {"type": "string", "format": "date-time"}
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(filterSchema))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Decode reads a filter in its JSON wire shape. Unknown fields, wrongly
// typed values and non RFC 3339 timestamps are rejected.
func Decode(r io.Reader) (*Filter, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("filter: read: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Filter{}, nil
	}

	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("filter: schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("filter: parse: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("filter: invalid: %w", err)
	}

	var f Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("filter: decode: %w", err)
	}
	return &f, nil
}
