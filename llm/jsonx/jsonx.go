// Package jsonx decodes JSON out of model completions. Models wrap JSON in
// prose or code fences and occasionally emit malformed output, so Decode
// tries progressively more lenient strategies: verbatim parse, fenced block,
// first balanced object or array, then jsonrepair.
package jsonx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoJSON is returned when no strategy recovers a JSON document.
var ErrNoJSON = errors.New("jsonx: no JSON document found in completion")

// Decode extracts the first JSON document from a model completion into v.
func Decode(raw string, v any) error {
	doc, err := Extract(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("jsonx: unmarshal recovered document: %w", err)
	}
	return nil
}

// Extract returns the first JSON document found in a completion as a string.
func Extract(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrNoJSON
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	if fenced := fencedBlock(trimmed); fenced != "" && json.Valid([]byte(fenced)) {
		return fenced, nil
	}
	if span := balancedSpan(trimmed); span != "" {
		if json.Valid([]byte(span)) {
			return span, nil
		}
		if repaired, err := jsonrepair.JSONRepair(span); err == nil && json.Valid([]byte(repaired)) {
			return repaired, nil
		}
	}
	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil && json.Valid([]byte(repaired)) {
		return repaired, nil
	}
	return "", ErrNoJSON
}

// fencedBlock returns the content of the first ``` fenced block, tolerating
// a language tag after the opening fence.
func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip the language tag line ("json", "JSON", or empty).
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || strings.EqualFold(tag, "json") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// balancedSpan returns the first balanced {...} or [...] span, tracking
// strings and escapes so braces in values do not terminate it early.
func balancedSpan(s string) string {
	start := -1
	var open, closing byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			closing = '}'
			if open == '[' {
				closing = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unterminated span; return it anyway so jsonrepair can close it.
	return s[start:]
}

// Validate checks a decoded document against a JSON Schema. schemaBytes is
// the schema source; doc must be the result of a json.Unmarshal into any.
func Validate(doc any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return fmt.Errorf("jsonx: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("jsonx: add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("jsonx: compile schema: %w", err)
	}
	return schema.Validate(doc)
}

// DecodeValidated combines Decode and Validate in one call.
func DecodeValidated(raw string, schemaBytes []byte, v any) error {
	doc, err := Extract(raw)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal([]byte(doc), &generic); err != nil {
		return fmt.Errorf("jsonx: unmarshal recovered document: %w", err)
	}
	if err := Validate(generic, schemaBytes); err != nil {
		return fmt.Errorf("jsonx: schema validation: %w", err)
	}
	return json.Unmarshal([]byte(doc), v)
}
