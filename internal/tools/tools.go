// Package tools exposes the request-response facades agents call for side
// effects outside the store: file access, content search, and HTTP calls.
// Every facade validates its raw JSON input against a compiled JSON schema
// before touching the typed handler, so malformed agent output is rejected
// at the boundary with a schema error rather than a zero-value surprise.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the compiled input schemas and the allow-check settings
// shared by all facades.
type Registry struct {
	// RootDir confines file and search paths. Empty means the current
	// working directory.
	RootDir string
	// AllowedHosts restricts http_call targets. Empty allows any host.
	AllowedHosts []string

	schemas map[string]*jsonschema.Schema
}

// facade input schemas, keyed by tool name.
var schemaSources = map[string]string{
	"read_file": `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1}
		},
		"required": ["path"],
		"additionalProperties": false
	}`,
	"write_file": `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`,
	"search": `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"path": {"type": "string"},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 500}
		},
		"required": ["query"],
		"additionalProperties": false
	}`,
	"http_call": `{
		"type": "object",
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE", "HEAD"]},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body": {"type": "string"}
		},
		"required": ["url"],
		"additionalProperties": false
	}`,
}

// NewRegistry compiles all facade schemas. A compile failure is a
// programming error in the schema sources and is returned, not panicked.
func NewRegistry(rootDir string, allowedHosts []string) (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	for name, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := compiler.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}

	schemas := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name := range schemaSources {
		s, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		schemas[name] = s
	}
	return &Registry{RootDir: rootDir, AllowedHosts: allowedHosts, schemas: schemas}, nil
}

// validate checks raw input against the named schema and unmarshals it into
// dst on success.
func (r *Registry) validate(tool string, raw json.RawMessage, dst any) error {
	schema, ok := r.schemas[tool]
	if !ok {
		return fmt.Errorf("unknown tool %q", tool)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid JSON input: %w", tool, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: input rejected: %w", tool, err)
	}
	return json.Unmarshal(raw, dst)
}
