// Package validation checks mutation payloads against per-collection JSON
// schemas before they are queued.
package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// Validator holds the compiled schemas. Creates are checked against the full
// schema; updates against a partial schema without required properties.
type Validator struct {
	full    map[string]*jsonschema.Schema
	partial map[string]*jsonschema.Schema
}

// New compiles the embedded collection schemas.
func New() (*Validator, error) {
	sub, err := fs.Sub(schemaFiles, "schemas")
	if err != nil {
		return nil, err
	}
	return NewFromFS(sub)
}

// NewFromFS compiles every <collection>.json file at the root of fsys.
func NewFromFS(fsys fs.FS) (*Validator, error) {
	names, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}

	v := &Validator{
		full:    make(map[string]*jsonschema.Schema),
		partial: make(map[string]*jsonschema.Schema),
	}
	c := jsonschema.NewCompiler()
	for _, name := range names {
		collection := strings.TrimSuffix(path.Base(name), ".json")

		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		partialDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if m, ok := partialDoc.(map[string]any); ok {
			delete(m, "required")
		}

		fullURL, partialURL := collection+".json", collection+".partial.json"
		if err := c.AddResource(fullURL, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		if err := c.AddResource(partialURL, partialDoc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		if v.full[collection], err = c.Compile(fullURL); err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		if v.partial[collection], err = c.Compile(partialURL); err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
	}
	return v, nil
}

// Collections returns the collections that have a schema.
func (v *Validator) Collections() []string {
	out := make([]string, 0, len(v.full))
	for c := range v.full {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate checks payload for a mutation of op on collection. Deletes and
// collections without a schema always pass.
func (v *Validator) Validate(collection string, op models.Operation, payload map[string]any) error {
	var sch *jsonschema.Schema
	switch op {
	case models.OpCreate:
		sch = v.full[collection]
	case models.OpUpdate:
		sch = v.partial[collection]
	default:
		return nil
	}
	if sch == nil {
		return nil
	}

	inst, err := normalize(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload is not valid JSON", err)
	}
	if err := sch.Validate(inst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("%s payload rejected by %s schema", op, collection), err)
	}
	return nil
}

// normalize round-trips payload through JSON so numbers and nested values
// have the representation the schema validator expects.
func normalize(payload map[string]any) (any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
