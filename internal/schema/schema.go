// Package schema validates operation parameters against the JSON Schemas
// declared in connector definitions. Compiled validators are cached per
// (connector, operation); a schema that fails to compile is logged once and
// treated as "no validation" so a bad curator upload cannot brick an
// operation.
package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const cacheTTL = time.Hour

// ValidationError carries the human-readable findings for one rejected call.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid parameters: " + strings.Join(e.Errors, "; ")
}

// Validator compiles and caches parameter schemas.
type Validator struct {
	// cache holds compiled schemas; a nil value marks a schema that failed
	// to compile so it is not recompiled and relogged on every call.
	cache *otter.Cache[string, *jsonschema.Schema]
}

// NewValidator returns a Validator with an empty compile cache.
func NewValidator() *Validator {
	return &Validator{
		cache: otter.Must(&otter.Options[string, *jsonschema.Schema]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[string, *jsonschema.Schema](cacheTTL),
		}),
	}
}

// Validate checks params against the operation's parameter schema. params
// must hold JSON-decoded values (map, slice, string, float64, bool, nil). An
// empty schema validates everything. Returns *ValidationError on rejection.
func (v *Validator) Validate(ctx context.Context, connectorID, operationID string, schemaJSON []byte, params map[string]any) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	key := connectorID + ":" + operationID
	compiled, ok := v.cache.GetIfPresent(key)
	if !ok {
		var err error
		compiled, err = compile(connectorID, operationID, schemaJSON)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "schema compile failed, skipping validation",
				slog.String("connector", connectorID),
				slog.String("operation", operationID),
				slog.String("error", err.Error()),
			)
		}
		v.cache.Set(key, compiled)
	}
	if compiled == nil {
		return nil
	}

	var value any = params
	if params == nil {
		value = map[string]any{}
	}
	err := compiled.Validate(value)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Errors: []string{err.Error()}}
	}
	return &ValidationError{Errors: leaves(ve)}
}

// compile builds one schema under a synthetic per-operation resource URL.
func compile(connectorID, operationID string, schemaJSON []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("bifrost:///schemas/%s/%s.json", connectorID, operationID)
	if err := c.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// leaves flattens the cause tree to its leaf findings, one line per field.
func leaves(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
