// Package schema validates mutation payloads against CUE schemas for the
// resource kinds the study app syncs (notes, tasks, courses).
//
// Validation runs at enqueue time so malformed replay data is caught when
// the user makes the edit, not during a drain pass hours later. The queue
// core still treats targets as opaque: targets whose kind has no schema
// pass validation untouched.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/studyhelper/syncbox/internal/mutation"
)

//go:embed payload.cue
var payloadCUE string

// kindSchemas maps the first target path segment to its create/patch
// definition names in payload.cue.
var kindSchemas = map[string][2]string{
	"notes":   {"#Note", "#NotePatch"},
	"tasks":   {"#Task", "#TaskPatch"},
	"courses": {"#Course", "#CoursePatch"},
}

// Validator checks mutation payloads against the embedded CUE schemas.
//
// Thread-safety: Validator is safe for concurrent use; the underlying
// CUE values are only read after construction.
type Validator struct {
	ctx     *cue.Context
	creates map[string]cue.Value
	patches map[string]cue.Value
}

// NewValidator compiles the embedded payload schemas.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(payloadCUE, cue.Filename("payload.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}

	v := &Validator{
		ctx:     ctx,
		creates: make(map[string]cue.Value, len(kindSchemas)),
		patches: make(map[string]cue.Value, len(kindSchemas)),
	}
	for kind, defs := range kindSchemas {
		create := root.LookupPath(cue.ParsePath(defs[0]))
		if err := create.Err(); err != nil {
			return nil, fmt.Errorf("schema %s: %w", defs[0], err)
		}
		patch := root.LookupPath(cue.ParsePath(defs[1]))
		if err := patch.Err(); err != nil {
			return nil, fmt.Errorf("schema %s: %w", defs[1], err)
		}
		v.creates[kind] = create
		v.patches[kind] = patch
	}
	return v, nil
}

// Validate checks the payload against the schema for the target's kind.
//
// CREATE payloads must satisfy the full schema; UPDATE payloads the patch
// schema (all fields optional, still closed). DELETE carries no payload
// and always passes. Unknown kinds pass: schema checking is best-effort
// hardening, not a gate on what resources the queue may carry.
func (v *Validator) Validate(target string, method mutation.Method, payload json.RawMessage) error {
	if method == mutation.MethodDelete || len(payload) == 0 {
		return nil
	}

	schemas := v.creates
	if method == mutation.MethodUpdate {
		schemas = v.patches
	}
	schema, ok := schemas[kindOf(target)]
	if !ok {
		return nil
	}

	expr, err := cuejson.Extract("payload.json", payload)
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	val := v.ctx.BuildExpr(expr)
	if err := val.Err(); err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return fmt.Errorf("payload does not satisfy %s schema: %w", kindOf(target), err)
	}
	return nil
}

// kindOf extracts the resource kind from a target path: the segment
// before the first '/' ("notes/42" -> "notes").
func kindOf(target string) string {
	if i := strings.IndexByte(target, '/'); i >= 0 {
		return target[:i]
	}
	return target
}
