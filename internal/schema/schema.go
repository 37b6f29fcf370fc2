package schema

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rift/internal/doc"
)

// DefaultDefinition is the definition entities are checked against when none
// is configured.
const DefaultDefinition = "#Character"

//go:embed default.cue
var defaultSource string

// ValidationError describes the first CUE failure for an entity.
type ValidationError struct {
	EntityID string
	Field    string
	Message  string
	Pos      token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator checks documents against one CUE definition.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serializes callers.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	name string
}

// Default returns a validator for the built-in character schema.
func Default() (*Validator, error) {
	return Compile(defaultSource, DefaultDefinition)
}

// Compile builds a validator from CUE source text.
func Compile(src, definition string) (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}
	return newValidator(ctx, v, definition)
}

// Load builds a validator from a CUE file, or from the CUE package in a
// directory.
func Load(path, definition string) (*Validator, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	ctx := cuecontext.New()
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		v := ctx.CompileBytes(src, cue.Filename(path))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
		}
		return newValidator(ctx, v, definition)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load schema: no CUE package in %s", path)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("load schema: %w", formatCUEError(err))
	}
	v := ctx.BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("build schema: %w", formatCUEError(err))
	}
	return newValidator(ctx, v, definition)
}

func newValidator(ctx *cue.Context, root cue.Value, definition string) (*Validator, error) {
	if definition == "" {
		definition = DefaultDefinition
	}
	def := root.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return nil, fmt.Errorf("schema definition %s not found", definition)
	}
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("schema definition %s: %w", definition, formatCUEError(err))
	}
	return &Validator{ctx: ctx, def: def, name: definition}, nil
}

// Definition returns the name of the definition documents are checked against.
func (v *Validator) Definition() string {
	return v.name
}

// Validate unifies data with the definition and requires a concrete result.
// Returns *ValidationError on failure.
func (v *Validator) Validate(entityID string, data doc.Document) error {
	if data == nil {
		data = doc.Document{}
	}
	// Canonical JSON keeps whole numbers as integer literals, so "int"
	// constraints hold for values decoded as float64.
	raw, err := doc.MarshalCanonical(data)
	if err != nil {
		return &ValidationError{EntityID: entityID, Field: "data", Message: err.Error()}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.CompileBytes(raw, cue.Filename(entityID+".json"))
	if err := value.Err(); err != nil {
		return v.toValidationError(entityID, err)
	}
	unified := v.def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return v.toValidationError(entityID, err)
	}
	return nil
}

func (v *Validator) toValidationError(entityID string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{EntityID: entityID, Field: "data", Message: err.Error()}
	}

	first := errs[0]
	path := first.Path()
	if len(path) > 0 && path[0] == v.name {
		path = path[1:]
	}
	field := strings.Join(path, ".")
	if field == "" {
		field = "data"
	}
	format, args := first.Msg()
	ve := &ValidationError{
		EntityID: entityID,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &ValidationError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
