package bundle

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/kfops/kfops/pkg/engine"
)

// bundleSchema is the CUE structural schema every descriptor must unify
// with. Struct-tag validation catches per-field constraints; the schema
// rejects shape errors (wrong collection types, malformed references) with
// a precise path before any typed decoding happens.
const bundleSchema = `
#EndpointRef: string & =~"^[a-z0-9][a-z0-9-]*(:[a-z0-9][a-z0-9-]*)?$"

#Endpoint: {
	interface: string & =~"^[a-z0-9][a-z0-9-]*$"
	role:      "provider" | "requirer" | "peer"
}

#Application: {
	charm:    string & !=""
	channel?: string & =~"^[a-z0-9.-]+/(stable|candidate|beta|edge)(/[a-z0-9-]+)?$"
	scale?:   int & >0
	trust?:   bool
	options?: {[string]: string}
	endpoints?: {[string]: #Endpoint}
}

#Bundle: {
	bundle: string & =~"^[a-z0-9][a-z0-9-]*$"
	applications: {[string]: #Application}
	relations?: [...[#EndpointRef, #EndpointRef]]
	ordering?: interfaces?: [...string]
}
`

var (
	schemaOnce sync.Once
	schemaErr  error
	schemaVal  cue.Value
	cueCtx     *cue.Context
)

func compiledSchema() (cue.Value, *cue.Context, error) {
	schemaOnce.Do(func() {
		cueCtx = cuecontext.New()
		v := cueCtx.CompileString(bundleSchema)
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compiling bundle schema: %w", err)
			return
		}
		schemaVal = v.LookupPath(cue.ParsePath("#Bundle"))
	})
	return schemaVal, cueCtx, schemaErr
}

// validateShape unifies the raw decoded document with the bundle schema and
// converts a unification failure into a SchemaError carrying the offending
// field path.
func validateShape(doc map[string]any) error {
	schema, ctx, err := compiledSchema()
	if err != nil {
		return engine.NewInternalError("bundle schema unavailable", err)
	}

	val := ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return engine.NewSchemaError("", "descriptor is not encodable", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewSchemaError(errorPath(err), "descriptor does not match the bundle schema", err)
	}

	return nil
}

// errorPath extracts the first field path a CUE validation error names.
func errorPath(err error) string {
	for _, e := range cueerrors.Errors(err) {
		if p := e.Path(); len(p) > 0 {
			return strings.Join(p, ".")
		}
	}
	return ""
}
