package scenario

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaSource []byte

// ValidateCUE checks a YAML definition against the embedded schema before
// decoding, so shape errors surface with field paths instead of as zero
// values downstream.
func ValidateCUE(name string, data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile scenario schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Definition"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("scenario schema has no #Definition: %w", err)
	}

	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("parse scenario yaml: %w", err)
	}
	val := ctx.BuildFile(file)
	if err := val.Err(); err != nil {
		return fmt.Errorf("build scenario value: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return fmt.Errorf("scenario %s: schema validation: %w", name, err)
	}
	return nil
}
