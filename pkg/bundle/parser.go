package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kfops/kfops/pkg/engine"
)

var channelPattern = regexp.MustCompile(`^[a-z0-9.-]+/(stable|candidate|beta|edge)(/[a-z0-9-]+)?$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func descriptorValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Channel strings follow track/risk[/branch].
		_ = validate.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
			return channelPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Load reads and validates a bundle descriptor file.
func Load(path string) (*engine.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewSchemaError("", fmt.Sprintf("reading descriptor %s", path), err)
	}
	return Parse(data)
}

// Parse validates a descriptor document and returns the engine bundle.
// Validation runs in three passes: YAML decoding, CUE structural schema,
// then per-field constraints via struct tags. The first failing pass wins
// and reports the offending field path.
func Parse(data []byte) (*engine.Bundle, error) {
	// Raw decode first so the CUE schema sees the document shape exactly
	// as written.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, engine.NewSchemaError("", "descriptor is not valid YAML", err)
	}
	if raw == nil {
		return nil, engine.NewSchemaError("", "descriptor is empty", nil)
	}

	if err := validateShape(raw); err != nil {
		return nil, err
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, engine.NewSchemaError("", "descriptor does not decode", err)
	}

	if err := descriptorValidator().Struct(&file); err != nil {
		return nil, schemaErrorFrom(err)
	}

	return file.ToBundle()
}

// schemaErrorFrom converts a validator error into the engine's SchemaError,
// pointing at the first offending field.
func schemaErrorFrom(err error) error {
	var verrs validator.ValidationErrors
	if ok := errors.As(err, &verrs); ok && len(verrs) > 0 {
		fe := verrs[0]
		return engine.NewSchemaError(
			fieldPath(fe.Namespace()),
			fmt.Sprintf("field fails %q constraint", fe.Tag()),
			err,
		)
	}
	return engine.NewSchemaError("", "descriptor validation failed", err)
}

// fieldPath rewrites a validator namespace like
// "File.Applications[kfp-api].Scale" into descriptor addressing
// "applications.kfp-api.scale".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the struct type name
	}
	for i, p := range parts {
		p = strings.ReplaceAll(p, "[", ".")
		p = strings.ReplaceAll(p, "]", "")
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

func relationPath(index int) string {
	return fmt.Sprintf("relations[%d]", index)
}
