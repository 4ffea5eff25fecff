// Package bundle parses and validates bundle descriptors: the declarative
// YAML files naming applications, their endpoints, and the relations wiring
// them together. A descriptor that survives validation converts into an
// immutable engine.Bundle; nothing downstream reads descriptor fields
// dynamically.
package bundle

import (
	"github.com/kfops/kfops/pkg/engine"
)

// File is the top-level descriptor document.
type File struct {
	// Bundle names the bundle.
	Bundle string `yaml:"bundle" json:"bundle" validate:"required,hostname_rfc1123"`

	// Applications maps application name to its spec.
	Applications map[string]ApplicationSpec `yaml:"applications" json:"applications" validate:"required,min=1,dive"`

	// Relations lists 2-tuples of endpoint references in the
	// application[:endpoint] addressing form.
	Relations [][]string `yaml:"relations,omitempty" json:"relations,omitempty"`

	// Ordering selects the relation interfaces that impose install order.
	Ordering OrderingSpec `yaml:"ordering,omitempty" json:"ordering,omitempty"`
}

// ApplicationSpec is one application entry in the descriptor.
type ApplicationSpec struct {
	// Charm is the source package identifier.
	Charm string `yaml:"charm" json:"charm" validate:"required"`

	// Channel is the version track, track/risk[/branch].
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty" validate:"omitempty,channel"`

	// Scale is the desired replica count; defaults to 1.
	Scale int `yaml:"scale,omitempty" json:"scale,omitempty" validate:"omitempty,gt=0"`

	// Trust grants elevated cluster permissions.
	Trust bool `yaml:"trust,omitempty" json:"trust,omitempty"`

	// Options maps configuration option names to values.
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`

	// Endpoints declares the application's connection points.
	Endpoints map[string]EndpointSpec `yaml:"endpoints,omitempty" json:"endpoints,omitempty" validate:"dive"`
}

// EndpointSpec declares one endpoint: its interface and role.
type EndpointSpec struct {
	Interface string `yaml:"interface" json:"interface" validate:"required"`
	Role      string `yaml:"role" json:"role" validate:"required,oneof=provider requirer peer"`
}

// OrderingSpec names install-ordering interfaces.
type OrderingSpec struct {
	Interfaces []string `yaml:"interfaces,omitempty" json:"interfaces,omitempty"`
}

// ToBundle converts a validated descriptor to the engine model. Relations
// are carried as raw endpoint references; graph construction and endpoint
// resolution happen in the engine.
func (f *File) ToBundle() (*engine.Bundle, error) {
	b := &engine.Bundle{
		Name:         f.Bundle,
		Applications: make(map[string]*engine.Application, len(f.Applications)),
		Ordering:     engine.OrderingPolicy{Interfaces: f.Ordering.Interfaces},
	}

	for name, spec := range f.Applications {
		app := &engine.Application{
			Name:    name,
			Charm:   spec.Charm,
			Channel: spec.Channel,
			Scale:   spec.Scale,
			Trust:   spec.Trust,
			Options: spec.Options,
		}
		if app.Scale == 0 {
			app.Scale = 1
		}
		if len(spec.Endpoints) > 0 {
			app.Endpoints = make(map[string]engine.Endpoint, len(spec.Endpoints))
			for epName, ep := range spec.Endpoints {
				app.Endpoints[epName] = engine.Endpoint{
					Name:      epName,
					Interface: ep.Interface,
					Role:      engine.Role(ep.Role),
				}
			}
		}
		b.Applications[name] = app
	}

	for i, tuple := range f.Relations {
		if len(tuple) != 2 {
			return nil, engine.NewSchemaError(
				relationPath(i), "relation must be a 2-tuple of endpoint references", nil)
		}
		a, err := engine.ParseEndpointRef(tuple[0])
		if err != nil {
			return nil, err
		}
		bRef, err := engine.ParseEndpointRef(tuple[1])
		if err != nil {
			return nil, err
		}
		b.Relations = append(b.Relations, engine.Relation{A: a, B: bRef})
	}

	return b, nil
}
