package ci

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Workflow is the parsed CI workflow descriptor.
type Workflow struct {
	Name     string             `yaml:"name" validate:"required"`
	Triggers []string           `yaml:"on,omitempty"`
	Secrets  []string           `yaml:"secrets,omitempty" validate:"dive,required"`
	Jobs     map[string]JobSpec `yaml:"jobs" validate:"required,min=1,dive"`
}

// JobSpec is one named job of the workflow. A job with a matrix expands
// into one TestJob per component; a job without one runs once against
// the whole bundle.
type JobSpec struct {
	Stage  Stage      `yaml:"stage" validate:"required,oneof=lint unit integration bundle-integration"`
	Matrix MatrixSpec `yaml:"matrix,omitempty"`

	// Needs names workflow jobs this one is chained behind. Chaining
	// is resolved per component during expansion.
	Needs []string `yaml:"needs,omitempty"`

	Steps []StepSpec `yaml:"steps,omitempty" validate:"dive"`
}

// MatrixSpec enumerates the matrix dimension values.
type MatrixSpec struct {
	Component []string `yaml:"component,omitempty" validate:"dive,required"`
}

// StepSpec is one step of a job. Run steps execute a command; steps
// conditioned on always() or failure() mark artifact handling points.
type StepSpec struct {
	Name string `yaml:"name,omitempty"`
	Run  string `yaml:"run,omitempty"`
	If   string `yaml:"if,omitempty" validate:"omitempty,oneof=always() failure()"`
	Uses string `yaml:"uses,omitempty" validate:"omitempty,oneof=upload collect"`
}

var (
	workflowValidateOnce sync.Once
	workflowValidate     *validator.Validate
)

func workflowValidator() *validator.Validate {
	workflowValidateOnce.Do(func() {
		workflowValidate = validator.New(validator.WithRequiredStructEnabled())
	})
	return workflowValidate
}

// LoadWorkflow reads and validates a workflow descriptor file.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow validates a workflow document.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("workflow does not decode: %w", err)
	}

	if err := workflowValidator().Struct(&wf); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}

	for name, job := range wf.Jobs {
		for _, need := range job.Needs {
			dep, ok := wf.Jobs[need]
			if !ok {
				return nil, fmt.Errorf("job %s needs unknown job %s", name, need)
			}
			// Cross-component chaining would couple matrix entries
			// that must stay isolated.
			if !sameComponents(job.Matrix.Component, dep.Matrix.Component) {
				return nil, fmt.Errorf("job %s needs %s but their matrices differ", name, need)
			}
		}
	}

	if cycle := needsCycle(wf.Jobs); len(cycle) > 0 {
		return nil, fmt.Errorf("jobs form a needs cycle: %s", strings.Join(cycle, " -> "))
	}

	return &wf, nil
}

// needsCycle walks the needs edges depth-first and returns the first
// cycle found, listed in chain order with the entry job repeated.
func needsCycle(jobs map[string]JobSpec) []string {
	const (
		unvisited = iota
		visiting
		done
	)

	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	state := make(map[string]int, len(jobs))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)

		needs := append([]string(nil), jobs[name].Needs...)
		sort.Strings(needs)
		for _, need := range needs {
			if _, ok := jobs[need]; !ok {
				continue
			}
			switch state[need] {
			case visiting:
				for i, n := range stack {
					if n == need {
						cycle = append(append([]string(nil), stack[i:]...), need)
						return true
					}
				}
			case unvisited:
				if visit(need) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// CheckSecrets verifies every referenced secret is present. Only
// presence is checked; values are never read.
func (w *Workflow) CheckSecrets(src SecretSource) error {
	for _, name := range w.Secrets {
		if src == nil || !src.Has(name) {
			return &MissingSecretError{Name: name}
		}
	}
	return nil
}

func sameComponents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// EnvSecrets is a SecretSource backed by environment variables.
type EnvSecrets struct{}

func (EnvSecrets) Has(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
