package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ComputePlan diffs the desired bundle against observed cluster state and
// produces a dependency-ordered plan. It validates the relation graph,
// resolves endpoints, and rejects cyclic install dependencies before any
// unit is emitted, so a structural error can never cause partial mutation.
//
// Units that are already converged produce no plan unit at all; re-planning
// a converged bundle yields an empty plan.
func ComputePlan(b *Bundle, observed *DeploymentState) (*Plan, error) {
	graph, err := BuildRelationGraph(b)
	if err != nil {
		return nil, err
	}

	resolved, err := ResolveRelations(b, graph)
	if err != nil {
		return nil, err
	}

	hardDeps, err := appDependencies(b, resolved)
	if err != nil {
		return nil, err
	}

	if observed == nil {
		observed = NewDeploymentState()
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		Bundle:    b.Name,
		CreatedAt: time.Now(),
	}

	appUnits := planApplications(b, observed, plan)
	removeUnits := planRemovals(b, observed, plan)
	planRelations(b, observed, resolved, plan, appUnits, removeUnits)

	// Install-order dependencies between application units: the provider's
	// unit must converge before the requirer's starts.
	for app, providers := range hardDeps {
		unit, ok := appUnits[app]
		if !ok {
			continue
		}
		sorted := append([]string(nil), providers...)
		sort.Strings(sorted)
		for _, p := range sorted {
			if pu, ok := appUnits[p]; ok {
				unit.DependsOn = append(unit.DependsOn, pu.ID)
			}
		}
	}

	// Removal ordering is the reverse of install ordering: a provider may
	// only go away after every requirer that hard-depends on it is gone.
	for _, rr := range observed.Relations {
		if !b.Ordering.Hard(rr.Interface()) {
			continue
		}
		provider, ok := rr.Provider()
		if !ok {
			continue
		}
		requirer, ok := rr.Requirer()
		if !ok {
			continue
		}
		pu, pRemoved := removeUnits[provider.Application]
		ru, rRemoved := removeUnits[requirer.Application]
		if pRemoved && rRemoved {
			pu.DependsOn = append(pu.DependsOn, ru.ID)
		}
	}

	levels, err := newDAGBuilder().buildLevels(plan.Units)
	if err != nil {
		return nil, err
	}
	plan.Levels = levels

	return plan, nil
}

// planApplications emits deploy/update units for desired applications and
// returns them keyed by application name.
func planApplications(b *Bundle, observed *DeploymentState, plan *Plan) map[string]*PlanUnit {
	units := make(map[string]*PlanUnit)

	names := make([]string, 0, len(b.Applications))
	for name := range b.Applications {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		desired := b.Applications[name]
		current, exists := observed.Applications[name]

		switch {
		case !exists:
			unit := &PlanUnit{
				ID:          "deploy:" + name,
				Operation:   OperationDeploy,
				Application: name,
				Desired:     desired,
				Status:      UnitStatusPending,
			}
			plan.Units = append(plan.Units, unit)
			plan.Summary.Deploy++
			units[name] = unit

		case applicationChanged(desired, current):
			unit := &PlanUnit{
				ID:          "update:" + name,
				Operation:   OperationUpdate,
				Application: name,
				Desired:     desired,
				Observed:    current,
				Status:      UnitStatusPending,
			}
			plan.Units = append(plan.Units, unit)
			plan.Summary.Update++
			units[name] = unit
		}
	}

	return units
}

// planRemovals emits remove units for observed applications absent from the
// desired state.
func planRemovals(b *Bundle, observed *DeploymentState, plan *Plan) map[string]*PlanUnit {
	units := make(map[string]*PlanUnit)

	names := make([]string, 0, len(observed.Applications))
	for name := range observed.Applications {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, desired := b.Applications[name]; desired {
			continue
		}
		unit := &PlanUnit{
			ID:          "remove:" + name,
			Operation:   OperationRemove,
			Application: name,
			Observed:    observed.Applications[name],
			Status:      UnitStatusPending,
		}
		plan.Units = append(plan.Units, unit)
		plan.Summary.Remove++
		units[name] = unit
	}

	return units
}

// planRelations emits relate units for missing desired relations and
// unrelate units for observed relations no longer desired. Relations are
// retracted before the applications they touch are removed.
func planRelations(
	b *Bundle,
	observed *DeploymentState,
	resolved []ResolvedRelation,
	plan *Plan,
	appUnits map[string]*PlanUnit,
	removeUnits map[string]*PlanUnit,
) {
	desired := make(map[string]ResolvedRelation, len(resolved))
	for _, rr := range resolved {
		desired[rr.Key()] = rr
	}

	for _, rr := range resolved {
		if _, established := observed.Relations[rr.Key()]; established {
			continue
		}
		rel := rr
		unit := &PlanUnit{
			ID:        "relate:" + rr.Key(),
			Operation: OperationRelate,
			Relation:  &rel,
			Status:    UnitStatusPending,
		}
		for _, app := range []string{rr.A.Application, rr.B.Application} {
			if au, ok := appUnits[app]; ok {
				unit.DependsOn = append(unit.DependsOn, au.ID)
			}
		}
		plan.Units = append(plan.Units, unit)
		plan.Summary.Relate++
	}

	keys := make([]string, 0, len(observed.Relations))
	for key := range observed.Relations {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, still := desired[key]; still {
			continue
		}
		rel := observed.Relations[key]
		unit := &PlanUnit{
			ID:        "unrelate:" + key,
			Operation: OperationUnrelate,
			Relation:  &rel,
			Status:    UnitStatusPending,
		}
		plan.Units = append(plan.Units, unit)
		plan.Summary.Unrelate++

		for _, app := range []string{rel.A.Application, rel.B.Application} {
			if ru, ok := removeUnits[app]; ok {
				ru.DependsOn = append(ru.DependsOn, unit.ID)
			}
		}
	}
}

// applicationChanged reports whether the observed application differs from
// desired in charm revision/channel, scale, trust, or options.
func applicationChanged(desired *Application, observed *DeployedApplication) bool {
	if desired.Charm != observed.Charm ||
		desired.Channel != observed.Channel ||
		desired.Scale != observed.Scale ||
		desired.Trust != observed.Trust {
		return true
	}
	if len(desired.Options) != len(observed.Options) {
		return true
	}
	for k, v := range desired.Options {
		if observed.Options[k] != v {
			return true
		}
	}
	return false
}
