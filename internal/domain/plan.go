package domain

import (
	"fmt"
	"sort"
	"time"
)

// NewPlan freezes a set of actions into an ActionPlan. It rejects duplicate
// or missing action ids, dependency cycles, and irreversible actions that
// have dependents (an irreversible step must terminate its chain so a later
// failure can still roll everything back).
func NewPlan(id string, actions []Action, estimated time.Duration) (ActionPlan, error) {
	if len(actions) == 0 {
		return ActionPlan{}, &PlanError{Reason: "no actions"}
	}
	byID := make(map[string]Action, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			return ActionPlan{}, &PlanError{Reason: "action without id"}
		}
		if _, dup := byID[a.ID]; dup {
			return ActionPlan{}, &PlanError{Reason: fmt.Sprintf("duplicate action id %s", a.ID)}
		}
		byID[a.ID] = a
	}
	dependents := make(map[string]int, len(actions))
	for _, a := range actions {
		for _, dep := range a.DependsOn {
			if _, ok := byID[dep]; !ok {
				return ActionPlan{}, &PlanError{Reason: fmt.Sprintf("action %s depends on unknown action %s", a.ID, dep)}
			}
			dependents[dep]++
		}
	}
	for _, a := range actions {
		if !a.Reversible && dependents[a.ID] > 0 {
			return ActionPlan{}, &PlanError{Reason: fmt.Sprintf("irreversible action %s has dependents", a.ID)}
		}
		if a.Reversible && a.Compensating == nil {
			return ActionPlan{}, &PlanError{Reason: fmt.Sprintf("reversible action %s missing compensating action", a.ID)}
		}
	}
	ordered, err := topoSort(actions)
	if err != nil {
		return ActionPlan{}, err
	}
	return ActionPlan{
		ID:                id,
		Actions:           ordered,
		AffectedSystems:   affectedSystems(actions),
		EstimatedDuration: estimated,
	}, nil
}

// topoSort is a Kahn walk that keeps the declared order among ready actions,
// so plan templates render deterministically.
func topoSort(actions []Action) ([]Action, error) {
	indegree := make(map[string]int, len(actions))
	for _, a := range actions {
		indegree[a.ID] = len(a.DependsOn)
	}
	done := make(map[string]bool, len(actions))
	ordered := make([]Action, 0, len(actions))
	for len(ordered) < len(actions) {
		progressed := false
		for _, a := range actions {
			if done[a.ID] || indegree[a.ID] > 0 {
				continue
			}
			done[a.ID] = true
			ordered = append(ordered, a)
			for _, b := range actions {
				for _, dep := range b.DependsOn {
					if dep == a.ID {
						indegree[b.ID]--
					}
				}
			}
			progressed = true
		}
		if !progressed {
			return nil, &PlanError{Reason: "dependency cycle"}
		}
	}
	return ordered, nil
}

func affectedSystems(actions []Action) []string {
	seen := map[string]bool{}
	var systems []string
	for _, a := range actions {
		if !seen[a.TargetSystem] {
			seen[a.TargetSystem] = true
			systems = append(systems, a.TargetSystem)
		}
	}
	sort.Strings(systems)
	return systems
}
