package collab

import (
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

// DeriveStrategy computes the coordination strategy for a participant
// set and a task. The derivation is pure: the same agents and task
// always yield the same strategy.
//
// Work splits in parallel when the combined capability set of the
// participants covers every task requirement, otherwise stages run
// sequentially. Small groups broadcast, larger ones communicate
// through a hierarchy. High-priority work decides by consensus, and
// odd-sized groups can break ties by voting where even ones need a
// mediator.
func DeriveStrategy(agents []*registry.Agent, task *tasks.Task) Strategy {
	union := make(map[string]struct{})
	for _, a := range agents {
		for _, c := range a.Capabilities {
			union[c.Name] = struct{}{}
		}
	}
	covered := 0
	for _, req := range task.Requirements {
		if _, ok := union[req]; ok {
			covered++
		}
	}

	s := Strategy{
		Type:               "sequential",
		Communication:      "hierarchical",
		DecisionMaking:     "coordinator_led",
		ConflictResolution: "mediator",
	}
	if covered >= len(task.Requirements) {
		s.Type = "parallel"
	}
	if len(agents) <= 3 {
		s.Communication = "broadcast"
	}
	if task.Priority >= tasks.PriorityHigh {
		s.DecisionMaking = "consensus"
	}
	if len(agents)%2 == 1 {
		s.ConflictResolution = "voting"
	}
	return s
}

// defaultPattern maps a derived strategy onto the execution pattern
// used when the caller does not request one explicitly.
func defaultPattern(s Strategy) Pattern {
	if s.Type == "parallel" {
		return PatternParallel
	}
	return PatternPipeline
}
