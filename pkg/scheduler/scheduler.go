// Package scheduler picks the minimal worker set able to serve a request,
// preferring the least loaded and least failing candidate per capability.
package scheduler

import (
	"fmt"
	"strings"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/registry"
)

// Selector exposes the selection contract the engine depends on.
type Selector interface {
	Select(req agent.AnalysisRequest) (Selection, error)
}

// Selection is the outcome of one scheduling decision.
type Selection struct {
	// Workers are the chosen workers in capability declaration order.
	Workers []agent.Worker
	// Assignments maps each fulfilled capability to the worker chosen for it.
	Assignments map[string]string
	// Unfulfilled lists required capabilities with no eligible candidate.
	Unfulfilled []string
	// Truncated is set when MaxWorkers cut the selection short.
	Truncated bool
}

// IDs returns the selected worker ids in selection order.
func (s Selection) IDs() []string {
	ids := make([]string, len(s.Workers))
	for i, w := range s.Workers {
		ids[i] = w.ID()
	}
	return ids
}

// Scheduler implements Selector on top of a Registry.
type Scheduler struct {
	registry *registry.Registry
}

// New wires a Scheduler to reg.
func New(reg *registry.Registry) (*Scheduler, error) {
	if reg == nil {
		return nil, fmt.Errorf("scheduler requires a registry")
	}
	return &Scheduler{registry: reg}, nil
}

// SelectWorkers returns only the worker list of Select.
func (s *Scheduler) SelectWorkers(req agent.AnalysisRequest) ([]agent.Worker, error) {
	sel, err := s.Select(req)
	if err != nil {
		return nil, err
	}
	return sel.Workers, nil
}

// Select chooses one worker per required capability. A capability without
// candidates is recorded as unfulfilled; only an empty final set is an error.
func (s *Scheduler) Select(req agent.AnalysisRequest) (Selection, error) {
	sel := Selection{Assignments: make(map[string]string)}
	seen := make(map[string]struct{})

	for _, capability := range agent.NormalizeCapabilities(req.RequiredCapabilities) {
		best, ok := s.pick(s.registry.SelectCandidates(capability))
		if !ok {
			sel.Unfulfilled = append(sel.Unfulfilled, capability)
			continue
		}
		sel.Assignments[capability] = best.ID
		if _, dup := seen[best.ID]; dup {
			continue
		}
		w, ok := s.registry.Worker(best.ID)
		if !ok {
			// unregistered between candidate listing and lookup
			sel.Unfulfilled = append(sel.Unfulfilled, capability)
			delete(sel.Assignments, capability)
			continue
		}
		seen[best.ID] = struct{}{}
		sel.Workers = append(sel.Workers, w)
	}

	if req.MaxWorkers > 0 && len(sel.Workers) > req.MaxWorkers {
		sel.Workers = sel.Workers[:req.MaxWorkers]
		sel.Truncated = true
	}

	if len(sel.Workers) == 0 {
		msg := "no capable workers available"
		if len(sel.Unfulfilled) > 0 {
			msg = fmt.Sprintf("no capable workers for %s", strings.Join(sel.Unfulfilled, ", "))
		}
		return sel, agent.NewError(agent.CodeNoCapableWorkers, msg, nil)
	}
	return sel, nil
}

// pick returns the candidate with the lowest load, then fewest consecutive
// failures, then lowest id.
func (s *Scheduler) pick(ids []string) (registry.Snapshot, bool) {
	var best registry.Snapshot
	found := false
	for _, id := range ids {
		snap, ok := s.registry.Snapshot(id)
		if !ok {
			continue
		}
		if !found || better(snap, best) {
			best = snap
			found = true
		}
	}
	return best, found
}

func better(a, b registry.Snapshot) bool {
	if a.Load != b.Load {
		return a.Load < b.Load
	}
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	return a.ID < b.ID
}
