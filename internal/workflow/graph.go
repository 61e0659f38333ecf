package workflow

import (
	"fmt"

	"flowdesk/internal/domain"
)

type GraphErrorCode string

const (
	GraphUnknownStatus       GraphErrorCode = "unknown_status"
	GraphMissingInitial      GraphErrorCode = "missing_initial_status"
	GraphOrphanStatus        GraphErrorCode = "orphan_status"
	GraphDuplicateTransition GraphErrorCode = "duplicate_transition"
	GraphUnnamedTransition   GraphErrorCode = "unnamed_transition"
	GraphUnknownRule         GraphErrorCode = "unknown_rule"
)

// GraphError is one problem found in a workflow definition.
type GraphError struct {
	Code       GraphErrorCode `json:"code"`
	StatusID   string         `json:"status_id,omitempty"`
	Transition string         `json:"transition,omitempty"`
	Rule       string         `json:"rule,omitempty"`
	Message    string         `json:"message"`
}

func (e GraphError) Error() string { return e.Message }

// Graph answers status-to-status queries for one workflow. It is built per call and never mutated.
type Graph struct {
	wf     domain.Workflow
	byFrom map[string][]int
}

func NewGraph(wf domain.Workflow) *Graph {
	g := &Graph{wf: wf, byFrom: make(map[string][]int)}
	for i, t := range wf.Transitions {
		g.byFrom[t.FromStatusID] = append(g.byFrom[t.FromStatusID], i)
	}
	return g
}

func (g *Graph) Workflow() domain.Workflow { return g.wf }

// FindTransition returns every transition on the (from, to) edge. Several transitions
// may share an edge under different names; the caller picks one by name.
func (g *Graph) FindTransition(fromStatusID, toStatusID string) ([]domain.Transition, error) {
	var out []domain.Transition
	for _, idx := range g.byFrom[fromStatusID] {
		t := g.wf.Transitions[idx]
		if t.ToStatusID == toStatusID {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, domain.NotFoundError{Kind: "transition", ID: fromStatusID + "->" + toStatusID}
	}
	return out, nil
}

// ListAvailableTransitions returns the outgoing transitions of a status in declaration order.
func (g *Graph) ListAvailableTransitions(fromStatusID string) []domain.Transition {
	idxs := g.byFrom[fromStatusID]
	out := make([]domain.Transition, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, g.wf.Transitions[idx])
	}
	return out
}

// Resolve finds the transition named name that leaves fromStatusID.
func (g *Graph) Resolve(fromStatusID, name string) (domain.Transition, bool) {
	for _, idx := range g.byFrom[fromStatusID] {
		if g.wf.Transitions[idx].Name == name {
			return g.wf.Transitions[idx], true
		}
	}
	return domain.Transition{}, false
}

// ValidateGraph reports every structural problem at once instead of stopping at the first.
func (g *Graph) ValidateGraph() []GraphError {
	var errs []GraphError
	known := make(map[string]bool, len(g.wf.Statuses))
	for _, s := range g.wf.Statuses {
		known[s.ID] = true
	}
	if g.wf.InitialStatusID == "" || !known[g.wf.InitialStatusID] {
		errs = append(errs, GraphError{
			Code:     GraphMissingInitial,
			StatusID: g.wf.InitialStatusID,
			Message:  "workflow has no initial status in its status set",
		})
	}
	seen := make(map[domain.TransitionKey]bool, len(g.wf.Transitions))
	for _, t := range g.wf.Transitions {
		if t.Name == "" {
			errs = append(errs, GraphError{
				Code:     GraphUnnamedTransition,
				StatusID: t.FromStatusID,
				Message:  fmt.Sprintf("transition from %s to %s has no name", t.FromStatusID, t.ToStatusID),
			})
		}
		for _, id := range []string{t.FromStatusID, t.ToStatusID} {
			if !known[id] {
				errs = append(errs, GraphError{
					Code:       GraphUnknownStatus,
					StatusID:   id,
					Transition: t.Name,
					Message:    fmt.Sprintf("transition %q references status %s outside the workflow", t.Name, id),
				})
			}
		}
		if seen[t.Key()] {
			errs = append(errs, GraphError{
				Code:       GraphDuplicateTransition,
				StatusID:   t.FromStatusID,
				Transition: t.Name,
				Message:    domain.DuplicateTransitionError{Key: t.Key()}.Error(),
			})
		}
		seen[t.Key()] = true
	}
	if g.wf.InitialStatusID == "" || !known[g.wf.InitialStatusID] {
		return errs
	}
	reached := g.reachableFrom(g.wf.InitialStatusID, known)
	for _, s := range g.wf.Statuses {
		if !reached[s.ID] {
			errs = append(errs, GraphError{
				Code:     GraphOrphanStatus,
				StatusID: s.ID,
				Message:  fmt.Sprintf("status %s (%s) is unreachable from the initial status", s.Name, s.ID),
			})
		}
	}
	return errs
}

func (g *Graph) reachableFrom(start string, known map[string]bool) map[string]bool {
	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, idx := range g.byFrom[cur] {
			next := g.wf.Transitions[idx].ToStatusID
			if !known[next] || reached[next] {
				continue
			}
			reached[next] = true
			queue = append(queue, next)
		}
	}
	return reached
}

// ValidateRules reports rule names the rule set cannot resolve.
func (g *Graph) ValidateRules(rs RuleSet) []GraphError {
	if rs == nil {
		return nil
	}
	var errs []GraphError
	check := func(t domain.Transition, kind string, refs []domain.RuleRef, ok func(string) bool) {
		for _, ref := range refs {
			if ok(ref.Name) {
				continue
			}
			errs = append(errs, GraphError{
				Code:       GraphUnknownRule,
				StatusID:   t.FromStatusID,
				Transition: t.Name,
				Rule:       ref.Name,
				Message:    fmt.Sprintf("transition %q uses unknown %s %s", t.Name, kind, ref.Name),
			})
		}
	}
	for _, t := range g.wf.Transitions {
		check(t, "condition", t.Conditions, func(n string) bool { _, ok := rs.Condition(n); return ok })
		check(t, "validator", t.Validators, func(n string) bool { _, ok := rs.Validator(n); return ok })
		check(t, "post-function", t.PostFunctions, func(n string) bool { _, ok := rs.PostFunction(n); return ok })
	}
	return errs
}
