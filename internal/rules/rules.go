// Package rules holds the named conditions, validators and post-functions
// that workflow transitions refer to.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"flowdesk/internal/domain"
)

// Input is what every rule sees. Fields carries values supplied with the transition request.
type Input struct {
	Issue      domain.Issue
	Actor      string
	Params     map[string]string
	Fields     map[string]string
	Transition domain.Transition
}

// Field prefers a value supplied with the request over the stored issue field.
func (in Input) Field(name string) string {
	if v, ok := in.Fields[name]; ok {
		return v
	}
	v, _ := in.Issue.Field(name)
	return v
}

func (in Input) Param(name string) string {
	return in.Params[name]
}

type (
	ConditionFunc    func(ctx context.Context, in Input) (bool, error)
	ValidatorFunc    func(ctx context.Context, in Input) error
	PostFunctionFunc func(ctx context.Context, in Input) error
)

// Rejection is returned by validators; Reason is shown to the user as-is.
type Rejection struct {
	Reason string
}

func (r Rejection) Error() string { return r.Reason }

func Reject(format string, args ...any) error {
	return Rejection{Reason: fmt.Sprintf(format, args...)}
}

type Kind string

const (
	KindCondition    Kind = "condition"
	KindValidator    Kind = "validator"
	KindPostFunction Kind = "post_function"
)

// Registry resolves rules by stable name at evaluation time.
type Registry struct {
	mu            sync.RWMutex
	conditions    map[string]ConditionFunc
	validators    map[string]ValidatorFunc
	postFunctions map[string]PostFunctionFunc
}

func NewRegistry() *Registry {
	return &Registry{
		conditions:    make(map[string]ConditionFunc),
		validators:    make(map[string]ValidatorFunc),
		postFunctions: make(map[string]PostFunctionFunc),
	}
}

func (r *Registry) RegisterCondition(name string, fn ConditionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[name] = fn
}

func (r *Registry) RegisterValidator(name string, fn ValidatorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = fn
}

func (r *Registry) RegisterPostFunction(name string, fn PostFunctionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postFunctions[name] = fn
}

func (r *Registry) Condition(name string) (ConditionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.conditions[name]
	return fn, ok
}

func (r *Registry) Validator(name string) (ValidatorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.validators[name]
	return fn, ok
}

func (r *Registry) PostFunction(name string) (PostFunctionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.postFunctions[name]
	return fn, ok
}

// Names lists registered rule names per kind, sorted.
func (r *Registry) Names() map[Kind][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Kind][]string{
		KindCondition:    sortedKeys(r.conditions),
		KindValidator:    sortedKeys(r.validators),
		KindPostFunction: sortedKeys(r.postFunctions),
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
