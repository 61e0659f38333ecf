package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"flowdesk/internal/domain"
	"flowdesk/internal/rules"
	"flowdesk/internal/telemetry"
)

const (
	DefaultRuleTimeout = 5 * time.Second
	scopeName          = "flowdesk/workflow"
)

var ErrUnknownRule = errors.New("unknown rule")

// RuleSet resolves rule names to evaluators.
type RuleSet interface {
	Condition(name string) (rules.ConditionFunc, bool)
	Validator(name string) (rules.ValidatorFunc, bool)
	PostFunction(name string) (rules.PostFunctionFunc, bool)
}

// StatusCommit is the compare-and-swap request for the single mutating step of a transition.
type StatusCommit struct {
	IssueID          string
	NewStatusID      string
	ExpectedStatusID string
	ExpectedVersion  int64
	Transition       string
	ActorID          string
}

// Store is the persistence collaborator. CommitIssueStatus must fail with
// domain.ConflictError when the issue is no longer in ExpectedStatusID at ExpectedVersion.
type Store interface {
	CommitIssueStatus(ctx context.Context, c StatusCommit) (domain.Issue, error)
}

// RuleContext carries request-scoped input for rules.
type RuleContext struct {
	Fields map[string]string
}

type TransitionResult struct {
	Issue              domain.Issue               `json:"issue"`
	Transition         domain.Transition          `json:"transition"`
	FromStatusID       string                     `json:"from_status_id"`
	PostFunctionErrors []domain.PostFunctionError `json:"-"`
}

// Engine executes transitions. It holds no per-issue state and is safe for concurrent use.
type Engine struct {
	Store       Store
	Rules       RuleSet
	RuleTimeout time.Duration
	Logger      *slog.Logger

	tracer      trace.Tracer
	executions  metric.Int64Counter
	ruleLatency metric.Float64Histogram
}

func New(store Store, rs RuleSet) *Engine {
	m := telemetry.Meter(scopeName)
	executions, _ := m.Int64Counter("flowdesk.transition.executions",
		metric.WithDescription("Transition executions by outcome"),
	)
	ruleLatency, _ := m.Float64Histogram("flowdesk.rule.duration",
		metric.WithDescription("Rule evaluation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &Engine{
		Store:       store,
		Rules:       rs,
		RuleTimeout: DefaultRuleTimeout,
		tracer:      telemetry.Tracer(scopeName),
		executions:  executions,
		ruleLatency: ruleLatency,
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) timeout() time.Duration {
	if e.RuleTimeout > 0 {
		return e.RuleTimeout
	}
	return DefaultRuleTimeout
}

// ListAvailableTransitions returns the transitions out of the issue's current status.
func (e *Engine) ListAvailableTransitions(issue domain.Issue, wf domain.Workflow) ([]domain.Transition, error) {
	if !wf.HasStatus(issue.StatusID) {
		return nil, domain.NotFoundError{Kind: "status", ID: issue.StatusID}
	}
	return NewGraph(wf).ListAvailableTransitions(issue.StatusID), nil
}

// ExecuteTransition runs resolve, conditions, validators, commit and post-functions in that order.
// Everything before the commit is read-only; post-function failures are collected in the result.
func (e *Engine) ExecuteTransition(ctx context.Context, issue domain.Issue, wf domain.Workflow, transitionName, actor string, rc RuleContext) (res TransitionResult, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute_transition", trace.WithAttributes(
		attribute.String("flowdesk.issue.id", issue.ID),
		attribute.String("flowdesk.workflow.id", wf.ID),
		attribute.String("flowdesk.transition", transitionName),
	))
	defer func() {
		outcome := outcomeOf(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("flowdesk.post_function.errors", len(res.PostFunctionErrors)))
		e.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()

	if !wf.HasStatus(issue.StatusID) {
		return TransitionResult{}, domain.NotFoundError{Kind: "status", ID: issue.StatusID}
	}
	t, ok := NewGraph(wf).Resolve(issue.StatusID, transitionName)
	if !ok {
		return TransitionResult{}, domain.InvalidTransitionError{StatusID: issue.StatusID, Transition: transitionName}
	}
	if !wf.HasStatus(t.ToStatusID) {
		return TransitionResult{}, domain.NotFoundError{Kind: "status", ID: t.ToStatusID}
	}
	in := rules.Input{Issue: issue, Actor: actor, Fields: rc.Fields, Transition: t}

	for _, ref := range t.Conditions {
		if err := e.checkCondition(ctx, ref, in); err != nil {
			return TransitionResult{}, err
		}
	}
	for _, ref := range t.Validators {
		if err := e.runValidator(ctx, ref, in); err != nil {
			return TransitionResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return TransitionResult{}, err
	}

	updated, err := e.Store.CommitIssueStatus(ctx, StatusCommit{
		IssueID:          issue.ID,
		NewStatusID:      t.ToStatusID,
		ExpectedStatusID: issue.StatusID,
		ExpectedVersion:  issue.Version,
		Transition:       t.Name,
		ActorID:          actor,
	})
	if err != nil {
		return TransitionResult{}, err
	}

	res = TransitionResult{Issue: updated, Transition: t, FromStatusID: issue.StatusID}
	in.Issue = updated
	for _, ref := range t.PostFunctions {
		if perr := e.runPostFunction(ctx, ref, in); perr != nil {
			res.PostFunctionErrors = append(res.PostFunctionErrors, *perr)
		}
	}
	return res, nil
}

func (e *Engine) checkCondition(ctx context.Context, ref domain.RuleRef, in rules.Input) error {
	fn, ok := e.Rules.Condition(ref.Name)
	if !ok {
		return domain.ConditionFailedError{Condition: ref.Name, Cause: ErrUnknownRule}
	}
	in.Params = ref.Params
	passed, err := invoke(ctx, e, rules.KindCondition, ref.Name, func(ctx context.Context) (bool, error) {
		return fn(ctx, in)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return domain.ConditionFailedError{Condition: ref.Name, Cause: err}
	}
	if !passed {
		return domain.ConditionFailedError{Condition: ref.Name}
	}
	return nil
}

func (e *Engine) runValidator(ctx context.Context, ref domain.RuleRef, in rules.Input) error {
	fn, ok := e.Rules.Validator(ref.Name)
	if !ok {
		return domain.ValidationFailedError{Validator: ref.Name, Reason: ErrUnknownRule.Error()}
	}
	in.Params = ref.Params
	_, err := invoke(ctx, e, rules.KindValidator, ref.Name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx, in)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return domain.ValidationFailedError{Validator: ref.Name, Reason: err.Error()}
}

// runPostFunction never fails the transition. A cancelled caller skips the remaining post-functions.
func (e *Engine) runPostFunction(ctx context.Context, ref domain.RuleRef, in rules.Input) *domain.PostFunctionError {
	var err error
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("skipped: %w", ctxErr)
	} else if fn, ok := e.Rules.PostFunction(ref.Name); !ok {
		err = ErrUnknownRule
	} else {
		in.Params = ref.Params
		_, err = invoke(ctx, e, rules.KindPostFunction, ref.Name, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx, in)
		})
	}
	if err == nil {
		return nil
	}
	e.logger().WarnContext(ctx, "post-function failed",
		"issue_id", in.Issue.ID,
		"transition", in.Transition.Name,
		"post_function", ref.Name,
		"error", err,
	)
	return &domain.PostFunctionError{PostFunction: ref.Name, Cause: err}
}

type ruleTimeoutError struct {
	rule  string
	after time.Duration
}

func (e ruleTimeoutError) Error() string {
	return fmt.Sprintf("rule %s timed out after %s", e.rule, e.after)
}

func (e ruleTimeoutError) Unwrap() error { return context.DeadlineExceeded }

type outcome[T any] struct {
	val T
	err error
}

// invoke runs one rule with the engine's per-rule timeout. The rule runs on its own
// goroutine so a rule that ignores its context cannot hang the transition.
func invoke[T any](ctx context.Context, e *Engine, kind rules.Kind, name string, fn func(context.Context) (T, error)) (T, error) {
	limit := e.timeout()
	rctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	defer func() {
		e.ruleLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("rule", name),
		))
	}()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{val: zero, err: fmt.Errorf("rule %s panicked: %v", name, r)}
			}
		}()
		v, err := fn(rctx)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-rctx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ruleTimeoutError{rule: name, after: limit}
	}
}

func outcomeOf(err error) string {
	var (
		cf  domain.ConditionFailedError
		vf  domain.ValidationFailedError
		it  domain.InvalidTransitionError
		cfl domain.ConflictError
	)
	switch {
	case err == nil:
		return "committed"
	case errors.As(err, &cf):
		return "condition_failed"
	case errors.As(err, &vf):
		return "validation_failed"
	case errors.As(err, &it):
		return "invalid_transition"
	case errors.As(err, &cfl):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
