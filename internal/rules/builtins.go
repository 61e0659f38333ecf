package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowdesk/internal/domain"
	"flowdesk/internal/notify"
)

const DefaultNotifyEvent = "issue.transitioned"

type PermissionChecker interface {
	HasPermission(ctx context.Context, issue domain.Issue, actorID, permission string) (bool, error)
}

type RecipientResolver interface {
	Recipients(ctx context.Context, issue domain.Issue, event string) ([]notify.Recipient, error)
}

type IssueUpdater interface {
	SetIssueField(ctx context.Context, issueID, field, value, actorID string) error
}

// Deps are the collaborators used by the built-in rules. Nil collaborators make
// the rules that need them fail at evaluation time.
type Deps struct {
	Permissions PermissionChecker
	Recipients  RecipientResolver
	Notifier    notify.Notifier
	Issues      IssueUpdater
	Webhooks    notify.WebhookPoster
	Now         func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewBuiltinRegistry returns a registry with every built-in rule registered.
func NewBuiltinRegistry(deps Deps) *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, deps)
	return r
}

func RegisterBuiltins(r *Registry, deps Deps) {
	r.RegisterCondition("actorIsAssignee", actorIsAssignee)
	r.RegisterCondition("actorIsReporter", actorIsReporter)
	r.RegisterCondition("hasPermission", deps.hasPermission)

	r.RegisterValidator("fieldRequired", fieldRequired)
	r.RegisterValidator("fieldEquals", fieldEquals)

	r.RegisterPostFunction("notify", deps.notify)
	r.RegisterPostFunction("webhook", deps.webhook)
	r.RegisterPostFunction("setField", deps.setField)
	r.RegisterPostFunction("assignToActor", deps.assignToActor)
}

func actorIsAssignee(_ context.Context, in Input) (bool, error) {
	return in.Issue.AssigneeID != nil && in.Actor != "" && *in.Issue.AssigneeID == in.Actor, nil
}

func actorIsReporter(_ context.Context, in Input) (bool, error) {
	return in.Actor != "" && in.Issue.ReporterID == in.Actor, nil
}

func (d Deps) hasPermission(ctx context.Context, in Input) (bool, error) {
	perm := in.Param("permission")
	if perm == "" {
		return false, errors.New("hasPermission: permission param required")
	}
	if d.Permissions == nil {
		return false, errors.New("hasPermission: no permission checker configured")
	}
	return d.Permissions.HasPermission(ctx, in.Issue, in.Actor, perm)
}

func fieldRequired(_ context.Context, in Input) error {
	field := in.Param("field")
	if field == "" {
		return Reject("fieldRequired: field param required")
	}
	if strings.TrimSpace(in.Field(field)) == "" {
		return Reject("%s is required", field)
	}
	return nil
}

func fieldEquals(_ context.Context, in Input) error {
	field := in.Param("field")
	if field == "" {
		return Reject("fieldEquals: field param required")
	}
	want := in.Param("value")
	if got := in.Field(field); got != want {
		return Reject("%s must be %q, got %q", field, want, got)
	}
	return nil
}

func (d Deps) notify(ctx context.Context, in Input) error {
	if d.Notifier == nil {
		return errors.New("notify: no notifier configured")
	}
	event := in.Param("event")
	if event == "" {
		event = DefaultNotifyEvent
	}
	var recipients []notify.Recipient
	if d.Recipients != nil {
		var err error
		recipients, err = d.Recipients.Recipients(ctx, in.Issue, event)
		if err != nil {
			return fmt.Errorf("resolve recipients: %w", err)
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	return d.Notifier.Notify(ctx, notify.Notification{
		Event:        event,
		ProjectID:    in.Issue.ProjectID,
		IssueID:      in.Issue.ID,
		Transition:   in.Transition.Name,
		FromStatusID: in.Transition.FromStatusID,
		ToStatusID:   in.Transition.ToStatusID,
		ActorID:      in.Actor,
		Recipients:   recipients,
		TS:           d.now().UTC().Format(time.RFC3339),
	})
}

type webhookBody struct {
	Event        string       `json:"event"`
	Issue        domain.Issue `json:"issue"`
	Transition   string       `json:"transition"`
	FromStatusID string       `json:"from_status_id"`
	ToStatusID   string       `json:"to_status_id"`
	ActorID      string       `json:"actor_id"`
	TS           string       `json:"ts"`
}

func (d Deps) webhook(ctx context.Context, in Input) error {
	url := in.Param("url")
	if url == "" {
		return errors.New("webhook: url param required")
	}
	body, err := json.Marshal(webhookBody{
		Event:        DefaultNotifyEvent,
		Issue:        in.Issue,
		Transition:   in.Transition.Name,
		FromStatusID: in.Transition.FromStatusID,
		ToStatusID:   in.Transition.ToStatusID,
		ActorID:      in.Actor,
		TS:           d.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return d.Webhooks.Post(ctx, notify.Delivery{
		URL:        url,
		Secret:     in.Param("secret"),
		Event:      DefaultNotifyEvent,
		DeliveryID: fmt.Sprintf("%s:%d", in.Issue.ID, in.Issue.Version),
		ProjectID:  in.Issue.ProjectID,
		Body:       body,
	})
}

func (d Deps) setField(ctx context.Context, in Input) error {
	if d.Issues == nil {
		return errors.New("setField: no issue updater configured")
	}
	field := in.Param("field")
	if field == "" {
		return errors.New("setField: field param required")
	}
	value := in.Param("value")
	if src := in.Param("from_input"); src != "" {
		value = in.Fields[src]
	}
	return d.Issues.SetIssueField(ctx, in.Issue.ID, field, value, in.Actor)
}

func (d Deps) assignToActor(ctx context.Context, in Input) error {
	if d.Issues == nil {
		return errors.New("assignToActor: no issue updater configured")
	}
	if in.Actor == "" {
		return errors.New("assignToActor: actor required")
	}
	return d.Issues.SetIssueField(ctx, in.Issue.ID, "assignee", in.Actor, in.Actor)
}
