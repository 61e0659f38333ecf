package engine

import (
	"context"
	"errors"
	"fmt"

	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/notify"
	"flowdesk/internal/repo"
	"flowdesk/internal/scheme"
	"flowdesk/internal/workflow"
)

var grants = scheme.Grants

// CommitIssueStatus moves the issue with a compare-and-swap on its status and version and
// records the transition event in the same transaction.
func (e *Engine) CommitIssueStatus(ctx context.Context, c workflow.StatusCommit) (domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	swapped, err := e.Repo.CompareAndSwapStatus(ctx, tx, c.IssueID, c.NewStatusID, c.ExpectedStatusID, c.ExpectedVersion, e.stamp())
	if err != nil {
		return domain.Issue{}, fmt.Errorf("commit status: %w", err)
	}
	if !swapped {
		if _, err := e.Repo.GetIssue(ctx, tx, c.IssueID); err != nil {
			return domain.Issue{}, err
		}
		return domain.Issue{}, domain.ConflictError{IssueID: c.IssueID, ExpectedStatusID: c.ExpectedStatusID, ExpectedVersion: c.ExpectedVersion}
	}
	issue, err := e.Repo.GetIssue(ctx, tx, c.IssueID)
	if err != nil {
		return domain.Issue{}, err
	}
	p, err := e.Repo.GetProject(ctx, tx, issue.ProjectID, "")
	if err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "issue.transitioned", OrgID: p.OrgID, ProjectID: p.ID, EntityKind: "issue", EntityID: issue.ID, ActorID: c.ActorID},
		events.EventPayload{"transition": c.Transition, "from_status_id": c.ExpectedStatusID, "to_status_id": c.NewStatusID, "version": issue.Version}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

// HasPermission evaluates the project's permission scheme. Without a bound
// scheme, the actor's RBAC roles decide.
func (e *Engine) HasPermission(ctx context.Context, issue domain.Issue, actorID, permission string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	p, err := e.Repo.GetProject(ctx, nil, issue.ProjectID, "")
	if err != nil {
		return false, err
	}
	schemeID, err := e.Repo.ProjectScheme(ctx, nil, p.ID, domain.SchemePermission)
	if err != nil {
		return false, err
	}
	if schemeID == "" {
		return e.Auth.ActorHasPermission(ctx, nil, p.OrgID, p.ID, actorID, permission)
	}
	s, err := e.Schemes.Permission.GetSchemeWithEntries(ctx, schemeID, p.OrgID)
	if err != nil {
		return false, err
	}
	roles, err := e.Auth.ActorRoles(ctx, nil, p.OrgID, p.ID, actorID)
	if err != nil {
		return false, err
	}
	for _, g := range s.Entries {
		if g.Permission == permission && grants(g.HolderType, g.HolderParam, actorID, roles, &issue) {
			return true, nil
		}
	}
	return false, nil
}

// Recipients resolves the notification scheme rules for event into actors.
// Role recipients expand to every actor holding the role on the project.
func (e *Engine) Recipients(ctx context.Context, issue domain.Issue, event string) ([]notify.Recipient, error) {
	p, err := e.Repo.GetProject(ctx, nil, issue.ProjectID, "")
	if err != nil {
		return nil, err
	}
	schemeID, err := e.Repo.ProjectScheme(ctx, nil, p.ID, domain.SchemeNotification)
	if err != nil || schemeID == "" {
		return nil, err
	}
	s, err := e.Schemes.Notification.GetSchemeWithEntries(ctx, schemeID, p.OrgID)
	if err != nil {
		return nil, err
	}
	var out []notify.Recipient
	index := map[string]int{}
	add := func(actorID string, channels []string) {
		if actorID == "" {
			return
		}
		if i, ok := index[actorID]; ok {
			out[i].Channels = mergeChannels(out[i].Channels, channels)
			return
		}
		index[actorID] = len(out)
		out = append(out, notify.Recipient{ActorID: actorID, Channels: mergeChannels(nil, channels)})
	}
	for _, rule := range s.Entries {
		if rule.Event != event {
			continue
		}
		switch rule.RecipientType {
		case domain.HolderUser:
			add(rule.RecipientParam, rule.Channels)
		case domain.HolderAssignee:
			if issue.AssigneeID != nil {
				add(*issue.AssigneeID, rule.Channels)
			}
		case domain.HolderReporter:
			add(issue.ReporterID, rule.Channels)
		case domain.HolderRole:
			actors, err := e.Repo.ActorsWithRole(ctx, nil, p.ID, rule.RecipientParam)
			if err != nil {
				return nil, err
			}
			for _, a := range actors {
				add(a, rule.Channels)
			}
		}
	}
	return out, nil
}

func mergeChannels(have, more []string) []string {
	for _, c := range more {
		dup := false
		for _, h := range have {
			if h == c {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, c)
		}
	}
	return have
}

// SetIssueField updates one editable issue field and records it.
func (e *Engine) SetIssueField(ctx context.Context, issueID, field, value, actorID string) error {
	if !repo.EditableIssueField(field) {
		return fmt.Errorf("field %q is not editable", field)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	issue, err := e.Repo.GetIssue(ctx, tx, issueID)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetProject(ctx, tx, issue.ProjectID, "")
	if err != nil {
		return err
	}
	if err := e.Repo.SetIssueField(ctx, tx, issueID, field, value, e.stamp()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return fmt.Errorf("set %s: %w", field, err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: "issue.updated", OrgID: p.OrgID, ProjectID: p.ID, EntityKind: "issue", EntityID: issueID, ActorID: actorID},
		events.EventPayload{"field": field, "value": value}); err != nil {
		return err
	}
	return tx.Commit()
}
