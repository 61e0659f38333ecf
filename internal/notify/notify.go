// Package notify delivers workflow notifications and webhooks to external systems.
package notify

import (
	"context"
	"log/slog"
)

type Recipient struct {
	ActorID  string   `json:"actor_id"`
	Channels []string `json:"channels,omitempty"`
}

// Notification is what a post-function publishes after an issue changed status.
type Notification struct {
	Event        string      `json:"event"`
	ProjectID    string      `json:"project_id"`
	IssueID      string      `json:"issue_id"`
	Transition   string      `json:"transition,omitempty"`
	FromStatusID string      `json:"from_status_id,omitempty"`
	ToStatusID   string      `json:"to_status_id,omitempty"`
	ActorID      string      `json:"actor_id"`
	Recipients   []Recipient `json:"recipients"`
	TS           string      `json:"ts"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured logger. Used when no Redis URL is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		ids = append(ids, r.ActorID)
	}
	logger.InfoContext(ctx, "notification",
		"event", n.Event,
		"issue_id", n.IssueID,
		"transition", n.Transition,
		"to_status_id", n.ToStatusID,
		"recipients", ids,
	)
	return nil
}
