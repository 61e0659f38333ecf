package rules

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/domain"
	"flowdesk/internal/notify"
)

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

type staticRecipients []notify.Recipient

func (s staticRecipients) Recipients(context.Context, domain.Issue, string) ([]notify.Recipient, error) {
	return s, nil
}

type fieldWrites struct {
	calls [][4]string
}

func (f *fieldWrites) SetIssueField(_ context.Context, issueID, field, value, actorID string) error {
	f.calls = append(f.calls, [4]string{issueID, field, value, actorID})
	return nil
}

type permissionFunc func(domain.Issue, string, string) bool

func (p permissionFunc) HasPermission(_ context.Context, issue domain.Issue, actor, perm string) (bool, error) {
	return p(issue, actor, perm), nil
}

func strPtr(s string) *string { return &s }

func TestBuiltinConditions(t *testing.T) {
	reg := NewBuiltinRegistry(Deps{
		Permissions: permissionFunc(func(_ domain.Issue, actor, perm string) bool {
			return actor == "admin" && perm == "issue.close"
		}),
	})
	issue := domain.Issue{ID: "I-1", AssigneeID: strPtr("alice"), ReporterID: "rita"}

	tests := []struct {
		name   string
		rule   string
		actor  string
		params map[string]string
		want   bool
	}{
		{name: "assignee matches", rule: "actorIsAssignee", actor: "alice", want: true},
		{name: "assignee differs", rule: "actorIsAssignee", actor: "bob", want: false},
		{name: "reporter matches", rule: "actorIsReporter", actor: "rita", want: true},
		{name: "permission granted", rule: "hasPermission", actor: "admin", params: map[string]string{"permission": "issue.close"}, want: true},
		{name: "permission denied", rule: "hasPermission", actor: "bob", params: map[string]string{"permission": "issue.close"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, ok := reg.Condition(tt.rule)
			require.True(t, ok)
			got, err := fn(context.Background(), Input{Issue: issue, Actor: tt.actor, Params: tt.params})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActorIsAssigneeUnassigned(t *testing.T) {
	ok, err := actorIsAssignee(context.Background(), Input{Issue: domain.Issue{}, Actor: "alice"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasPermissionRequiresParam(t *testing.T) {
	_, err := Deps{}.hasPermission(context.Background(), Input{Actor: "a"})
	require.Error(t, err)
}

func TestFieldValidators(t *testing.T) {
	issue := domain.Issue{Title: "crash on save"}

	err := fieldRequired(context.Background(), Input{Issue: issue, Params: map[string]string{"field": "resolution"}})
	var rej Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "resolution is required", rej.Reason)

	err = fieldRequired(context.Background(), Input{
		Issue:  issue,
		Params: map[string]string{"field": "resolution"},
		Fields: map[string]string{"resolution": "fixed"},
	})
	require.NoError(t, err)

	require.NoError(t, fieldEquals(context.Background(), Input{Issue: issue, Params: map[string]string{"field": "title", "value": "crash on save"}}))
	require.Error(t, fieldEquals(context.Background(), Input{Issue: issue, Params: map[string]string{"field": "title", "value": "other"}}))
}

func TestNotifyPostFunction(t *testing.T) {
	n := &recordingNotifier{}
	deps := Deps{
		Notifier:   n,
		Recipients: staticRecipients{{ActorID: "bob"}},
		Now:        func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	in := Input{
		Issue:      domain.Issue{ID: "I-1", ProjectID: "P"},
		Actor:      "alice",
		Transition: domain.Transition{Name: "Start", FromStatusID: "todo", ToStatusID: "doing"},
	}
	require.NoError(t, deps.notify(context.Background(), in))
	require.Len(t, n.sent, 1)
	assert.Equal(t, DefaultNotifyEvent, n.sent[0].Event)
	assert.Equal(t, "doing", n.sent[0].ToStatusID)
	assert.Equal(t, "2024-01-01T00:00:00Z", n.sent[0].TS)

	require.Error(t, Deps{}.notify(context.Background(), in))
}

func TestNotifySkipsWithoutRecipients(t *testing.T) {
	n := &recordingNotifier{}
	require.NoError(t, Deps{Notifier: n, Recipients: staticRecipients{}}.notify(context.Background(), Input{}))
	assert.Empty(t, n.sent)
}

func TestSetFieldAndAssign(t *testing.T) {
	w := &fieldWrites{}
	deps := Deps{Issues: w}
	in := Input{
		Issue:  domain.Issue{ID: "I-1"},
		Actor:  "alice",
		Params: map[string]string{"field": "resolution", "from_input": "resolution"},
		Fields: map[string]string{"resolution": "done"},
	}
	require.NoError(t, deps.setField(context.Background(), in))
	require.NoError(t, deps.assignToActor(context.Background(), in))
	assert.Equal(t, [][4]string{
		{"I-1", "resolution", "done", "alice"},
		{"I-1", "assignee", "alice", "alice"},
	}, w.calls)
}

func TestWebhookPostFunction(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	deps := Deps{Webhooks: notify.WebhookPoster{MaxElapsed: time.Second}}
	err := deps.webhook(context.Background(), Input{
		Issue:  domain.Issue{ID: "I-1", ProjectID: "P", Version: 2},
		Params: map[string]string{"url": srv.URL},
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "I-1:2", got.Header.Get("X-Flowdesk-Delivery"))
}

func TestRegistryNames(t *testing.T) {
	names := NewBuiltinRegistry(Deps{}).Names()
	assert.Equal(t, []string{"actorIsAssignee", "actorIsReporter", "hasPermission"}, names[KindCondition])
	assert.Equal(t, []string{"fieldEquals", "fieldRequired"}, names[KindValidator])
	assert.Equal(t, []string{"assignToActor", "notify", "setField", "webhook"}, names[KindPostFunction])
}
