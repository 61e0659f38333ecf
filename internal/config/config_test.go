package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Organization.ID)
	assert.Equal(t, 5*time.Second, cfg.RuleTimeout())
	assert.Contains(t, cfg.RBAC.Roles["owner"].Permissions, "issue.transition")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing org": "organization: {id: \"\"}\n",
		"bad timeout": "organization: {id: a}\nengine: {rule_timeout: soon}\n",
		"no owner":    "organization: {id: a}\nrbac:\n  roles:\n    dev: {permissions: [issue.read]}\n",
		"hook url":    "organization: {id: a}\nwebhooks:\n  - secret: s\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "flowdesk.yml"), []byte(GenerateDefault("acme")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "flowdesk:notifications", cfg.Notifications.Stream)
}

func TestWebhookActive(t *testing.T) {
	off := false
	assert.True(t, WebhookConfig{URL: "http://x"}.Active())
	assert.False(t, WebhookConfig{URL: "http://x", Enabled: &off}.Active())
	assert.False(t, WebhookConfig{}.Active())
}

func TestDefaultWorkflowParses(t *testing.T) {
	def := DefaultWorkflow()
	assert.Equal(t, "To Do", def.InitialStatus)
	require.Len(t, def.Transitions, 3)
	assert.Equal(t, "hasPermission", def.Transitions[0].Conditions[0].Name)
	assert.Equal(t, "issue.transition", def.Transitions[0].Conditions[0].Params["permission"])
}

func TestParseWorkflowRejectsBadCategory(t *testing.T) {
	_, err := ParseWorkflow([]byte("name: x\nstatuses: [{name: A, category: LATER}]\ninitial_status: A\n"))
	assert.ErrorContains(t, err, "invalid category")
}

func TestParseTransitionRules(t *testing.T) {
	def, err := ParseTransitionRules([]byte(`
conditions:
  - name: actorIsAssignee
validators:
  - name: fieldRequired
    params: {field: resolution}
post_functions:
  - name: notify
`))
	require.NoError(t, err)
	require.Len(t, def.Validators, 1)
	assert.Equal(t, "resolution", def.Validators[0].Params["field"])
	assert.Equal(t, "notify", def.PostFunctions[0].Name)

	_, err = ParseTransitionRules([]byte("conditions: [{params: {a: b}}]\n"))
	assert.Error(t, err)
}
