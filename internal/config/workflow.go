package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"flowdesk/internal/domain"
)

// WorkflowDef is a workflow described by status names, as written in workflow YAML files.
type WorkflowDef struct {
	Name          string          `yaml:"name" json:"name"`
	Description   string          `yaml:"description,omitempty" json:"description,omitempty"`
	Default       bool            `yaml:"default,omitempty" json:"default,omitempty"`
	Statuses      []StatusDef     `yaml:"statuses" json:"statuses"`
	InitialStatus string          `yaml:"initial_status" json:"initial_status"`
	Transitions   []TransitionDef `yaml:"transitions" json:"transitions"`
}

type StatusDef struct {
	Name     string                `yaml:"name" json:"name"`
	Category domain.StatusCategory `yaml:"category" json:"category" enum:"TODO,IN_PROGRESS,DONE"`
}

type TransitionDef struct {
	Name          string           `yaml:"name" json:"name"`
	From          string           `yaml:"from" json:"from"`
	To            string           `yaml:"to" json:"to"`
	Conditions    []domain.RuleRef `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Validators    []domain.RuleRef `yaml:"validators,omitempty" json:"validators,omitempty"`
	PostFunctions []domain.RuleRef `yaml:"post_functions,omitempty" json:"post_functions,omitempty"`
}

// Check reports structural problems that make a definition impossible to import.
// Graph-level problems (orphans, duplicates) are left to workflow validation.
func (d WorkflowDef) Check() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Statuses) == 0 {
		return fmt.Errorf("workflow %s declares no statuses", d.Name)
	}
	seen := map[string]bool{}
	for _, s := range d.Statuses {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("workflow %s has a status without a name", d.Name)
		}
		if !s.Category.Valid() {
			return fmt.Errorf("status %s has invalid category %q", s.Name, s.Category)
		}
		if seen[s.Name] {
			return fmt.Errorf("status %s declared twice", s.Name)
		}
		seen[s.Name] = true
	}
	if d.InitialStatus == "" {
		return fmt.Errorf("workflow %s has no initial_status", d.Name)
	}
	return nil
}

// ParseWorkflow decodes a workflow definition.
func ParseWorkflow(data []byte) (WorkflowDef, error) {
	var def WorkflowDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDef{}, fmt.Errorf("invalid workflow yaml: %w", err)
	}
	if err := def.Check(); err != nil {
		return WorkflowDef{}, err
	}
	return def, nil
}

// ParseTransitionRules decodes the conditions, validators and post_functions of
// a single transition. Name and endpoints in the document are ignored.
func ParseTransitionRules(data []byte) (TransitionDef, error) {
	var def TransitionDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return TransitionDef{}, fmt.Errorf("invalid transition yaml: %w", err)
	}
	for _, refs := range [][]domain.RuleRef{def.Conditions, def.Validators, def.PostFunctions} {
		for _, r := range refs {
			if strings.TrimSpace(r.Name) == "" {
				return TransitionDef{}, fmt.Errorf("rule without a name")
			}
		}
	}
	return def, nil
}

func WorkflowFromFile(path string) (WorkflowDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDef{}, err
	}
	return ParseWorkflow(data)
}

// DefaultWorkflow is installed by fd init.
func DefaultWorkflow() WorkflowDef {
	def, err := ParseWorkflow([]byte(defaultWorkflowYAML))
	if err != nil {
		panic(err)
	}
	return def
}

const defaultWorkflowYAML = `name: Default
description: "To Do, In Progress, Done"
default: true
statuses:
  - {name: To Do, category: TODO}
  - {name: In Progress, category: IN_PROGRESS}
  - {name: Done, category: DONE}
initial_status: To Do
transitions:
  - name: Start
    from: To Do
    to: In Progress
    conditions:
      - name: hasPermission
        params: {permission: issue.transition}
    post_functions:
      - name: assignToActor
      - name: notify
  - name: Finish
    from: In Progress
    to: Done
    conditions:
      - name: actorIsAssignee
    post_functions:
      - name: setField
        params: {field: resolution, value: done}
      - name: notify
  - name: Reopen
    from: Done
    to: To Do
    post_functions:
      - name: setField
        params: {field: resolution, value: ""}
`
