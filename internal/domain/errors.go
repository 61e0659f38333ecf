package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// NotFoundError reports a missing workflow, status, scheme, transition, project or issue.
// Objects outside the caller's organization are reported the same way.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidTransitionError means no transition with that name leaves the issue's current status.
type InvalidTransitionError struct {
	StatusID   string
	Transition string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition %q from status %s", e.Transition, e.StatusID)
}

type ConditionFailedError struct {
	Condition string
	Cause     error
}

func (e ConditionFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("condition %s failed: %v", e.Condition, e.Cause)
	}
	return fmt.Sprintf("condition %s failed", e.Condition)
}

func (e ConditionFailedError) Unwrap() error { return e.Cause }

type ValidationFailedError struct {
	Validator string
	Reason    string
}

func (e ValidationFailedError) Error() string {
	return fmt.Sprintf("validator %s rejected transition: %s", e.Validator, e.Reason)
}

// ConflictError reports that the issue changed between read and commit: it left
// ExpectedStatusID or moved past ExpectedVersion.
type ConflictError struct {
	IssueID          string
	ExpectedStatusID string
	ExpectedVersion  int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("issue %s changed since it was read (expected status %s at version %d)", e.IssueID, e.ExpectedStatusID, e.ExpectedVersion)
}

// PostFunctionError is collected on a successful transition, never returned as the operation error.
type PostFunctionError struct {
	PostFunction string
	Cause        error
}

func (e PostFunctionError) Error() string {
	return fmt.Sprintf("post-function %s: %v", e.PostFunction, e.Cause)
}

func (e PostFunctionError) Unwrap() error { return e.Cause }

type DeleteBlockedError struct {
	Kind         string
	ID           string
	ProjectCount int
}

func (e DeleteBlockedError) Error() string {
	return fmt.Sprintf("%s %s is used by %d project(s)", e.Kind, e.ID, e.ProjectCount)
}

// NameTakenError rejects a name already used by another entity of the same kind in the organization.
type NameTakenError struct {
	Kind string
	Name string
}

func (e NameTakenError) Error() string {
	return fmt.Sprintf("%s named %q already exists", e.Kind, e.Name)
}

// DuplicateTransitionError rejects a second transition with the same (from, to, name) key.
type DuplicateTransitionError struct {
	Key TransitionKey
}

func (e DuplicateTransitionError) Error() string {
	return fmt.Sprintf("transition %q from %s to %s already exists", e.Key.Name, e.Key.From, e.Key.To)
}
