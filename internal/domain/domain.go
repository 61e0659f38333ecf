package domain

type StatusCategory string

const (
	CategoryTodo       StatusCategory = "TODO"
	CategoryInProgress StatusCategory = "IN_PROGRESS"
	CategoryDone       StatusCategory = "DONE"
)

func (c StatusCategory) Valid() bool {
	switch c {
	case CategoryTodo, CategoryInProgress, CategoryDone:
		return true
	}
	return false
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Status struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	Name      string         `json:"name"`
	Category  StatusCategory `json:"category" enum:"TODO,IN_PROGRESS,DONE"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// RuleRef names a condition, validator or post-function and carries its parameters.
type RuleRef struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

type TransitionKey struct {
	From string
	To   string
	Name string
}

type Transition struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	Name          string    `json:"name"`
	FromStatusID  string    `json:"from_status_id"`
	ToStatusID    string    `json:"to_status_id"`
	Conditions    []RuleRef `json:"conditions"`
	Validators    []RuleRef `json:"validators"`
	PostFunctions []RuleRef `json:"post_functions"`
}

func (t Transition) Key() TransitionKey {
	return TransitionKey{From: t.FromStatusID, To: t.ToStatusID, Name: t.Name}
}

// Workflow owns its status set and its transitions in declaration order.
type Workflow struct {
	ID              string       `json:"id"`
	OrgID           string       `json:"org_id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	InitialStatusID string       `json:"initial_status_id"`
	IsDefault       bool         `json:"is_default"`
	Statuses        []Status     `json:"statuses"`
	Transitions     []Transition `json:"transitions"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
}

func (w Workflow) HasStatus(id string) bool {
	for _, s := range w.Statuses {
		if s.ID == id {
			return true
		}
	}
	return false
}

type Project struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	Name       string `json:"name"`
	WorkflowID string `json:"workflow_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// ProjectBinding is the set of configuration pointers held by a project.
type ProjectBinding struct {
	ProjectID  string                `json:"project_id"`
	WorkflowID string                `json:"workflow_id"`
	Schemes    map[SchemeKind]string `json:"schemes"`
}

type Issue struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	StatusID      string  `json:"status_id"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	ReporterID    string  `json:"reporter_id"`
	Resolution    string  `json:"resolution,omitempty"`
	SecurityLevel string  `json:"security_level,omitempty"`
	Version       int64   `json:"version"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Field returns the value of a named issue field as rules see it.
func (i Issue) Field(name string) (string, bool) {
	switch name {
	case "title":
		return i.Title, true
	case "description":
		return i.Description, true
	case "status":
		return i.StatusID, true
	case "assignee":
		if i.AssigneeID == nil {
			return "", true
		}
		return *i.AssigneeID, true
	case "reporter":
		return i.ReporterID, true
	case "resolution":
		return i.Resolution, true
	case "security_level":
		return i.SecurityLevel, true
	}
	return "", false
}

type SchemeKind string

const (
	SchemePermission   SchemeKind = "permission"
	SchemeNotification SchemeKind = "notification"
	SchemeSecurity     SchemeKind = "security"
)

func (k SchemeKind) Valid() bool {
	switch k {
	case SchemePermission, SchemeNotification, SchemeSecurity:
		return true
	}
	return false
}

// Scheme is a clonable configuration bundle. Entries are owned by the scheme.
type Scheme[E any] struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	Kind        SchemeKind `json:"kind" enum:"permission,notification,security"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	IsDefault   bool       `json:"is_default"`
	ParentID    *string    `json:"parent_id,omitempty"`
	Entries     []E        `json:"entries"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
}

// Holder types shared by permission grants, notification recipients and security level members.
const (
	HolderAnyone   = "anyone"
	HolderUser     = "user"
	HolderRole     = "role"
	HolderAssignee = "assignee"
	HolderReporter = "reporter"
)

type PermissionGrant struct {
	Permission  string `json:"permission" yaml:"permission"`
	HolderType  string `json:"holder_type" yaml:"holder_type" enum:"anyone,user,role,assignee,reporter"`
	HolderParam string `json:"holder_param,omitempty" yaml:"holder_param,omitempty"`
}

type NotificationRule struct {
	Event          string   `json:"event" yaml:"event"`
	RecipientType  string   `json:"recipient_type" yaml:"recipient_type" enum:"user,role,assignee,reporter"`
	RecipientParam string   `json:"recipient_param,omitempty" yaml:"recipient_param,omitempty"`
	Channels       []string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

type SecurityLevelMember struct {
	Level       string `json:"level" yaml:"level"`
	MemberType  string `json:"member_type" yaml:"member_type" enum:"anyone,user,role,assignee,reporter"`
	MemberParam string `json:"member_param,omitempty" yaml:"member_param,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
