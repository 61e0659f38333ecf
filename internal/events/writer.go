// Package events appends to the organization audit log. Every mutation writes
// its event in the transaction that performs it.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowdesk/internal/db"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

// SystemActor is recorded for changes made without an acting user.
const SystemActor = "system"

type EventPayload map[string]any

// Record locates an event in the audit log. Type and EntityKind are required;
// an empty ActorID is recorded as SystemActor.
type Record struct {
	Type       string
	OrgID      string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
}

func (r Record) check() error {
	switch {
	case r.Type == "":
		return errors.New("event type required")
	case r.EntityKind == "":
		return fmt.Errorf("event %s: entity kind required", r.Type)
	}
	return nil
}

const insertEvent = `INSERT INTO events(ts,type,org_id,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`

// Append writes an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record, payload EventPayload) error {
	if tx == nil {
		return errors.New("events: append requires a transaction")
	}
	if err := rec.check(); err != nil {
		return err
	}
	if rec.ActorID == "" {
		rec.ActorID = SystemActor
	}
	data := []byte("{}")
	if len(payload) > 0 {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("event %s: marshal payload: %w", rec.Type, err)
		}
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	_, err := tx.ExecContext(ctx, w.Dialect.Rebind(insertEvent),
		now().UTC().Format(time.RFC3339Nano), rec.Type, orNull(rec.OrgID), orNull(rec.ProjectID),
		rec.EntityKind, orNull(rec.EntityID), rec.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("event %s: %w", rec.Type, err)
	}
	return nil
}

func orNull(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
