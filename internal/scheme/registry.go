// Package scheme manages clonable configuration bundles shared across projects.
// Permission, notification and issue-security schemes share one Registry
// implementation; only the entry shape differs, behind an Adapter.
package scheme

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/repo"
	"flowdesk/internal/telemetry"
)

// Adapter stores and copies the entries of one scheme kind.
type Adapter[E any] interface {
	Kind() domain.SchemeKind
	LoadEntries(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) ([]E, error)
	InsertEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, position int, e E) error
	RemoveEntry(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string, index int) error
	// NextPosition is the position after the scheme's last entry.
	NextPosition(ctx context.Context, r repo.Repo, tx *sql.Tx, schemeID string) (int, error)
	// CopyEntry returns a value that shares no memory with e.
	CopyEntry(e E) E
	ValidateEntry(e E) error
}

type Registry[E any] struct {
	Repo    repo.Repo
	Events  events.Writer
	Adapter Adapter[E]
	Now     func() time.Time

	ops metric.Int64Counter
}

func NewRegistry[E any](r repo.Repo, a Adapter[E]) *Registry[E] {
	ops, _ := telemetry.Meter("flowdesk/scheme").Int64Counter("flowdesk.scheme.operations",
		metric.WithDescription("Scheme registry operations"))
	return &Registry[E]{
		Repo:    r,
		Events:  events.Writer{Dialect: r.Dialect},
		Adapter: a,
		Now:     time.Now,
		ops:     ops,
	}
}

func (g *Registry[E]) Kind() domain.SchemeKind { return g.Adapter.Kind() }

func (g *Registry[E]) now() string {
	if g.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return g.Now().UTC().Format(time.RFC3339)
}

func (g *Registry[E]) count(ctx context.Context, op string) {
	if g.ops == nil {
		return
	}
	g.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", string(g.Adapter.Kind())),
	))
}

func (g *Registry[E]) record(id string) events.Record {
	return events.Record{EntityKind: string(g.Adapter.Kind()) + "_scheme", EntityID: id}
}

func fromRow[E any](row repo.SchemeRow, entries []E) domain.Scheme[E] {
	if entries == nil {
		entries = []E{}
	}
	return domain.Scheme[E]{
		ID:          row.ID,
		OrgID:       row.OrgID,
		Kind:        row.Kind,
		Name:        row.Name,
		Description: row.Description,
		IsDefault:   row.IsDefault,
		ParentID:    row.ParentID,
		Entries:     entries,
		CreatedAt:   row.CreatedAt,
	}
}

type CreateInput[E any] struct {
	OrgID       string
	Name        string
	Description string
	IsDefault   bool
	Entries     []E
	ActorID     string
}

func (g *Registry[E]) CreateScheme(ctx context.Context, in CreateInput[E]) (domain.Scheme[E], error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Scheme[E]{}, errors.New("scheme name required")
	}
	if in.OrgID == "" {
		return domain.Scheme[E]{}, errors.New("organization required")
	}
	for i, e := range in.Entries {
		if err := g.Adapter.ValidateEntry(e); err != nil {
			return domain.Scheme[E]{}, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	row := repo.SchemeRow{
		ID:          uuid.NewString(),
		OrgID:       in.OrgID,
		Kind:        g.Adapter.Kind(),
		Name:        in.Name,
		Description: in.Description,
		IsDefault:   in.IsDefault,
		CreatedAt:   g.now(),
	}
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	defer tx.Rollback()
	if err := g.insert(ctx, tx, row, in.Entries); err != nil {
		return domain.Scheme[E]{}, err
	}
	rec := g.record(row.ID)
	rec.Type, rec.OrgID, rec.ActorID = "scheme.created", in.OrgID, in.ActorID
	if err := g.Events.Append(ctx, tx, rec, events.EventPayload{"name": row.Name, "kind": string(row.Kind), "entries": len(in.Entries)}); err != nil {
		return domain.Scheme[E]{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scheme[E]{}, err
	}
	g.count(ctx, "create")
	return g.GetSchemeWithEntries(ctx, row.ID, in.OrgID)
}

func (g *Registry[E]) insert(ctx context.Context, tx *sql.Tx, row repo.SchemeRow, entries []E) error {
	taken, err := g.Repo.SchemeNameTaken(ctx, tx, row.OrgID, row.Kind, row.Name)
	if err != nil {
		return err
	}
	if taken {
		return domain.NameTakenError{Kind: string(row.Kind) + " scheme", Name: row.Name}
	}
	if err := g.Repo.InsertScheme(ctx, tx, row); err != nil {
		return fmt.Errorf("insert scheme: %w", err)
	}
	for i, e := range entries {
		if err := g.Adapter.InsertEntry(ctx, g.Repo, tx, row.ID, i, e); err != nil {
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
	}
	return nil
}

// GetSchemeWithEntries returns the scheme only when it belongs to orgID.
// Schemes of other organizations are reported as not found.
func (g *Registry[E]) GetSchemeWithEntries(ctx context.Context, schemeID, orgID string) (domain.Scheme[E], error) {
	return g.load(ctx, nil, schemeID, orgID)
}

func (g *Registry[E]) load(ctx context.Context, tx *sql.Tx, schemeID, orgID string) (domain.Scheme[E], error) {
	row, err := g.Repo.GetScheme(ctx, tx, schemeID, orgID, g.Adapter.Kind())
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	entries, err := g.Adapter.LoadEntries(ctx, g.Repo, tx, schemeID)
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	return fromRow(row, entries), nil
}

// ListSchemes returns the org's schemes of this kind without their entries.
func (g *Registry[E]) ListSchemes(ctx context.Context, orgID string) ([]domain.Scheme[E], error) {
	rows, err := g.Repo.ListSchemes(ctx, orgID, g.Adapter.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Scheme[E], 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow[E](row, nil))
	}
	return out, nil
}

func (g *Registry[E]) CountProjectsUsing(ctx context.Context, schemeID, orgID string) (int, error) {
	if _, err := g.Repo.GetScheme(ctx, nil, schemeID, orgID, g.Adapter.Kind()); err != nil {
		return 0, err
	}
	return g.Repo.CountProjectsUsingScheme(ctx, nil, schemeID, orgID)
}

// CloneScheme deep-copies the source scheme into a new, non-default scheme whose
// parent is the source. The copy is written in a single transaction. Without a
// name the copy takes the first free of "Copy of X", "Copy of X (2)", ...
// An explicit name that is already used fails with domain.NameTakenError.
func (g *Registry[E]) CloneScheme(ctx context.Context, sourceID, newName, orgID, actorID string) (domain.Scheme[E], error) {
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	defer tx.Rollback()

	source, err := g.load(ctx, tx, sourceID, orgID)
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		if newName, err = g.freeCopyName(ctx, tx, source); err != nil {
			return domain.Scheme[E]{}, err
		}
	}
	clone := Clone(g.Adapter, source, uuid.NewString(), newName, g.now())
	row := repo.SchemeRow{
		ID:          clone.ID,
		OrgID:       clone.OrgID,
		Kind:        clone.Kind,
		Name:        clone.Name,
		Description: clone.Description,
		IsDefault:   false,
		ParentID:    clone.ParentID,
		CreatedAt:   clone.CreatedAt,
	}
	if err := g.insert(ctx, tx, row, clone.Entries); err != nil {
		return domain.Scheme[E]{}, err
	}
	rec := g.record(clone.ID)
	rec.Type, rec.OrgID, rec.ActorID = "scheme.cloned", orgID, actorID
	if err := g.Events.Append(ctx, tx, rec, events.EventPayload{"parent_id": source.ID, "name": clone.Name, "entries": len(clone.Entries)}); err != nil {
		return domain.Scheme[E]{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scheme[E]{}, err
	}
	g.count(ctx, "clone")
	return clone, nil
}

func (g *Registry[E]) freeCopyName(ctx context.Context, tx *sql.Tx, source domain.Scheme[E]) (string, error) {
	base := "Copy of " + source.Name
	name := base
	for n := 2; ; n++ {
		taken, err := g.Repo.SchemeNameTaken(ctx, tx, source.OrgID, source.Kind, name)
		if err != nil || !taken {
			return name, err
		}
		name = fmt.Sprintf("%s (%d)", base, n)
	}
}

// Clone builds the in-memory copy of source. Entries are copied through the adapter.
func Clone[E any](a Adapter[E], source domain.Scheme[E], id, name, now string) domain.Scheme[E] {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Copy of " + source.Name
	}
	parent := source.ID
	entries := make([]E, len(source.Entries))
	for i, e := range source.Entries {
		entries[i] = a.CopyEntry(e)
	}
	return domain.Scheme[E]{
		ID:          id,
		OrgID:       source.OrgID,
		Kind:        source.Kind,
		Name:        name,
		Description: source.Description,
		IsDefault:   false,
		ParentID:    &parent,
		Entries:     entries,
		CreatedAt:   now,
	}
}

// AssignToProject points the project's scheme of this kind at schemeID.
// Assigning the scheme a project already uses is a no-op.
func (g *Registry[E]) AssignToProject(ctx context.Context, schemeID, projectID, orgID, actorID string) error {
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := g.Repo.GetScheme(ctx, tx, schemeID, orgID, g.Adapter.Kind()); err != nil {
		return err
	}
	if _, err := g.Repo.GetProject(ctx, tx, projectID, orgID); err != nil {
		return err
	}
	changed, err := g.Repo.UpsertProjectScheme(ctx, tx, projectID, g.Adapter.Kind(), schemeID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	rec := g.record(schemeID)
	rec.Type, rec.OrgID, rec.ProjectID, rec.ActorID = "scheme.assigned", orgID, projectID, actorID
	if err := g.Events.Append(ctx, tx, rec, events.EventPayload{"kind": string(g.Adapter.Kind())}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	g.count(ctx, "assign")
	return nil
}

func (g *Registry[E]) AddEntry(ctx context.Context, schemeID, orgID, actorID string, e E) (domain.Scheme[E], error) {
	if err := g.Adapter.ValidateEntry(e); err != nil {
		return domain.Scheme[E]{}, err
	}
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	defer tx.Rollback()
	if _, err := g.Repo.GetScheme(ctx, tx, schemeID, orgID, g.Adapter.Kind()); err != nil {
		return domain.Scheme[E]{}, err
	}
	pos, err := g.Adapter.NextPosition(ctx, g.Repo, tx, schemeID)
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	if err := g.Adapter.InsertEntry(ctx, g.Repo, tx, schemeID, pos, e); err != nil {
		return domain.Scheme[E]{}, err
	}
	rec := g.record(schemeID)
	rec.Type, rec.OrgID, rec.ActorID = "scheme.entry_added", orgID, actorID
	if err := g.Events.Append(ctx, tx, rec, events.EventPayload{"position": pos}); err != nil {
		return domain.Scheme[E]{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scheme[E]{}, err
	}
	g.count(ctx, "add_entry")
	return g.GetSchemeWithEntries(ctx, schemeID, orgID)
}

// RemoveEntry deletes the entry at a 0-based index in scheme order.
func (g *Registry[E]) RemoveEntry(ctx context.Context, schemeID, orgID, actorID string, index int) (domain.Scheme[E], error) {
	if index < 0 {
		return domain.Scheme[E]{}, domain.NotFoundError{Kind: "scheme entry", ID: fmt.Sprint(index)}
	}
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scheme[E]{}, err
	}
	defer tx.Rollback()
	if _, err := g.Repo.GetScheme(ctx, tx, schemeID, orgID, g.Adapter.Kind()); err != nil {
		return domain.Scheme[E]{}, err
	}
	if err := g.Adapter.RemoveEntry(ctx, g.Repo, tx, schemeID, index); err != nil {
		return domain.Scheme[E]{}, err
	}
	rec := g.record(schemeID)
	rec.Type, rec.OrgID, rec.ActorID = "scheme.entry_removed", orgID, actorID
	if err := g.Events.Append(ctx, tx, rec, events.EventPayload{"position": index}); err != nil {
		return domain.Scheme[E]{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scheme[E]{}, err
	}
	g.count(ctx, "remove_entry")
	return g.GetSchemeWithEntries(ctx, schemeID, orgID)
}

// DeleteScheme removes an unreferenced scheme and its entries.
func (g *Registry[E]) DeleteScheme(ctx context.Context, schemeID, orgID, actorID string) error {
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := g.Repo.GetScheme(ctx, tx, schemeID, orgID, g.Adapter.Kind()); err != nil {
		return err
	}
	n, err := g.Repo.CountProjectsUsingScheme(ctx, tx, schemeID, orgID)
	if err != nil {
		return err
	}
	if n > 0 {
		return domain.DeleteBlockedError{Kind: string(g.Adapter.Kind()) + " scheme", ID: schemeID, ProjectCount: n}
	}
	if err := g.Repo.DeleteScheme(ctx, tx, schemeID, orgID); err != nil {
		return err
	}
	rec := g.record(schemeID)
	rec.Type, rec.OrgID, rec.ActorID = "scheme.deleted", orgID, actorID
	if err := g.Events.Append(ctx, tx, rec, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	g.count(ctx, "delete")
	return nil
}
