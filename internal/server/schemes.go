package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine/auth"
	"flowdesk/internal/scheme"
)

type schemePath struct {
	orgHeader
	ID string `path:"id"`
}

// registerSchemeKind mounts the scheme routes for one kind under /schemes/<kind>.
// Every kind shares the generic registry, so the handlers only differ by entry type.
func registerSchemeKind[E any](api huma.API, h *handlers, reg *scheme.Registry[E]) {
	kind := string(reg.Kind())
	base := "/schemes/" + kind
	tags := []string{"schemes"}

	huma.Register(api, huma.Operation{
		OperationID:   "create-" + kind + "-scheme",
		Method:        http.MethodPost,
		Path:          base,
		Summary:       "Create a " + kind + " scheme",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		orgHeader
		Body CreateSchemeRequest[E]
	}) (*bodyOutput[domain.Scheme[E]], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		s, err := reg.CreateScheme(ctx, scheme.CreateInput[E]{
			OrgID:       orgID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			IsDefault:   input.Body.IsDefault,
			Entries:     input.Body.Entries,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + kind + "-schemes",
		Method:      http.MethodGet,
		Path:        base,
		Summary:     "List " + kind + " schemes",
		Tags:        tags,
	}, func(ctx context.Context, input *struct{ orgHeader }) (*bodyOutput[[]domain.Scheme[E]], error) {
		orgID, _, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		items, err := reg.ListSchemes(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-" + kind + "-scheme",
		Method:      http.MethodGet,
		Path:        base + "/{id}",
		Summary:     "Get a " + kind + " scheme with its entries",
		Tags:        tags,
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *schemePath) (*bodyOutput[domain.Scheme[E]], error) {
		orgID, _, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		s, err := reg.GetSchemeWithEntries(ctx, input.ID, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-" + kind + "-scheme",
		Method:        http.MethodDelete,
		Path:          base + "/{id}",
		Summary:       "Delete a " + kind + " scheme no project uses",
		Tags:          tags,
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *schemePath) (*struct{}, error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		if err := reg.DeleteScheme(ctx, input.ID, orgID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-" + kind + "-scheme-projects",
		Method:      http.MethodGet,
		Path:        base + "/{id}/projects/count",
		Summary:     "Number of projects using a " + kind + " scheme",
		Tags:        tags,
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *schemePath) (*bodyOutput[SchemeCountResponse], error) {
		orgID, _, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		n, err := reg.CountProjectsUsing(ctx, input.ID, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(SchemeCountResponse{SchemeID: input.ID, ProjectCount: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clone-" + kind + "-scheme",
		Method:        http.MethodPost,
		Path:          base + "/{id}/clone",
		Summary:       "Deep-copy a " + kind + " scheme",
		Description:   "The clone is never default and records the source as its parent.",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		schemePath
		Body CloneSchemeRequest
	}) (*bodyOutput[domain.Scheme[E]], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		s, err := reg.CloneScheme(ctx, input.ID, input.Body.Name, orgID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-" + kind + "-scheme-entry",
		Method:        http.MethodPost,
		Path:          base + "/{id}/entries",
		Summary:       "Append an entry to a " + kind + " scheme",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		schemePath
		Body E
	}) (*bodyOutput[domain.Scheme[E]], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		s, err := reg.AddEntry(ctx, input.ID, orgID, p.ActorID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-" + kind + "-scheme-entry",
		Method:      http.MethodDelete,
		Path:        base + "/{id}/entries/{index}",
		Summary:     "Remove the entry at a position of a " + kind + " scheme",
		Tags:        tags,
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		schemePath
		Index int `path:"index" minimum:"0"`
	}) (*bodyOutput[domain.Scheme[E]], error) {
		orgID, p, err := h.scope(ctx, input.orgHeader, "", auth.PermSchemeAdmin)
		if err != nil {
			return nil, err
		}
		s, err := reg.RemoveEntry(ctx, input.ID, orgID, p.ActorID, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})
}
