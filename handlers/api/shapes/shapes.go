package shapes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"shapesync/core"
	"shapesync/middleware"
	"shapesync/retry"
)

type (
	CreateBatchRequest struct {
		Shapes []*core.Shape `json:"shapes"`
	}

	IDsRequest struct {
		IDs []string `json:"ids"`
	}

	OrderRequest struct {
		// ZIndices maps shape id to its new zIndex.
		ZIndices map[string]int `json:"zIndices"`
	}

	CreateResponse struct {
		IDs []string `json:"ids"`
	}

	ErrorResponse struct {
		Error   string `json:"error"`
		Field   string `json:"field,omitempty"`
		OwnerID string `json:"ownerId,omitempty"`
	}
)

// Handler serves the canonical store over HTTP. Every write is made on
// behalf of the authenticated caller and refused when another user holds
// the shape.
type Handler struct {
	repo   core.ShapeRepository
	policy retry.Policy
}

func NewHandler(repo core.ShapeRepository, policy retry.Policy) *Handler {
	return &Handler{repo: repo, policy: policy}
}

// Routes is mounted under /api/shapes behind middleware.AuthJWT.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HandleList)
	r.Post("/", h.HandleCreate)
	r.Post("/batch", h.HandleCreateBatch)
	r.Post("/delete", h.HandleDeleteBatch)
	r.Put("/order", h.HandleReorder)
	r.Patch("/{id}", h.HandleUpdate)
	r.Delete("/{id}", h.HandleDelete)
	r.Put("/{id}/lock", h.HandleLock)
	r.Delete("/{id}/lock", h.HandleUnlock)
	return r
}

func caller(w http.ResponseWriter, r *http.Request) (userID, name string, ok bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok || claims.UserID() == "" {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, ErrorResponse{Error: "unauthorized"})
		return "", "", false
	}
	return claims.UserID(), claims.Name, true
}

// writeError maps store errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict   *core.LockConflictError
		validation *core.ValidationError
		resp       = ErrorResponse{Error: err.Error()}
		status     = http.StatusInternalServerError
	)
	switch {
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.OwnerID = conflict.OwnerID
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		resp.Field = validation.Field
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case core.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logrus.WithField("error", err).Error("Shape request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logrus.WithField("error", err).Debug("Failed to decode request")
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

// HandleList returns every shape in paint order.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	shapes, err := h.repo.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if shapes == nil {
		shapes = []*core.Shape{}
	}
	render.JSON(w, r, shapes)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	var shape core.Shape
	if !decode(w, r, &shape) {
		return
	}
	h.create(w, r, userID, []*core.Shape{&shape})
}

func (h *Handler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreateBatchRequest
	if !decode(w, r, &req) {
		return
	}
	h.create(w, r, userID, req.Shapes)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, userID string, shapes []*core.Shape) {
	if len(shapes) == 0 {
		writeError(w, r, &core.ValidationError{Field: "shapes", Reason: "empty"})
		return
	}
	for _, s := range shapes {
		if s == nil {
			writeError(w, r, &core.ValidationError{Field: "shape", Reason: "missing"})
			return
		}
		// clients cannot create shapes locked by somebody else
		if s.LockedBy != "" && s.LockedBy != userID {
			writeError(w, r, &core.ValidationError{Field: string(core.FieldLockedBy), Reason: "must be the caller"})
			return
		}
		if s.CreatedBy == "" {
			s.CreatedBy = userID
		}
		if err := core.ValidateShape(s); err != nil {
			writeError(w, r, err)
			return
		}
	}

	err := h.policy.Do(r.Context(), "create", func(ctx context.Context) error {
		return h.repo.CreateBatch(ctx, shapes)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	ids := make([]string, len(shapes))
	for i, s := range shapes {
		ids[i] = s.ID
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, CreateResponse{IDs: ids})
}

// HandleUpdate merges the JSON body into the shape. Lock fields are only
// changed through the lock routes.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var raw map[string]any
	if !decode(w, r, &raw) {
		return
	}
	attrs := make(core.Attrs, len(raw))
	for k, v := range raw {
		attrs[core.Field(k)] = v
	}
	if attrs.TouchesLock() {
		writeError(w, r, &core.ValidationError{Field: string(core.FieldLockedBy), Reason: "use the lock endpoint"})
		return
	}
	current, err := h.find(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	norm, err := core.ValidateAttrs(current, attrs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	err = h.policy.Do(r.Context(), "update", func(ctx context.Context) error {
		return h.repo.Update(ctx, id, norm, core.RequireLockable(userID))
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) find(ctx context.Context, id string) (*core.Shape, error) {
	shapes, err := h.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range shapes {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, core.NotFound(id)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	err := h.policy.Do(r.Context(), "delete", func(ctx context.Context) error {
		return h.repo.Delete(ctx, id, core.RequireLockable(userID))
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteBatch deletes every id or none of them.
func (h *Handler) HandleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	var req IDsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	err := h.policy.Do(r.Context(), "delete", func(ctx context.Context) error {
		return h.repo.DeleteBatch(ctx, req.IDs, core.RequireLockable(userID))
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleReorder(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := caller(w, r); !ok {
		return
	}
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.policy.Do(r.Context(), "reorder", func(ctx context.Context) error {
		return h.repo.Reorder(ctx, req.ZIndices)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleLock(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	err := h.policy.Do(r.Context(), "lock", func(ctx context.Context) error {
		return h.repo.Update(ctx, id, core.LockAttrs(userID, name), core.RequireLockable(userID))
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	err := h.policy.Do(r.Context(), "unlock", func(ctx context.Context) error {
		return h.repo.Update(ctx, id, core.UnlockAttrs(), core.RequireLockable(userID))
	})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
