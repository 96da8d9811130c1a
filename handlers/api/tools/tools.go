// Package tools applies already parsed tool calls from a natural-language
// front end. Calls run through the same session operations as direct
// manipulation, on a server-side session per user that never auto-locks
// what it creates.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"shapesync/config"
	"shapesync/core"
	"shapesync/middleware"
	"shapesync/session"
)

const (
	ToolCreateShape     = "createShape"
	ToolUpdateShape     = "updateShape"
	ToolMoveShape       = "moveShape"
	ToolDeleteShape     = "deleteShape"
	ToolDuplicateShapes = "duplicateShapes"
	ToolArrangeShapes   = "arrangeShapes"
)

type (
	Call struct {
		Name string          `json:"name" validate:"required"`
		Args json.RawMessage `json:"args"`
	}

	Result struct {
		IDs []string `json:"ids,omitempty"`
	}

	CreateShapeArgs struct {
		Shape core.Shape `json:"shape"`
	}

	UpdateShapeArgs struct {
		ID    string         `json:"id" validate:"required"`
		Attrs map[string]any `json:"attrs" validate:"required,min=1"`
	}

	MoveShapeArgs struct {
		ID string  `json:"id" validate:"required"`
		DX float64 `json:"dx"`
		DY float64 `json:"dy"`
	}

	DeleteShapeArgs struct {
		IDs []string `json:"ids" validate:"required,min=1,dive,required"`
	}

	DuplicateShapesArgs struct {
		IDs []string `json:"ids" validate:"required,min=1,dive,required"`
	}

	ArrangeShapesArgs struct {
		IDs    []string `json:"ids" validate:"required,min=1,dive,required"`
		Action string   `json:"action" validate:"required,oneof=front back order"`
	}
)

var ErrUnknownTool = errors.New("unknown tool")

const (
	DefaultSessionIdle = 10 * time.Minute
	DefaultMaxSessions = 256
)

type cachedSession struct {
	s    *session.Session
	used time.Time
}

// Executor keeps one session per user so name counters stay monotonic
// across calls. Sessions idle for longer than SessionIdle are closed, and
// at most MaxSessions are kept.
type Executor struct {
	store    core.CanonicalStore
	cfg      config.Sync
	validate *validator.Validate

	SessionIdle time.Duration
	MaxSessions int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*cachedSession
}

func NewExecutor(store core.CanonicalStore, cfg config.Sync) *Executor {
	return &Executor{
		store:       store,
		cfg:         cfg,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		SessionIdle: DefaultSessionIdle,
		MaxSessions: DefaultMaxSessions,
		now:         time.Now,
		sessions:    make(map[string]*cachedSession),
	}
}

func (e *Executor) session(ctx context.Context, userID, name string) (*session.Session, error) {
	now := e.now()
	e.mu.Lock()
	evicted := e.evictLocked(now)
	c, ok := e.sessions[userID]
	if !ok {
		if e.MaxSessions > 0 && len(e.sessions) >= e.MaxSessions {
			evicted = append(evicted, e.evictOldestLocked())
		}
		cfg := e.cfg
		s, err := session.New(session.Options{
			Store:    e.store,
			UserID:   userID,
			UserName: name,
			Sync:     &cfg,
			Log:      logrus.WithFields(logrus.Fields{"user_id": userID, "source": "tools"}),
		})
		if err != nil {
			e.mu.Unlock()
			e.closeAll(ctx, evicted)
			return nil, err
		}
		c = &cachedSession{s: s}
		e.sessions[userID] = c
	}
	c.used = now
	s := c.s
	e.mu.Unlock()
	e.closeAll(ctx, evicted)

	// every call starts from the current canonical state
	shapes, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	s.ApplySnapshot(shapes)
	return s, nil
}

// evictLocked removes sessions idle for longer than SessionIdle.
func (e *Executor) evictLocked(now time.Time) []*session.Session {
	if e.SessionIdle <= 0 {
		return nil
	}
	var out []*session.Session
	for userID, c := range e.sessions {
		if now.Sub(c.used) > e.SessionIdle {
			delete(e.sessions, userID)
			out = append(out, c.s)
		}
	}
	return out
}

func (e *Executor) evictOldestLocked() *session.Session {
	var (
		oldestID string
		oldest   *cachedSession
	)
	for userID, c := range e.sessions {
		if oldest == nil || c.used.Before(oldest.used) {
			oldestID, oldest = userID, c
		}
	}
	delete(e.sessions, oldestID)
	return oldest.s
}

func (e *Executor) closeAll(ctx context.Context, sessions []*session.Session) {
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			logrus.WithFields(logrus.Fields{"user_id": s.UserID(), "error": err}).Warn("Failed to close tool session")
		}
	}
}

// Close closes every cached session.
func (e *Executor) Close() {
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for userID, c := range e.sessions {
		sessions = append(sessions, c.s)
		delete(e.sessions, userID)
	}
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.closeAll(ctx, sessions)
}

func (e *Executor) args(call Call, v any) error {
	if len(call.Args) == 0 {
		return &core.ValidationError{Field: "args", Reason: "missing"}
	}
	if err := json.Unmarshal(call.Args, v); err != nil {
		return &core.ValidationError{Field: "args", Reason: err.Error()}
	}
	if err := e.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &core.ValidationError{Field: verrs[0].Field(), Reason: verrs[0].Tag()}
		}
		return &core.ValidationError{Field: "args", Reason: err.Error()}
	}
	return nil
}

// Apply runs one tool call for userID.
func (e *Executor) Apply(ctx context.Context, userID, userName string, call Call) (*Result, error) {
	if err := e.validate.Struct(call); err != nil {
		return nil, &core.ValidationError{Field: "name", Reason: "required"}
	}
	s, err := e.session(ctx, userID, userName)
	if err != nil {
		return nil, err
	}

	switch call.Name {
	case ToolCreateShape:
		var a CreateShapeArgs
		if err := e.args(call, &a); err != nil {
			return nil, err
		}
		id, err := s.AddShape(ctx, &a.Shape, session.AddOptions{SkipAutoLock: true})
		if err != nil {
			return nil, err
		}
		return &Result{IDs: []string{id}}, nil

	case ToolUpdateShape:
		var a UpdateShapeArgs
		if err := e.args(call, &a); err != nil {
			return nil, err
		}
		attrs := make(core.Attrs, len(a.Attrs))
		for k, v := range a.Attrs {
			attrs[core.Field(k)] = v
		}
		return &Result{IDs: []string{a.ID}}, s.UpdateShape(ctx, a.ID, attrs, false)

	case ToolMoveShape:
		var a MoveShapeArgs
		if err := e.args(call, &a); err != nil {
			return nil, err
		}
		shape := find(s.Canonical(), a.ID)
		if shape == nil {
			return nil, core.NotFound(a.ID)
		}
		attrs := shape.Position().Translate(a.DX, a.DY).Attrs()
		return &Result{IDs: []string{a.ID}}, s.UpdateShape(ctx, a.ID, attrs, false)

	case ToolDeleteShape:
		var a DeleteShapeArgs
		if err := e.args(call, &a); err != nil {
			return nil, err
		}
		return &Result{IDs: a.IDs}, s.DeleteShapes(ctx, a.IDs)

	case ToolDuplicateShapes:
		var a DuplicateShapesArgs
		if err := e.args(call, &a); err != nil {
			return nil, err
		}
		ids, err := s.DuplicateShapes(ctx, a.IDs)
		if err != nil {
			return nil, err
		}
		// copies are created locked; the tool caller is not holding them
		if err := s.SelectShape(ctx, "", false); err != nil {
			logrus.WithError(err).Warn("Failed to release duplicated shapes")
		}
		return &Result{IDs: ids}, nil

	case ToolArrangeShapes:
		var a ArrangeShapesArgs
		if err := e.args(call, &a); err != nil {
			return nil, err
		}
		switch a.Action {
		case "front":
			err = s.BringToFront(ctx, a.IDs)
		case "back":
			err = s.SendToBack(ctx, a.IDs)
		default:
			err = s.ReorderShapes(ctx, a.IDs)
		}
		return &Result{IDs: a.IDs}, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
}

func find(shapes []*core.Shape, id string) *core.Shape {
	for _, s := range shapes {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// HandleCall serves POST /api/tools/call.
func HandleCall(e *Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.ClaimsFrom(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": "User claims not found"})
			return
		}

		var call Call
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			logrus.WithField("error", err).Debug("Failed to decode tool call")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		log := logrus.WithFields(logrus.Fields{"tool": call.Name, "userID": claims.UserID()})
		res, err := e.Apply(r.Context(), claims.UserID(), claims.Name, call)
		if err != nil {
			status := statusOf(err)
			if status >= http.StatusInternalServerError {
				log.WithField("error", err).Error("Tool call failed")
			} else {
				log.WithField("error", err).Debug("Tool call refused")
			}
			render.Status(r, status)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}
		log.Info("Tool call applied")
		render.JSON(w, r, res)
	}
}

func statusOf(err error) int {
	var batch *core.BatchError
	switch {
	case errors.Is(err, ErrUnknownTool), errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &batch), core.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
