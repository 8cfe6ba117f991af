// Package router exposes the sidebar over a JSON HTTP API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/filter"
	"github.com/mohammed-shakir/map-sidebar/internal/sidebar"
)

// Sidebar is the session surface the API drives.
type Sidebar interface {
	Tree() ([]sidebar.NodeView, error)
	Reload(ctx context.Context) error
	SetLayerVisible(ctx context.Context, id string, visible *bool) (bool, error)
	SetGroupVisible(ctx context.Context, id string, visible *bool) (bool, error)
	ZoomToLayer(ctx context.Context, id string) error
	ShowDataTable(ctx context.Context, id string) error
	FilterView(id string) (filter.View, error)
	ApplyFilter(ctx context.Context, id string, req sidebar.FilterRequest) (filter.View, error)
	ClearFilter(ctx context.Context, id string) (filter.View, error)
	Viewport() (model.Viewport, error)
}

const maxBody = 1 << 20

type api struct {
	sb  Sidebar
	log *slog.Logger
}

// Routes mounts the /api endpoints on r.
func Routes(r chi.Router, sb Sidebar, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	a := &api{sb: sb, log: log.With("component", "api")}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tree", a.tree)
		r.Post("/reload", a.reload)
		r.Get("/viewport", a.viewport)
		r.Post("/groups/{id}/visibility", a.groupVisibility)
		r.Route("/layers/{id}", func(r chi.Router) {
			r.Post("/visibility", a.layerVisibility)
			r.Post("/zoom", a.zoom)
			r.Post("/table", a.table)
			r.Get("/filter", a.getFilter)
			r.Put("/filter", a.putFilter)
			r.Delete("/filter", a.deleteFilter)
		})
	})
}

func (a *api) tree(w http.ResponseWriter, _ *http.Request) {
	nodes, err := a.sb.Tree()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (a *api) reload(w http.ResponseWriter, r *http.Request) {
	if err := a.sb.Reload(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	a.tree(w, r)
}

func (a *api) viewport(w http.ResponseWriter, _ *http.Request) {
	vp, err := a.sb.Viewport()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vp)
}

type visibilityBody struct {
	Visible *bool `json:"visible"`
}

func (a *api) layerVisibility(w http.ResponseWriter, r *http.Request) {
	a.visibility(w, r, a.sb.SetLayerVisible)
}

func (a *api) groupVisibility(w http.ResponseWriter, r *http.Request) {
	a.visibility(w, r, a.sb.SetGroupVisible)
}

func (a *api) visibility(w http.ResponseWriter, r *http.Request, set func(context.Context, string, *bool) (bool, error)) {
	var body visibilityBody
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	got, err := set(r.Context(), id, body.Visible)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "visible": got})
}

func (a *api) zoom(w http.ResponseWriter, r *http.Request) {
	if err := a.sb.ZoomToLayer(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) table(w http.ResponseWriter, r *http.Request) {
	if err := a.sb.ShowDataTable(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) getFilter(w http.ResponseWriter, r *http.Request) {
	v, err := a.sb.FilterView(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type filterBody struct {
	Expression json.RawMessage `json:"expression"`
	Min        *float64        `json:"min"`
	Max        *float64        `json:"max"`
	TextMin    *string         `json:"text_min"`
	TextMax    *string         `json:"text_max"`
	Op         *string         `json:"op"`
	Text       *string         `json:"text"`
}

// ParseFilterBody maps a PUT body onto a filter request. An explicit null
// expression clears the filter.
func ParseFilterBody(raw []byte) (sidebar.FilterRequest, error) {
	var b filterBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return sidebar.FilterRequest{}, fmt.Errorf("decode body: %w", err)
	}
	forms := 0
	if len(b.Expression) > 0 {
		forms++
	}
	if b.Min != nil || b.Max != nil {
		forms++
	}
	if b.TextMin != nil || b.TextMax != nil {
		forms++
	}
	if b.Op != nil || b.Text != nil {
		forms++
	}
	if forms != 1 {
		return sidebar.FilterRequest{}, errors.New(`body needs exactly one of "expression", "min"/"max", "text_min"/"text_max" or "op"/"text"`)
	}

	switch {
	case len(b.Expression) > 0:
		expr, err := model.ParseExpression(b.Expression)
		if err != nil {
			return sidebar.FilterRequest{}, fmt.Errorf("expression: %w", err)
		}
		return sidebar.FilterRequest{Expression: expr}, nil
	case b.Min != nil || b.Max != nil:
		if b.Min == nil || b.Max == nil {
			return sidebar.FilterRequest{}, errors.New(`"min" and "max" must be given together`)
		}
		return sidebar.FilterRequest{Min: b.Min, Max: b.Max}, nil
	case b.Op != nil || b.Text != nil:
		if b.Op == nil || b.Text == nil {
			return sidebar.FilterRequest{}, errors.New(`"op" and "text" must be given together`)
		}
		op := model.Operator(*b.Op)
		if !op.Valid() {
			return sidebar.FilterRequest{}, fmt.Errorf("unknown operator %q", *b.Op)
		}
		return sidebar.FilterRequest{Op: op, Text: b.Text}, nil
	default:
		return sidebar.FilterRequest{TextMin: b.TextMin, TextMax: b.TextMax}, nil
	}
}

func (a *api) putFilter(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := ParseFilterBody(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := a.sb.ApplyFilter(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) deleteFilter(w http.ResponseWriter, r *http.Request) {
	v, err := a.sb.ClearFilter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// StatusOf maps sidebar and upstream errors to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, sidebar.ErrUnknownLayer),
		errors.Is(err, sidebar.ErrUnknownGroup),
		errors.Is(err, sidebar.ErrNotFilterable):
		return http.StatusNotFound
	case errors.Is(err, filter.ErrSuperseded),
		errors.Is(err, sidebar.ErrNoBounds):
		return http.StatusConflict
	case errors.Is(err, sidebar.ErrNotLoaded),
		errors.Is(err, sidebar.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (a *api) fail(w http.ResponseWriter, err error) {
	code := StatusOf(err)
	if code >= http.StatusInternalServerError {
		a.log.Warn("map service request failed", "status", code, "err", err)
	}
	writeError(w, code, err)
}

func decodeOptional(r *http.Request, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
