package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"pixelwatch/internal/config"
	"pixelwatch/internal/metrics"
	"pixelwatch/internal/model"
	"pixelwatch/internal/pixel"
	"pixelwatch/internal/pool"
	"pixelwatch/internal/scope"
	"pixelwatch/internal/worker"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Engine is the part of worker.Manager the HTTP layer uses.
type Engine interface {
	TrySubmit(ev model.Event) error
	Query(ctx context.Context, contextID string) (pixel.Snapshot, bool, error)
	Contexts(ctx context.Context) ([]pixel.Summary, error)
	Badge(ctx context.Context, contextID string) (pixel.Badge, error)
}

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	engine  Engine
	scope   *scope.Filter
	log     zerolog.Logger
}

func NewHandler(cfg config.Config, m *metrics.Metrics, e Engine, f *scope.Filter, log zerolog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		metrics: m,
		engine:  e,
		scope:   f,
		log:     log,
	}
}

// ingestResult is the body of POST /events responses.
type ingestResult struct {
	Accepted   int    `json:"accepted"`
	OutOfScope int    `json:"out_of_scope"`
	Error      string `json:"error,omitempty"`
}

// HandleEvents
//
// POST /events: the network side pushes lifecycle events, one JSON
// object or an array of them.
//
//  1. body capped at MaxBodySize (413)
//  2. malformed JSON or unknown kind rejects the whole post (400)
//  3. start events outside the scope filter are skipped
//  4. events go to the engine queue without blocking; a full queue
//     stops the post with 503, events before it stay accepted
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.GetBody()
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBodyTooLargeTotal, 1)
			h.log.Warn().Str("ip", clientIP(r)).Int64("limit", tooLarge.Limit).Msg("event post too large")
			writeJSON(w, http.StatusRequestEntityTooLarge, ingestResult{Error: "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ingestResult{Error: "read body: " + err.Error()})
		return
	}

	events, err := decodeEvents(buf.Bytes())
	if err != nil {
		h.log.Debug().Err(err).Str("ip", clientIP(r)).Msg("bad event post")
		writeJSON(w, http.StatusBadRequest, ingestResult{Error: err.Error()})
		return
	}

	var res ingestResult
	for _, ev := range events {
		if !h.scope.AllowsEvent(ev) {
			res.OutOfScope++
			atomic.AddInt64(&h.metrics.EventsOutOfScopeTotal, 1)
			continue
		}
		if err := h.engine.TrySubmit(ev); err != nil {
			res.Error = err.Error()
			h.log.Warn().Err(err).Int("accepted", res.Accepted).Int("posted", len(events)).Msg("event post rejected")
			writeJSON(w, http.StatusServiceUnavailable, res)
			return
		}
		res.Accepted++
	}

	writeJSON(w, http.StatusAccepted, res)
}

var errUnknownKind = errors.New("unknown event kind")

// decodeEvents accepts a single event object or an array.
func decodeEvents(body []byte) ([]model.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var events []model.Event
	if body[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
	} else {
		var ev model.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	for i := range events {
		if !events[i].Kind.Valid() {
			return nil, errUnknownKind
		}
		events[i].Type = events[i].Type.Normalize()
	}
	return events, nil
}

// HandleContexts: GET /contexts
func (h *Handler) HandleContexts(w http.ResponseWriter, r *http.Request) {
	sums, err := h.engine.Contexts(r.Context())
	if err != nil {
		h.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

// groupedSnapshot is a snapshot with its records grouped by pixel id.
type groupedSnapshot struct {
	ContextID string `json:"context_id"`
	pixel.Counters
	Badge  pixel.Badge        `json:"badge"`
	Groups []pixel.PixelGroup `json:"groups"`
}

// HandleContext: GET /contexts/{id}[?group=pixel]
// Unknown contexts answer with an empty snapshot, not 404.
func (h *Handler) HandleContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, _, err := h.engine.Query(r.Context(), id)
	if err != nil {
		h.engineError(w, err)
		return
	}

	if r.URL.Query().Get("group") == "pixel" {
		writeJSON(w, http.StatusOK, groupedSnapshot{
			ContextID: snap.ContextID,
			Counters:  snap.Counters,
			Badge:     snap.Badge,
			Groups:    snap.GroupByPixel(),
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// badgeView is the wire form of a badge.
type badgeView struct {
	ContextID string         `json:"context_id"`
	Label     string         `json:"label"`
	Severity  pixel.Severity `json:"severity"`
	Color     string         `json:"color,omitempty"`
}

func newBadgeView(contextID string, b pixel.Badge) badgeView {
	return badgeView{ContextID: contextID, Label: b.Label, Severity: b.Severity, Color: b.Color()}
}

// HandleBadge: GET /contexts/{id}/badge
func (h *Handler) HandleBadge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := h.engine.Badge(r.Context(), id)
	if err != nil {
		h.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBadgeView(id, b))
}

// HandleMetrics prints the plain counters.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

func (h *Handler) engineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, worker.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
