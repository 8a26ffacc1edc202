package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/atelier/internal/aggregate"
	"github.com/ent0n29/atelier/internal/config"
	"github.com/ent0n29/atelier/internal/modstate"
	"github.com/ent0n29/atelier/internal/observability"
	"github.com/ent0n29/atelier/internal/protocol"
	"github.com/ent0n29/atelier/internal/statestore"
)

const maxBodyBytes = 8 << 20

type Server struct {
	cfg      config.Config
	state    *statestore.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	degraded bool
	upgrader websocket.Upgrader
}

type Options struct {
	Metrics *observability.Metrics
	Logger  *zap.Logger
	// Degraded is set when the configured durable backend could not be
	// opened and state lives in memory only.
	Degraded bool
}

func New(cfg config.Config, state *statestore.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		state:    state,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		degraded: opts.Degraded,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may watch save status.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/autosave", s.handlePerfAutosave)
	r.Delete("/v1/perf/autosave", s.handleResetPerfAutosave)

	r.Route("/v1/modules", func(r chi.Router) {
		r.Get("/", s.handleListModules)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetModule)
			r.Delete("/", s.handleClearModule)
			r.Post("/settings", s.handlePushSettings)
			r.Post("/undo", s.handleUndo)
			r.Post("/redo", s.handleRedo)
			r.Post("/save", s.handleSaveCurrent)
			r.Post("/results", s.handleAddResult)
			r.Delete("/results/{recordID}", s.handleDeleteResult)
			r.Put("/aux/{key}", s.handleSetAuxiliary)
		})
	})

	r.Get("/v1/history", s.handleHistory)
	r.Delete("/v1/history", s.handleClearHistory)

	r.Get("/v1/flags/{key}", s.handleGetFlag)
	r.Put("/v1/flags/{key}", s.handleSetFlag)

	r.Get("/v1/autosave/status", s.handleAutosaveStatus)
	r.Get("/v1/autosave/ws", s.handleAutosaveWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.state.Mode(),
		"degraded":   s.degraded,
		"saving":     s.state.Saving(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.state.Mode(),
		"degraded":   s.degraded,
	})
}

type moduleSummary struct {
	ModuleID     string `json:"module_id"`
	HasState     bool   `json:"has_state"`
	HistoryLen   int    `json:"history_len"`
	HistoryIndex int    `json:"history_index"`
	CanUndo      bool   `json:"can_undo"`
	CanRedo      bool   `json:"can_redo"`
	Results      int    `json:"results"`
}

func summarize(id string, c modstate.Container, ok bool) moduleSummary {
	sum := moduleSummary{ModuleID: id, HasState: ok}
	if !ok {
		return sum
	}
	sum.HistoryLen = c.History.Len()
	sum.HistoryIndex = c.History.Index()
	sum.CanUndo = c.History.CanUndo()
	sum.CanRedo = c.History.CanRedo()
	sum.Results = c.Results.Len()
	return sum
}

func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	ids := s.state.Modules()
	out := make([]moduleSummary, 0, len(ids))
	for _, id := range ids {
		c, ok := s.state.Container(id)
		out = append(out, summarize(id, c, ok))
	}
	respondJSON(w, http.StatusOK, map[string]any{"modules": out})
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	c, ok, err := s.state.LoadContainer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "module_not_found", "module has no saved state")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleClearModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.state.ClearModule(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"module_id": id, "cleared": true})
}

func (s *Server) handlePushSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snapshot, err := modstate.ParseSettings(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	c, err := s.state.PushSettings(r.Context(), chi.URLParam(r, "id"), snapshot)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type navigationResponse struct {
	ModuleID string            `json:"module_id"`
	Settings modstate.Settings `json:"settings"`
	CanUndo  bool              `json:"can_undo"`
	CanRedo  bool              `json:"can_redo"`
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.navigate(w, r, s.state.Undo)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.navigate(w, r, s.state.Redo)
}

func (s *Server) navigate(w http.ResponseWriter, r *http.Request, move func(context.Context, string) (modstate.Settings, bool)) {
	id := chi.URLParam(r, "id")
	cur, ok := move(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, "module_not_found", "module has no settings history")
		return
	}
	c, _ := s.state.Container(id)
	respondJSON(w, http.StatusOK, navigationResponse{
		ModuleID: id,
		Settings: cur,
		CanUndo:  c.History.CanUndo(),
		CanRedo:  c.History.CanRedo(),
	})
}

func (s *Server) handleSaveCurrent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.state.SaveCurrent(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"module_id": id, "scheduled": true})
}

func (s *Server) handleAddResult(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := protocol.ParseResult(raw)
	if err != nil {
		code := "invalid_result"
		if errors.Is(err, protocol.ErrUnsupportedShape) {
			code = "unsupported_shape"
		}
		respondError(w, http.StatusBadRequest, code, err.Error())
		return
	}
	c, err := s.state.AddResult(r.Context(), chi.URLParam(r, "id"), res)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"record_id": res.RecordID(),
		"module":    summarize(c.ModuleID, c, true),
	})
}

func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recordID := chi.URLParam(r, "recordID")
	removed, err := s.state.DeleteResultRecord(r.Context(), id, recordID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "result_not_found", fmt.Sprintf("no result %q in module %q", recordID, id))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"module_id": id, "record_id": recordID, "removed": true})
}

func (s *Server) handleSetAuxiliary(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	value := json.RawMessage(raw)
	if strings.TrimSpace(string(raw)) == "null" {
		value = nil
	}
	c, err := s.state.SetAuxiliary(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "key"), value)
	if err != nil {
		if errors.Is(err, statestore.ErrInvalidModuleID) || errors.Is(err, statestore.ErrReservedKey) {
			respondStoreError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_auxiliary", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := aggregate.Query{
		Kind:     modstate.Kind(strings.TrimSpace(r.URL.Query().Get("kind"))),
		ModuleID: r.URL.Query().Get("module"),
	}
	if q.Kind != "" && !q.Kind.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_kind", fmt.Sprintf("unknown kind %q", q.Kind))
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	items := aggregate.Filter(s.state.AggregatedHistory(), q)
	respondJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.state.ClearAll(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	raw, ok, err := s.state.Flag(r.Context(), key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "flag_not_set", fmt.Sprintf("flag %q is not set", key))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"key": key, "value": raw})
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	raw, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !json.Valid(raw) {
		respondError(w, http.StatusBadRequest, "invalid_flag", "flag value must be JSON")
		return
	}
	if err := s.state.SetFlag(r.Context(), key, raw); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"key": key, "value": json.RawMessage(raw)})
}

func (s *Server) handleAutosaveStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, protocol.NewSaveStatusEvent(s.state.SaveStatus(), s.state.Mode(), s.degraded))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errEmptyBody
	}
	return raw, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, statestore.ErrInvalidModuleID):
		respondError(w, http.StatusBadRequest, "invalid_module_id", err.Error())
	case errors.Is(err, statestore.ErrReservedKey):
		respondError(w, http.StatusBadRequest, "reserved_module_id", err.Error())
	case errors.Is(err, statestore.ErrNotFound):
		respondError(w, http.StatusNotFound, "module_not_found", err.Error())
	case errors.Is(err, statestore.ErrUnknownFlag):
		respondError(w, http.StatusNotFound, "unknown_flag", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}
