package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/plexsphere/devlink/internal/history"
	"github.com/plexsphere/devlink/internal/linkstate"
	"github.com/plexsphere/devlink/internal/orchestrator"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	CurrentState() linkstate.State
	Lock() linkstate.Lock
	Start(kind linkstate.OperationKind) (*orchestrator.Operation, error)
	Subscribe(fn orchestrator.Observer) (unsubscribe func())
}

// HistoryReader lists journal entries, newest first.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// StateResponse is the response for GET /v1/state.
type StateResponse struct {
	State linkstate.State `json:"state"`
	Lock  linkstate.Lock  `json:"lock"`
}

// OperationResponse is the response for POST /v1/connect and /v1/disconnect.
type OperationResponse struct {
	Kind      linkstate.OperationKind `json:"kind"`
	StartedAt time.Time               `json:"started_at"`
	Deadline  time.Time               `json:"deadline"`
	State     *linkstate.State        `json:"state,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the local status API routes.
type Handler struct {
	ctrl         Controller
	journal      HistoryReader
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewHandler creates a Handler. journal may be nil when journaling is off.
func NewHandler(ctrl Controller, journal HistoryReader, pingInterval time.Duration, logger *slog.Logger) *Handler {
	if pingInterval <= 0 {
		pingInterval = DefaultWatchPingInterval
	}
	return &Handler{
		ctrl:         ctrl,
		journal:      journal,
		pingInterval: pingInterval,
		logger:       logger.With("component", "statusapi"),
	}
}

// Router returns the chi router. control guards the mutating routes.
func (h *Handler) Router(control func(http.Handler) http.Handler) chi.Router {
	if control == nil {
		control = passthrough
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", h.handleGetState)
		r.Get("/history", h.handleGetHistory)
		r.Get("/watch", h.handleWatch)

		r.Group(func(r chi.Router) {
			r.Use(control)
			r.Post("/connect", h.handleOperation(linkstate.KindConnect))
			r.Post("/disconnect", h.handleOperation(linkstate.KindDisconnect))
		})
	})
	return r
}

func (h *Handler) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		State: h.ctrl.CurrentState(),
		Lock:  h.ctrl.Lock(),
	})
}

// handleOperation starts kind. Unless wait=false is given, it blocks until
// the operation finishes. A client that goes away stops only the wait.
func (h *Handler) handleOperation(kind linkstate.OperationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait := true
		if v := r.URL.Query().Get("wait"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid wait parameter")
				return
			}
			wait = b
		}

		op, err := h.ctrl.Start(kind)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		resp := OperationResponse{
			Kind:      op.Kind,
			StartedAt: op.StartedAt,
			Deadline:  op.Deadline,
		}
		if !wait {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}

		if err := op.Wait(r.Context()); err != nil {
			if r.Context().Err() != nil {
				h.logger.Debug("client stopped waiting", "kind", kind)
				return
			}
			writeOperationError(w, err)
			return
		}
		st := h.ctrl.CurrentState()
		resp.State = &st
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}
	entries, err := h.journal.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// StatusCode maps an operation error to an HTTP status.
func StatusCode(err error) int {
	var ioErr *orchestrator.TransientIOError
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyInProgress),
		errors.Is(err, orchestrator.ErrConflictingState):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrOperationTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ioErr):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeOperationError(w http.ResponseWriter, err error) {
	writeError(w, StatusCode(err), err.Error())
}

func passthrough(next http.Handler) http.Handler { return next }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
