package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mcerruti/jobwatchd/internal/config"
	"github.com/mcerruti/jobwatchd/internal/dispatch"
	"github.com/mcerruti/jobwatchd/internal/observability"
	"github.com/mcerruti/jobwatchd/internal/reliability"
	"github.com/mcerruti/jobwatchd/internal/store"
	"github.com/mcerruti/jobwatchd/internal/wire"
)

// Dispatcher is the slice of the worker dispatcher the HTTP layer needs.
type Dispatcher interface {
	Call(ctx context.Context, callType wire.CallType, payload any) (json.RawMessage, error)
	Capability() dispatch.CapabilityState
	AwaitCapability(ctx context.Context) (bool, error)
	Phase() dispatch.Phase
	SubscribeProgress(handler func(wire.ProgressEvent)) func()
}

type Server struct {
	cfg        config.Config
	dispatcher Dispatcher
	apps       store.Store
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, dispatcher Dispatcher, apps store.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		apps:       apps,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so a random website cannot watch extraction
				// progress if the daemon is ever exposed beyond localhost.
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

	r.Post("/v1/extract", s.handleExtract)
	r.Get("/v1/capability", s.handleCapability)
	r.Get("/v1/progress/ws", s.handleProgressWS)
	r.Get("/v1/stats", s.handleStats)

	r.Post("/v1/applications", s.handleCreateApplication)
	r.Get("/v1/applications", s.handleListApplications)
	r.Get("/v1/applications/{id}", s.handleGetApplication)
	r.Put("/v1/applications/{id}", s.handleUpdateApplication)
	r.Patch("/v1/applications/{id}", s.handleUpdateApplication)
	r.Delete("/v1/applications/{id}", s.handleDeleteApplication)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"worker_phase": string(s.dispatcher.Phase()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	phase := s.dispatcher.Phase()
	if phase == dispatch.PhaseFaulted {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":       "worker_faulted",
			"worker_phase": string(phase),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"worker_phase": string(phase),
	})
}

type extractRequest struct {
	Text string `json:"text"`
	Save bool   `json:"save,omitempty"`
}

type extractResponse struct {
	wire.ExtractResult
	Application *store.Application `json:"application,omitempty"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ExtractCallTimeout())
	defer cancel()

	raw, err := s.dispatcher.Call(ctx, wire.TypeExtract, wire.ExtractRequest{Text: req.Text})
	if err != nil {
		respondDispatchError(w, err)
		return
	}

	var result wire.ExtractResult
	if err := json.Unmarshal(raw, &result); err != nil {
		respondError(w, http.StatusBadGateway, "bad_worker_result", err.Error())
		return
	}

	resp := extractResponse{ExtractResult: result}
	if req.Save {
		app, err := s.apps.Save(r.Context(), store.Application{
			Company:    result.Company,
			Position:   result.Position,
			Location:   result.Location,
			Salary:     result.Salary,
			URL:        result.URL,
			Confidence: result.Confidence,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
			return
		}
		resp.Application = &app
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	wait := strings.TrimSpace(r.URL.Query().Get("wait"))
	if wait == "1" || strings.EqualFold(wait, "true") {
		available, err := s.dispatcher.AwaitCapability(r.Context())
		if err != nil {
			respondDispatchError(w, err)
			return
		}
		state := dispatch.CapabilityAvailable
		if !available {
			state = dispatch.CapabilityUnavailable
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"state":     string(state),
			"available": available,
		})
		return
	}

	state := s.dispatcher.Capability()
	respondJSON(w, http.StatusOK, map[string]any{
		"state":     string(state),
		"available": state == dispatch.CapabilityAvailable,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan wire.ProgressEvent, 64)
	unsubscribe := s.dispatcher.SubscribeProgress(func(ev wire.ProgressEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	// Reader pump exists only to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var app store.Application
	if err := decodeJSON(r, &app); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(app.Company) == "" && strings.TrimSpace(app.Position) == "" {
		respondError(w, http.StatusBadRequest, "missing_fields", "company or position is required")
		return
	}
	app.ID = ""
	saved, err := s.apps.Save(r.Context(), app)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := s.cfg.ListDefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	apps, err := s.apps.List(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := s.apps.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var app store.Application
	if err := decodeJSON(r, &app); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	app.ID = id
	updated, err := s.apps.Update(r.Context(), app)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.apps.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "application not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func respondDispatchError(w http.ResponseWriter, err error) {
	var werr *dispatch.WorkerError
	switch {
	case errors.As(err, &werr):
		respondJSON(w, http.StatusBadGateway, workerErrorResponse{
			Error:     werr.Message,
			Code:      werr.Code,
			Retryable: reliability.IsRetryableWorkerCode(werr.Code),
		})
	case errors.Is(err, dispatch.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "worker did not respond in time")
	case errors.Is(err, dispatch.ErrTransportSend):
		respondError(w, http.StatusServiceUnavailable, "transport_send_failed", err.Error())
	case errors.Is(err, dispatch.ErrWorkerFaulted):
		respondError(w, http.StatusServiceUnavailable, "worker_faulted", err.Error())
	case errors.Is(err, dispatch.ErrWorkerTerminated):
		respondError(w, http.StatusServiceUnavailable, "worker_terminated", err.Error())
	case errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		respondError(w, http.StatusBadGateway, "worker_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type workerErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
