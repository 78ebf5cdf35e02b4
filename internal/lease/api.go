package lease

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/health"
	"github.com/piwi3910/nebulafaas/internal/metrics"
)

// RequestIDHeader carries the admin API request id.
const RequestIDHeader = "X-Request-Id"

// AdminAPI serves lease management over HTTP.
type AdminAPI struct {
	manager *Manager
	checker *health.Checker
}

// NewAdminAPI creates the admin API. checker may be nil, in which case one
// reporting the manager is created.
func NewAdminAPI(manager *Manager, checker *health.Checker) *AdminAPI {
	if checker == nil {
		checker = health.NewChecker()
		checker.Register("lease_manager", manager.Check)
	}

	return &AdminAPI{manager: manager, checker: checker}
}

// Router builds the HTTP handler.
func (a *AdminAPI) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health.NewHandler(a.checker).Mount(r)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/executors", a.ListExecutors)
		r.Route("/leases", func(r chi.Router) {
			r.Post("/", a.CreateLease)
			r.Get("/", a.ListLeases)
			r.Get("/{id}", a.GetLease)
			r.Delete("/{id}", a.ReleaseLease)
		})
	})

	return r
}

// requestID tags every request and response with a UUID unless the caller
// supplied one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		duration := time.Since(start)
		metrics.RecordAdminRequest(r.Method, route, ww.Status(), duration)

		log.Debug().
			Str("request_id", r.Header.Get(RequestIDHeader)).
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("duration", duration).
			Msg("Admin request")
	})
}

// CreateLease handles POST /v1/leases.
func (a *AdminAPI) CreateLease(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	l, err := a.manager.Create(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, l)
}

// ListLeases handles GET /v1/leases. ?state=active filters by state.
func (a *AdminAPI) ListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := a.manager.List(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if state := State(r.URL.Query().Get("state")); state != "" {
		filtered := leases[:0]
		for _, l := range leases {
			if l.State == state {
				filtered = append(filtered, l)
			}
		}

		leases = filtered
	}

	if leases == nil {
		leases = []*Lease{}
	}

	writeJSON(w, http.StatusOK, leases)
}

// GetLease handles GET /v1/leases/{id}.
func (a *AdminAPI) GetLease(w http.ResponseWriter, r *http.Request) {
	id, ok := leaseID(w, r)
	if !ok {
		return
	}

	l, err := a.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// ReleaseLease handles DELETE /v1/leases/{id} and returns the final record.
func (a *AdminAPI) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	id, ok := leaseID(w, r)
	if !ok {
		return
	}

	l, err := a.manager.Release(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// ExecutorStatus is one executor in GET /v1/executors.
type ExecutorStatus struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Cores     int    `json:"cores"`
	FreeCores int    `json:"free_cores"`
}

// ListExecutors handles GET /v1/executors.
func (a *AdminAPI) ListExecutors(w http.ResponseWriter, r *http.Request) {
	free := a.manager.FreeCores()

	out := make([]ExecutorStatus, 0, len(a.manager.cfg.Executors))
	for _, e := range a.manager.cfg.Executors {
		out = append(out, ExecutorStatus{Name: e.Name, Address: e.Address, Cores: e.Cores, FreeCores: free[e.Name]})
	}

	writeJSON(w, http.StatusOK, out)
}

func leaseID(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 16)
	if err != nil || id == 0 {
		writeError(w, "Invalid lease id", http.StatusBadRequest)
		return 0, false
	}

	return uint16(id), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownExecutor):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrTooManyLeases), errors.Is(err, ErrAlreadyReleased):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
