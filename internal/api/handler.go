package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	runner   *pipeline.Runner
	manager  *alerts.Manager
	registry *detect.Registry
	compiler *detect.Compiler
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, runner *pipeline.Runner, manager *alerts.Manager, registry *detect.Registry, compiler *detect.Compiler, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		runner:   runner,
		manager:  manager,
		registry: registry,
		compiler: compiler,
		version:  version,
	}
}

// DatasetRequest is the request body for POST /datasets.
type DatasetRequest struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Entities []domain.FeatureVector `json:"entities"`

	QualityScore float64 `json:"qualityScore,omitempty"`
}

// CreateDataset handles POST /datasets: registers a cleansed feature
// table for later scoring runs.
func (h *Handler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req DatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if len(req.Entities) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "entities is required and must be non-empty",
		})
		return
	}
	for i, fv := range req.Entities {
		if fv.EntityID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "entity " + strconv.Itoa(i) + " has no entityId",
			})
			return
		}
	}

	ds := &domain.Dataset{
		ID:           req.ID,
		Name:         req.Name,
		Entities:     req.Entities,
		QualityScore: req.QualityScore,
		CreatedAt:    time.Now().UTC(),
	}
	if ds.ID == "" {
		ds.ID = uuid.New().String()
	}

	if err := h.repo.SaveDataset(r.Context(), ds); err != nil {
		slog.Error("failed to save dataset", "id", ds.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save dataset",
		})
		return
	}

	slog.Info("dataset registered", "id", ds.ID, "entities", len(ds.Entities))
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       ds.ID,
		"entities": len(ds.Entities),
	})
}

// GetDataset retrieves a dataset by ID.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ds, err := h.repo.GetDataset(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "dataset not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get dataset", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load dataset",
		})
		return
	}

	writeJSON(w, http.StatusOK, ds)
}

// CreateRun handles POST /runs: executes a scoring run synchronously
// and returns its result. A fatal input condition yields 422 with the
// recorded (failed) run attached; per-method failures still return 200.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.DatasetID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "datasetId is required",
		})
		return
	}
	if req.Policy != "" && !domain.KnownPolicy(req.Policy) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown fusion policy: " + req.Policy,
		})
		return
	}

	result, err := h.runner.Run(r.Context(), &req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{
			"error": err.Error(),
			"run":   result,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetRun retrieves a run result, consulting the cache first.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.cache != nil {
		if run, err := h.cache.GetRun(ctx, id); err == nil && run != nil {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}

	run, err := h.repo.GetRun(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "run not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get run", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load run",
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// GetQueue returns the ordered investigation queue.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	items := h.manager.QueueSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":   items,
		"count":    len(items),
		"capacity": h.manager.QueueCapacity(),
	})
}

// ListAlerts returns alerts in one lifecycle status (Open by default).
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := domain.AlertStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.AlertOpen
	}

	list, err := h.repo.ListAlertsByStatus(r.Context(), status)
	if err != nil {
		slog.Error("failed to list alerts", "status", status, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	alert, err := h.repo.GetAlert(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get alert", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load alert",
		})
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// TransitionRequest is the request body for POST /alerts/{id}/status.
type TransitionRequest struct {
	Status domain.AlertStatus `json:"status"`
	Actor  string             `json:"actor"`
}

// TransitionAlert applies a status change through the output manager so
// it is audited.
func (h *Handler) TransitionAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Status == "" || req.Actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status and actor are required",
		})
		return
	}

	alert, err := h.manager.Transition(r.Context(), id, req.Status, req.Actor)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}
	if err != nil {
		status := http.StatusConflict
		if !strings.Contains(err.Error(), "illegal status transition") {
			status = http.StatusInternalServerError
			slog.Error("failed to transition alert", "id", id, "error", err)
		}
		writeJSON(w, status, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ListAudit returns audit entries at or after the since parameter.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	entries, err := h.repo.ListAudit(r.Context(), since, limit)
	if err != nil {
		slog.Error("failed to list audit entries", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list audit entries",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// MethodInfo is the read view of a registered detection method.
type MethodInfo struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Matrix        string  `json:"matrix"`
	Weight        float64 `json:"weight"`
	Threshold     float64 `json:"threshold"`
	MinPopulation int     `json:"minPopulation,omitempty"`
}

// ListMethods returns every registered detection method.
func (h *Handler) ListMethods(w http.ResponseWriter, r *http.Request) {
	registered := h.registry.List()
	infos := make([]MethodInfo, len(registered))
	for i, m := range registered {
		infos[i] = MethodInfo{
			Name:          m.Name,
			Category:      m.Category,
			Matrix:        string(m.Kind),
			Weight:        m.Weight,
			Threshold:     m.Threshold,
			MinPopulation: m.MinPopulation,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"methods": infos,
		"count":   len(infos),
	})
}

// CreateMethod validates and persists an expression method.
// Call POST /methods/reload to load it into the registry.
func (h *Handler) CreateMethod(w http.ResponseWriter, r *http.Request) {
	var spec domain.MethodSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if spec.Name == "" || spec.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and expression are required",
		})
		return
	}
	if m, _ := h.registry.Get(spec.Name); m != nil && m.Category != domain.CategoryExpression {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "name collides with a built-in method",
		})
		return
	}
	spec.Category = domain.CategoryExpression

	if err := h.compiler.Validate(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveMethodSpec(r.Context(), &spec); err != nil {
		slog.Error("failed to save method spec", "name", spec.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save method",
		})
		return
	}

	slog.Info("expression method created", "name", spec.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"method":  spec,
		"message": "Method created. Call POST /methods/reload to apply changes.",
	})
}

// ReloadMethods recompiles every stored expression method into the
// registry. Built-in methods are untouched.
func (h *Handler) ReloadMethods(w http.ResponseWriter, r *http.Request) {
	specs, err := h.repo.ListMethodSpecs(r.Context())
	if err != nil {
		slog.Error("failed to list method specs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load methods from database",
		})
		return
	}

	compiled, err := h.compiler.CompileAll(specs)
	if err != nil {
		slog.Error("failed to compile method specs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compile methods: " + err.Error(),
		})
		return
	}

	h.registry.ReloadExpressions(compiled)

	slog.Info("expression methods reloaded", "count", len(compiled))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "methods reloaded successfully",
		"count":   len(compiled),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
