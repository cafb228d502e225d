package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpFile.Name()})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cacheImpl := cache.NewLRUCache(100, 0)
	t.Cleanup(func() { cacheImpl.Close() })

	busImpl := bus.NewChannelBus(100)
	t.Cleanup(func() { busImpl.Close() })

	registry := detect.NewRegistry()
	if err := detect.RegisterBuiltins(registry); err != nil {
		t.Fatalf("failed to register builtins: %v", err)
	}
	compiler, err := detect.NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	cfg := domain.DefaultScoringConfig()
	cfg.MinAlertTier = domain.TierLow
	engine := detect.NewEngine(registry, cfg.MaxWorkers, cfg.MethodTimeout)
	manager, err := alerts.NewManager(cfg, repo, busImpl)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	runner := pipeline.NewRunner(cfg, repo, cacheImpl, busImpl, engine, manager)

	return NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, repo, cacheImpl, busImpl, runner, manager, registry, compiler, "test")
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func apiEntities(n int) []domain.FeatureVector {
	entities := make([]domain.FeatureVector, n)
	for i := 0; i < n-1; i++ {
		entities[i] = domain.FeatureVector{
			EntityID: domain.EntityID(fmt.Sprintf("acct-%03d", i)),
			Numeric: map[string]float64{
				"amount": 100 + float64(i%5)*4,
				"count":  30 + float64(i%3),
			},
			Categorical: map[string]string{
				"region":  []string{"emea", "apac"}[i%2],
				"channel": "web",
			},
		}
	}
	entities[n-1] = domain.FeatureVector{
		EntityID:    "acct-outlier",
		Numeric:     map[string]float64{"amount": 40000, "count": 700},
		Categorical: map[string]string{"region": "amer", "channel": "wire"},
	}
	return entities
}

func createDataset(t *testing.T, srv *Server, id string, n int) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/datasets", DatasetRequest{
		ID:       id,
		Name:     "api-test",
		Entities: apiEntities(n),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("dataset creation failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health map[string]string
	decode(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", health["status"])
	}
	if health["version"] != "test" {
		t.Errorf("expected version 'test', got %s", health["version"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /ready, got %d", rec.Code)
	}
}

func TestDatasetEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	t.Run("Create", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/datasets", DatasetRequest{
			ID:       "ds-1",
			Name:     "first",
			Entities: apiEntities(12),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var out map[string]any
		decode(t, rec, &out)
		if out["id"] != "ds-1" {
			t.Errorf("expected id ds-1, got %v", out["id"])
		}
	})

	t.Run("CreateGeneratesID", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/datasets", DatasetRequest{
			Name:     "anonymous",
			Entities: apiEntities(12),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
		var out map[string]any
		decode(t, rec, &out)
		if out["id"] == "" || out["id"] == nil {
			t.Error("expected generated dataset ID")
		}
	})

	t.Run("RejectsEmptyEntities", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/datasets", DatasetRequest{Name: "empty"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("RejectsAnonymousEntity", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/datasets", DatasetRequest{
			Name:     "bad",
			Entities: []domain.FeatureVector{{Numeric: map[string]float64{"a": 1}}},
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/datasets/ds-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var ds domain.Dataset
		decode(t, rec, &ds)
		if ds.ID != "ds-1" || len(ds.Entities) != 12 {
			t.Errorf("unexpected dataset: %s with %d entities", ds.ID, len(ds.Entities))
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/datasets/nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestRunEndpoints(t *testing.T) {
	srv := setupTestServer(t)
	createDataset(t, srv, "ds-run", 20)

	t.Run("RejectsMissingDataset", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/runs", domain.RunRequest{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("RejectsUnknownPolicy", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/runs", domain.RunRequest{DatasetID: "ds-run", Policy: "bogus"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("UnknownDatasetIs404", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/runs", domain.RunRequest{DatasetID: "ghost"})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	var runID string

	t.Run("Execute", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/runs", domain.RunRequest{DatasetID: "ds-run"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var result domain.RunResult
		decode(t, rec, &result)
		if !result.Success {
			t.Fatalf("run failed: %s", result.Error)
		}
		if len(result.AlertIDs) == 0 {
			t.Fatal("expected alerts from the run")
		}
		runID = result.ID
	})

	t.Run("GetRun", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/runs/"+runID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var result domain.RunResult
		decode(t, rec, &result)
		if result.ID != runID {
			t.Errorf("expected run %s, got %s", runID, result.ID)
		}
	})

	t.Run("GetRunMissing", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/runs/nope", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("FatalRunIs422", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/runs", domain.RunRequest{
			DatasetID: "ds-run",
			Policy:    domain.PolicyStacking,
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rec.Code)
		}
		var out struct {
			Error string            `json:"error"`
			Run   *domain.RunResult `json:"run"`
		}
		decode(t, rec, &out)
		if out.Error == "" {
			t.Error("expected error message")
		}
		if out.Run == nil || out.Run.Success {
			t.Error("expected the recorded failed run attached")
		}
	})
}

func TestQueueAndAlertEndpoints(t *testing.T) {
	srv := setupTestServer(t)
	createDataset(t, srv, "ds-alerts", 20)

	rec := doJSON(t, srv, http.MethodPost, "/runs", domain.RunRequest{DatasetID: "ds-alerts"})
	if rec.Code != http.StatusOK {
		t.Fatalf("run failed: %d %s", rec.Code, rec.Body.String())
	}

	var queued struct {
		Alerts   []*domain.Alert `json:"alerts"`
		Count    int             `json:"count"`
		Capacity int             `json:"capacity"`
	}

	t.Run("Queue", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/queue", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		decode(t, rec, &queued)
		if queued.Count == 0 {
			t.Fatal("expected a populated queue")
		}
		if queued.Capacity != 500 {
			t.Errorf("expected capacity 500, got %d", queued.Capacity)
		}
		if queued.Alerts[0].EntityID != "acct-outlier" {
			t.Errorf("expected outlier on top, got %s", queued.Alerts[0].EntityID)
		}
		for i := 1; i < len(queued.Alerts); i++ {
			if queued.Alerts[i].Score > queued.Alerts[i-1].Score {
				t.Fatal("queue not ordered by score descending")
			}
		}
	})

	t.Run("ListAlerts", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/alerts", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var out struct {
			Alerts []*domain.Alert `json:"alerts"`
			Count  int             `json:"count"`
		}
		decode(t, rec, &out)
		if out.Count != queued.Count {
			t.Errorf("open alerts (%d) should match queue (%d)", out.Count, queued.Count)
		}
	})

	t.Run("GetAlert", func(t *testing.T) {
		id := queued.Alerts[0].ID
		rec := doJSON(t, srv, http.MethodGet, "/alerts/"+id, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var alert domain.Alert
		decode(t, rec, &alert)
		if alert.ID != id || alert.Narrative == "" {
			t.Errorf("unexpected alert: %+v", alert)
		}

		rec = doJSON(t, srv, http.MethodGet, "/alerts/KES-999999", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("Transition", func(t *testing.T) {
		id := queued.Alerts[0].ID

		rec := doJSON(t, srv, http.MethodPost, "/alerts/"+id+"/status", TransitionRequest{
			Status: domain.AlertUnderReview,
			Actor:  "analyst",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var alert domain.Alert
		decode(t, rec, &alert)
		if alert.Status != domain.AlertUnderReview {
			t.Errorf("expected UnderReview, got %s", alert.Status)
		}

		// The alert left the Open queue.
		var after struct {
			Count int `json:"count"`
		}
		qrec := doJSON(t, srv, http.MethodGet, "/queue", nil)
		decode(t, qrec, &after)
		if after.Count != queued.Count-1 {
			t.Errorf("expected queue to shrink to %d, got %d", queued.Count-1, after.Count)
		}
	})

	t.Run("TransitionValidation", func(t *testing.T) {
		id := queued.Alerts[0].ID

		rec := doJSON(t, srv, http.MethodPost, "/alerts/"+id+"/status", TransitionRequest{Status: domain.AlertClosed})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("missing actor should be 400, got %d", rec.Code)
		}

		rec = doJSON(t, srv, http.MethodPost, "/alerts/KES-999999/status", TransitionRequest{
			Status: domain.AlertClosed,
			Actor:  "analyst",
		})
		if rec.Code != http.StatusNotFound {
			t.Errorf("missing alert should be 404, got %d", rec.Code)
		}

		// Close it, then try to reopen: terminal states reject changes.
		doJSON(t, srv, http.MethodPost, "/alerts/"+id+"/status", TransitionRequest{
			Status: domain.AlertClosed,
			Actor:  "analyst",
		})
		rec = doJSON(t, srv, http.MethodPost, "/alerts/"+id+"/status", TransitionRequest{
			Status: domain.AlertOpen,
			Actor:  "analyst",
		})
		if rec.Code != http.StatusConflict {
			t.Errorf("illegal transition should be 409, got %d", rec.Code)
		}
	})

	t.Run("Audit", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/audit?limit=500", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var out struct {
			Entries []*domain.AuditEntry `json:"entries"`
			Count   int                  `json:"count"`
		}
		decode(t, rec, &out)
		if out.Count == 0 {
			t.Fatal("expected audit entries from the run and transitions")
		}

		actions := make(map[string]bool)
		for _, e := range out.Entries {
			actions[e.Action] = true
		}
		if !actions[domain.AuditAlertCreated] || !actions[domain.AuditStatusChanged] {
			t.Errorf("audit log missing expected actions: %v", actions)
		}

		rec = doJSON(t, srv, http.MethodGet, "/audit?since=not-a-time", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("malformed since should be 400, got %d", rec.Code)
		}

		future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
		rec = doJSON(t, srv, http.MethodGet, "/audit?since="+future, nil)
		decode(t, rec, &out)
		if out.Count != 0 {
			t.Errorf("expected no entries after future cutoff, got %d", out.Count)
		}
	})
}

func TestMethodEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	t.Run("List", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/methods", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var out struct {
			Methods []MethodInfo `json:"methods"`
			Count   int          `json:"count"`
		}
		decode(t, rec, &out)
		if out.Count != 9 {
			t.Errorf("expected 9 built-in methods, got %d", out.Count)
		}
	})

	t.Run("CreateRejectsInvalidExpression", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/methods", domain.MethodSpec{
			Name:       "broken",
			Expression: `f["a" >`,
			Enabled:    true,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("CreateRejectsBuiltinCollision", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/methods", domain.MethodSpec{
			Name:       "zscore_rms",
			Expression: `f["a"] > 1.0`,
			Enabled:    true,
		})
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/methods", domain.MethodSpec{
			Name:       "round_amounts",
			Expression: `f["amount"] > 9000.0`,
			Weight:     1.5,
			Enabled:    true,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		rec = doJSON(t, srv, http.MethodPost, "/methods/reload", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("reload failed: %d", rec.Code)
		}

		rec = doJSON(t, srv, http.MethodGet, "/methods", nil)
		var out struct {
			Methods []MethodInfo `json:"methods"`
			Count   int          `json:"count"`
		}
		decode(t, rec, &out)
		if out.Count != 10 {
			t.Errorf("expected 10 methods after reload, got %d", out.Count)
		}

		found := false
		for _, m := range out.Methods {
			if m.Name == "round_amounts" {
				found = true
				if m.Category != domain.CategoryExpression {
					t.Errorf("expected expression category, got %s", m.Category)
				}
			}
		}
		if !found {
			t.Error("reloaded method not listed")
		}
	})
}
