package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paylance/escrowd/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRunner struct {
	report *reconciliation.Report
	err    error
}

func (s *stubRunner) RunAll(ctx context.Context) (*reconciliation.Report, error) {
	return s.report, s.err
}

type stubLoop struct{ running bool }

func (s *stubLoop) Running() bool { return s.running }

func newTestRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func TestAdminRequiresToken(t *testing.T) {
	router := newTestRouter(NewHandler("secret"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/stats", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestAdminStats(t *testing.T) {
	h := NewHandler("secret").
		WithSweeper(&stubLoop{running: true}).
		WithReconciliationLoop(&stubLoop{running: false})
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["sweeperRunning"] != true {
		t.Errorf("expected sweeperRunning true, got %v", resp["sweeperRunning"])
	}
	if resp["reconciliationRunning"] != false {
		t.Errorf("expected reconciliationRunning false, got %v", resp["reconciliationRunning"])
	}
}

func TestAdminTriggerReconciliation(t *testing.T) {
	runner := &stubRunner{report: &reconciliation.Report{Healthy: true}}
	router := newTestRouter(NewHandler("secret").WithReconciler(runner))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/reconcile", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Report reconciliation.Report `json:"report"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Report.Healthy {
		t.Error("expected healthy report in response")
	}
}

func TestAdminReconcileNotConfigured(t *testing.T) {
	router := newTestRouter(NewHandler("secret"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/reconcile", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
