package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInitMetricsIdempotent(t *testing.T) {
	// Registering twice must not panic.
	InitMetrics()
	InitMetrics()
}

func TestTimeSessionOp(t *testing.T) {
	InitMetrics()

	var err error
	done := TimeSessionOp("memory", "create", time.Now())
	done(&err)

	err = errors.New("boom")
	done = TimeSessionOp("memory", "create", time.Now())
	done(&err)
}

func TestMetricsHandlerServes(t *testing.T) {
	InitMetrics()
	RecordSessionOp("memory", "get", "ok", 5*time.Millisecond)
	RecordSessionReconciliation("memory")
	RecordSweptSessions("club-admin", 2, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected metrics output")
	}
}
