package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.CollectAndCount(httpDuration)

	req := httptest.NewRequest(http.MethodGet, "/api/campaigns/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.CollectAndCount(httpDuration); got != before+1 {
		t.Fatalf("series = %d, want %d", got, before+1)
	}

	// A second request to another id must land in the same series.
	req = httptest.NewRequest(http.MethodGet, "/api/campaigns/def", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	if got := testutil.CollectAndCount(httpDuration); got != before+1 {
		t.Fatalf("series = %d after second id, want %d", got, before+1)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}
