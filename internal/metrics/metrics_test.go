package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/accounts/{accountID}/portfolio", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	ok := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/accounts/{accountID}/portfolio", "418")
	unmatched := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	beforeOK, beforeUnmatched := testutil.ToFloat64(ok), testutil.ToFloat64(unmatched)

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/"+id+"/portfolio", nil))
		assert.Equal(t, http.StatusTeapot, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere/at/all", nil))

	assert.Equal(t, beforeOK+3, testutil.ToFloat64(ok))
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	_, _, err := sw.Hijack()
	assert.Error(t, err)
}
