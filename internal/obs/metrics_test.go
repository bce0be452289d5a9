package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/users/abc":                      "/v1/users/:id",
		"/v1/orders/42":                      "/v1/orders/:id",
		"/v1/orders/42?expand=1":             "/v1/orders/:id",
		"/v1/orders/42/items":                "/v1/orders/:id/items",
		"/v1/users/":                         "/v1/users/",
		"/v1/auth/login":                     "/v1/auth/login",
		"/v1/admin/revocations":              "/v1/admin/revocations",
		"/v1/auth/logout-all?x=1":            "/v1/auth/logout-all",
		"/v1/admin/principals/p-1/roles/ops": "/v1/admin/principals/:id/roles/:id",
		"/v1/admin/principals/p-1/revoke":    "/v1/admin/principals/:id/revoke",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestRecordAuthDecision(t *testing.T) {
	before := testutil.ToFloat64(authDecisions.WithLabelValues("deny", "token_missing"))
	RecordAuthDecision("deny", "token_missing")
	after := testutil.ToFloat64(authDecisions.WithLabelValues("deny", "token_missing"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by one, got %v -> %v", before, after)
	}
}

func TestInstrumentCountsCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/orders/:id", "418")
	before := testutil.ToFloat64(counter)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/orders/7", nil))

	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("expected one request recorded, got %v -> %v", before, got)
	}
}
