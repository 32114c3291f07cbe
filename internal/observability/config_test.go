package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterMountsPprofOnlyWhenEnabled(t *testing.T) {
	for _, tc := range []struct {
		enabled bool
		want    int
	}{
		{enabled: false, want: http.StatusNotFound},
		{enabled: true, want: http.StatusOK},
	} {
		mux := http.NewServeMux()
		Register(mux, Config{EnablePprof: tc.enabled})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
		if rec.Code != tc.want {
			t.Fatalf("enabled=%v: expected status %d, got %d", tc.enabled, tc.want, rec.Code)
		}
	}
}
