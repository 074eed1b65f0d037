package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/neodock/neodock/internal/metrics"
	"github.com/neodock/neodock/pkg/logging"
)

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		target string
		header string
		want   int
	}{
		{name: "header", apiKey: "s3cret", target: "/instances", header: "s3cret", want: http.StatusOK},
		{name: "query param", apiKey: "s3cret", target: "/instances?api_key=s3cret", want: http.StatusOK},
		{name: "header wins over query", apiKey: "s3cret", target: "/instances?api_key=s3cret", header: "nope", want: http.StatusUnauthorized},
		{name: "missing", apiKey: "s3cret", target: "/instances", want: http.StatusUnauthorized},
		{name: "wrong", apiKey: "s3cret", target: "/instances", header: "s3cre", want: http.StatusUnauthorized},
		{name: "auth disabled", apiKey: "", target: "/instances", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(APIKeyAuth(tt.apiKey))
			router.GET("/instances", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(w.Body.String(), "UNAUTHORIZED") {
				t.Errorf("body = %s, want UNAUTHORIZED code", w.Body.String())
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "echoes caller id", incoming: "req-42", keep: true},
		{name: "generates when absent", incoming: ""},
		{name: "replaces oversized id", incoming: strings.Repeat("x", 129)},
		{name: "keeps id at the limit", incoming: strings.Repeat("y", 128), keep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			router := gin.New()
			router.Use(RequestID())
			router.GET("/ping", func(c *gin.Context) {
				seen = logging.RequestID(c.Request.Context())
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest("GET", "/ping", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			if got == "" {
				t.Fatal("response carries no request id")
			}
			if tt.keep && got != tt.incoming {
				t.Errorf("request id = %q, want %q", got, tt.incoming)
			}
			if !tt.keep && (got == tt.incoming || len(got) > 128) {
				t.Errorf("request id = %q, want a generated id", got)
			}
			if seen != got {
				t.Errorf("context request id = %q, header = %q", seen, got)
			}
		})
	}
}

func observations(t *testing.T, m *metrics.Collector, method, path, status string) uint64 {
	t.Helper()
	var out dto.Metric
	obs := m.HTTPRequestDuration.WithLabelValues(method, path, status)
	if err := obs.(prometheus.Metric).Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return out.GetHistogram().GetSampleCount()
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	m := metrics.NewCollector()

	router := gin.New()
	router.Use(RequestID(), RequestLogger(logging.NewWriter(&buf, "debug", "json"), m))
	router.GET("/instances/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest("GET", "/instances/neodock-test-7f3a", nil)
	req.Header.Set(RequestIDHeader, "trace-1")
	router.ServeHTTP(httptest.NewRecorder(), req)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nowhere/at/all", nil))

	if got := observations(t, m, "GET", "/instances/:id", "200"); got != 1 {
		t.Errorf("route template observations = %d, want 1", got)
	}
	if got := observations(t, m, "GET", "unmatched", "404"); got != 1 {
		t.Errorf("unmatched observations = %d, want 1", got)
	}
	if got := observations(t, m, "GET", "/instances/neodock-test-7f3a", "200"); got != 0 {
		t.Errorf("raw path was used as a label %d times", got)
	}

	logs := buf.String()
	for _, want := range []string{`"path":"/instances/:id"`, `"path":"unmatched"`, "trace-1"} {
		if !strings.Contains(logs, want) {
			t.Errorf("log output missing %s:\n%s", want, logs)
		}
	}
	if strings.Contains(logs, "neodock-test-7f3a") {
		t.Errorf("log output leaked raw path:\n%s", logs)
	}
}

func TestRequestLogger_NilCollector(t *testing.T) {
	router := gin.New()
	router.Use(RequestLogger(logging.Nop(), nil))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
