package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Service != "voice-turns" {
		t.Errorf("Expected service 'voice-turns', got '%s'", status.Service)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	failing := func(ctx context.Context) (bool, error) { return false, errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]HealthCheckFunc
		want   int
	}{
		{"all healthy", map[string]HealthCheckFunc{"stt": ok, "reply": ok}, http.StatusOK},
		{"one failing", map[string]HealthCheckFunc{"stt": ok, "reply": failing}, http.StatusServiceUnavailable},
		{"no checks", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}

			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if len(status.Dependencies) != len(tt.checks) {
				t.Errorf("Expected %d dependencies, got %d", len(tt.checks), len(status.Dependencies))
			}
			if dep, found := status.Dependencies["reply"]; found && dep.Status == "unhealthy" && dep.Message != "connection refused" {
				t.Errorf("Expected failure message to be reported, got '%s'", dep.Message)
			}
		})
	}
}
