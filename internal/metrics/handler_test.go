package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func TestHandler(t *testing.T) {
	freshRegistry(t)

	// Initialize metrics
	m := InitMetrics("test")

	// Set some values
	m.Uploads.WithLabelValues("success").Add(3)
	m.StreamsWaiting.Set(2)
	m.Connections.WithLabelValues("client").Inc()

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "application/openmetrics-text") {
		t.Errorf("Unexpected content type: %s", contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	expectedMetrics := []string{
		"chunkvault_uploads_total",
		"chunkvault_streams_waiting",
		"chunkvault_connections",
		"go_goroutines",       // Standard Go metrics
		"process_cpu_seconds", // Standard process metrics
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("Expected metric %s not found in response", metric)
		}
	}

	if !strings.Contains(bodyStr, `chunkvault_uploads_total{result="success",version="test"} 3`) {
		t.Error("Expected uploads_total with value 3")
	}
	if !strings.Contains(bodyStr, `chunkvault_streams_waiting{version="test"} 2`) {
		t.Error("Expected streams_waiting with value 2")
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	// Should still return 200 OK
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}
