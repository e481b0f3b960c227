package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://worker.internal/extract", "worker.internal"},
		{"standard https", "https://Worker.example.com/path", "worker.example.com"},
		{"no scheme", "worker.example.com/path", "worker.example.com"},
		{"host with port", "localhost:8000", "localhost"},
		{"ip address", "10.0.0.7", "10.0.0.7"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if webhookEventsTotal == nil || busSubscribers == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(webhookEventsTotal.WithLabelValues("progress", "applied"))
	ObserveWebhookEvent("progress", "applied")
	if val := testutil.ToFloat64(webhookEventsTotal.WithLabelValues("progress", "applied")); val != before+1 {
		t.Errorf("expected webhook counter to grow by 1, got %f -> %f", before, val)
	}
}

func TestBusGauges(t *testing.T) {
	before := testutil.ToFloat64(busSubscribers)
	AddBusSubscribers(2)
	AddBusSubscribers(-1)
	if val := testutil.ToFloat64(busSubscribers); val != before+1 {
		t.Errorf("expected subscriber gauge %f, got %f", before+1, val)
	}

	beforeWorker := testutil.ToFloat64(workerInvocationsTotal.WithLabelValues("worker.internal", "ok"))
	ObserveWorkerInvocation("http://worker.internal:8000", "ok")
	if val := testutil.ToFloat64(workerInvocationsTotal.WithLabelValues("worker.internal", "ok")); val != beforeWorker+1 {
		t.Errorf("expected worker invocation counter to grow, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://worker.internal", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
