package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewServer(t *testing.T) {
	s := NewServer(":0")
	if s.Addr() != ":0" {
		t.Errorf("Addr() = %q before Start, want %q", s.Addr(), ":0")
	}
}

func TestServerWithCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLookupMetricsWithRegistry(reg)
	m.LookupCompleted("topic", "ok", 0.002)
	m.LookupCompleted("topic", "too_many_requests", 0.0001)

	s := NewServerWithRegistry(":0", reg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	if !strings.Contains(s.Addr(), ":") || s.Addr() == ":0" {
		t.Errorf("Addr() = %q, expected bound host:port", s.Addr())
	}

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, expected text/plain", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	for _, want := range []string{
		"placement_lookup_latency_seconds",
		"placement_lookup_requests_total",
		`outcome="too_many_requests"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}

func TestServer_Close(t *testing.T) {
	s := NewServerWithRegistry(":0", prometheus.NewRegistry())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := s.Addr()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := http.Get("http://" + addr + "/metrics"); err == nil {
		t.Error("expected error after server close")
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	s := NewServer(":0")
	if err := s.Close(); err != nil {
		t.Errorf("Close on unstarted server returned error: %v", err)
	}
}

func TestServer_StartBindError(t *testing.T) {
	s := NewServerWithRegistry("256.0.0.1:bad", prometheus.NewRegistry())
	if err := s.Start(); err == nil {
		s.Close()
		t.Fatal("expected bind error")
	}
}
