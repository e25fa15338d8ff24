package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/voxnote/voxnote/internal/config"
)

func testCloudConfig(endpoint string) config.CloudConfig {
	return config.CloudConfig{
		Endpoint:       endpoint,
		Model:          "whisper-1",
		Language:       "",
		APIKey:         "test-key",
		ConnectTimeout: 2000,
		RequestTimeout: 5000,
	}
}

func writeCloudRecording(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.wav")
	if err := os.WriteFile(path, make([]byte, 200), 0o644); err != nil {
		t.Fatalf("write recording: %v", err)
	}
	return path
}

func TestCloudInitializeRequiresCredential(t *testing.T) {
	cfg := testCloudConfig("https://example.invalid")
	cfg.APIKey = ""
	p := newCloudProvider(cfg, testLogger(), nil)
	if err := p.Initialize(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}

	cfg.APIKey = "k"
	p = newCloudProvider(cfg, testLogger(), nil)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
}

func TestCloudProcessFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("unexpected model field: %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("expected default language en, got %q", got)
		}
		if got := r.FormValue("response_format"); got != "text" {
			t.Errorf("unexpected response_format: %q", got)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file field: %v", err)
		}
		_, _ = w.Write([]byte("pick up dry cleaning\n"))
	}))
	defer server.Close()

	var events []Result
	p := newCloudProvider(testCloudConfig(server.URL), testLogger(), func(r Result) { events = append(events, r) })

	result, err := p.ProcessFile(context.Background(), writeCloudRecording(t))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Text != "pick up dry cleaning" || !result.Final {
		t.Fatalf("unexpected result: %+v", result)
	}
	// Exactly one final stream event, matching the returned value.
	if len(events) != 1 || events[0] != result {
		t.Fatalf("expected one matching stream event, got %v", events)
	}
}

func TestCloudMissingFileDistinctFromNetworkFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	var events []Result
	p := newCloudProvider(testCloudConfig(server.URL), testLogger(), func(r Result) { events = append(events, r) })

	_, err := p.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "gone.wav"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file-not-found cause, got %v", err)
	}
	if strings.Contains(err.Error(), "cloud transcription request") {
		t.Fatalf("missing file must not be reported as a network failure: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("no request should be issued for a missing file")
	}
	if len(events) != 0 {
		t.Fatalf("no stream event expected on failure, got %v", events)
	}
}

func TestCloudHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	var events []Result
	p := newCloudProvider(testCloudConfig(server.URL), testLogger(), func(r Result) { events = append(events, r) })

	_, err := p.ProcessFile(context.Background(), writeCloudRecording(t))
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("expected status in error, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("no stream event expected on failure, got %v", events)
	}
}

func TestCloudConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := server.URL
	server.Close() // nothing listening anymore

	p := newCloudProvider(testCloudConfig(endpoint), testLogger(), nil)
	_, err := p.ProcessFile(context.Background(), writeCloudRecording(t))
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !strings.Contains(err.Error(), "cloud transcription request") {
		t.Fatalf("expected network-failure cause, got %v", err)
	}
}

func TestCloudDetailedTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("unexpected response_format: %q", got)
		}
		_ = json.NewEncoder(w).Encode(DetailedTranscript{
			Text:     "hello world",
			Language: "en",
			Duration: 1.5,
			Segments: []Segment{
				{ID: 0, Start: 0, End: 0.7, Text: "hello"},
				{ID: 1, Start: 0.7, End: 1.5, Text: "world"},
			},
		})
	}))
	defer server.Close()

	p := newCloudProvider(testCloudConfig(server.URL), testLogger(), nil)
	detailed, err := p.ProcessFileDetailed(context.Background(), writeCloudRecording(t))
	if err != nil {
		t.Fatalf("detailed: %v", err)
	}
	if detailed.Text != "hello world" || len(detailed.Segments) != 2 {
		t.Fatalf("unexpected detailed transcript: %+v", detailed)
	}
	if detailed.Segments[1].Start != 0.7 {
		t.Fatalf("unexpected segment timing: %+v", detailed.Segments[1])
	}
}
