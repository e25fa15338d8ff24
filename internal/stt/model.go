package stt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// ModelCache acquires the on-device acoustic model once and hands the
// local path to every session afterwards. First acquisition may download
// and can take tens of seconds; it is never repeated for the lifetime of
// the cache, including across provider switches away and back.
type ModelCache struct {
	path   string
	url    string
	client *http.Client
	log    *slog.Logger

	mu       sync.Mutex
	resolved string
}

func NewModelCache(path, url string, log *slog.Logger) *ModelCache {
	return &ModelCache{
		path:   path,
		url:    url,
		client: http.DefaultClient,
		log:    log.With(slog.String("component", "stt-model-cache")),
	}
}

// Ensure returns the local model path, downloading it on first use when a
// model URL is configured.
func (m *ModelCache) Ensure(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resolved != "" {
		return m.resolved, nil
	}
	if _, err := os.Stat(m.path); err == nil {
		m.resolved = m.path
		return m.resolved, nil
	}
	if m.url == "" {
		return "", fmt.Errorf("%w: not found at %s and no model_url configured", ErrModelUnavailable, m.path)
	}

	if err := m.download(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	m.resolved = m.path
	return m.resolved, nil
}

func (m *ModelCache) download(ctx context.Context) error {
	m.log.Info("downloading on-device model", slog.String("url", m.url), slog.String("path", m.path))

	dir := filepath.Dir(m.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model dir: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch model: status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(dir, "model_*.part")
	if err != nil {
		return fmt.Errorf("temp model file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("finalize model file: %w", err)
	}

	m.log.Info("on-device model ready", slog.String("path", m.path))
	return nil
}
