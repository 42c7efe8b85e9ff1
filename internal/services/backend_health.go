package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/models"
)

// BackendHealth is the proxy's last known view of the backend. It is
// advisory only; nothing gates traffic on it.
type BackendHealth struct {
	url string

	mu        sync.RWMutex
	reachable bool
	checkedAt time.Time
	lastErr   string
}

// NewBackendHealth creates a health record for the backend at url.
func NewBackendHealth(url string) *BackendHealth {
	return &BackendHealth{url: url}
}

// MarkReachable records that the backend answered.
func (h *BackendHealth) MarkReachable() {
	h.mu.Lock()
	if !h.reachable {
		logger.Infof("✅ backend %s is reachable", h.url)
	}
	h.reachable = true
	h.checkedAt = time.Now().UTC()
	h.lastErr = ""
	h.mu.Unlock()
}

// MarkUnreachable records a failed attempt to reach the backend.
func (h *BackendHealth) MarkUnreachable(err error) {
	h.mu.Lock()
	if h.reachable {
		logger.Warnf("⚠️ backend %s became unreachable: %v", h.url, err)
	}
	h.reachable = false
	h.checkedAt = time.Now().UTC()
	if err != nil {
		h.lastErr = err.Error()
	}
	h.mu.Unlock()
}

// Status returns a copy of the current view.
func (h *BackendHealth) Status() models.BackendStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return models.BackendStatus{
		URL:       h.url,
		Reachable: h.reachable,
		CheckedAt: h.checkedAt,
		LastError: h.lastErr,
	}
}

// Probe issues one GET against the backend base URL. Any HTTP response
// counts as reachable; only transport errors mark it down.
func (h *BackendHealth) Probe(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		h.MarkUnreachable(err)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		h.MarkUnreachable(err)
		return false
	}
	_ = resp.Body.Close()
	h.MarkReachable()
	return true
}

// Watch probes the backend every interval until ctx is done, so /health
// stays meaningful while no client is streaming.
func (h *BackendHealth) Watch(ctx context.Context, interval time.Duration, client *http.Client) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Probe(ctx, client)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			h.Probe(probeCtx, client)
			cancel()
		}
	}
}
