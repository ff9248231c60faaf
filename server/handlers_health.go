package server

import (
	"context"
	"errors"
	"net/http"
)

// HandleHealthz answers liveness checks; it only reports that the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the configured backing services.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"pool", func(context.Context) error {
			if h.deps.Pool == nil {
				return errors.New("stream pool not initialised")
			}
			select {
			case <-h.ctx.Done():
				return errors.New("shutting down")
			default:
				return nil
			}
		}},
		{"database", func(ctx context.Context) error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(ctx)
		}},
		{"redis", func(ctx context.Context) error {
			if h.deps.Redis == nil {
				return nil
			}
			return h.deps.Redis.Ping(ctx).Err()
		}},
	}

	for _, check := range checks {
		if err := check.fn(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "streams": h.deps.Pool.Len()})
}
