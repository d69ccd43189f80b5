package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"coachflow/internal/queue"
)

// WaitReady blocks until the rest of the system looks up, so a freshly
// started worker does not race the main process's schema creation. It
// polls the health endpoint when one is configured, otherwise it probes
// the store directly.
func WaitReady(ctx context.Context, healthURL string, store queue.Store, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for {
		var err error
		if healthURL != "" {
			err = probeHealth(ctx, client, healthURL)
		} else {
			_, err = store.ListRecent(ctx, 1)
		}
		if err == nil {
			log.Info().Msg("readiness check passed")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("readiness wait timed out: %w", err)
		}
		log.Debug().Err(err).Msg("not ready yet")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func probeHealth(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
