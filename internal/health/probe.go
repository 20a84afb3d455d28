package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"devtimeline/internal/errclass"
)

// Prober polls an HTTP health endpoint.
type Prober struct {
	Client  *http.Client
	Retries int
	Delay   time.Duration
}

// NewProber creates a Prober. A nil client gets a 2s timeout client; zero
// retries or delay take 5 and 2s.
func NewProber(client *http.Client, retries int, delay time.Duration) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	if retries <= 0 {
		retries = 5
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Prober{Client: client, Retries: retries, Delay: delay}
}

// Probe GETs url until it answers 200 with a healthy or degraded status, trying
// Retries times with Delay between attempts. It returns
// errclass.ErrHealthProbeFailed wrapping the last failure.
func (p *Prober) Probe(ctx context.Context, url string) error {
	var lastErr error
	for attempt := 1; attempt <= p.Retries; attempt++ {
		if lastErr = p.once(ctx, url); lastErr == nil {
			return nil
		}
		if attempt == p.Retries {
			break
		}

		select {
		case <-ctx.Done():
			return errclass.ErrHealthProbeFailed.WithMessagef("probe %s", url).Wrap(ctx.Err())
		case <-time.After(p.Delay):
		}
	}
	return errclass.ErrHealthProbeFailed.WithMessagef("probe %s after %d attempts", url, p.Retries).Wrap(lastErr)
}

func (p *Prober) once(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Status Status `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != StatusHealthy && body.Status != StatusDegraded {
		return fmt.Errorf("status %q", body.Status)
	}
	return nil
}
