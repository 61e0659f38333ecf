package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultWebhookTimeout    = 5 * time.Second
	defaultWebhookMaxElapsed = 30 * time.Second
)

type Delivery struct {
	URL        string
	Secret     string
	Event      string
	DeliveryID string
	ProjectID  string
	Body       []byte
}

// WebhookPoster POSTs JSON payloads and retries transient failures with exponential backoff.
// 4xx responses other than 429 are not retried.
type WebhookPoster struct {
	Client     *http.Client
	MaxElapsed time.Duration
}

func (p WebhookPoster) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: defaultWebhookTimeout}
}

func (p WebhookPoster) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = defaultWebhookMaxElapsed
	if p.MaxElapsed > 0 {
		bo.MaxElapsedTime = p.MaxElapsed
	}
	return bo
}

func (p WebhookPoster) Post(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("webhook url required")
	}
	client := p.client()
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if d.Event != "" {
			req.Header.Set("X-Flowdesk-Event", d.Event)
		}
		if d.DeliveryID != "" {
			req.Header.Set("X-Flowdesk-Delivery", d.DeliveryID)
		}
		if d.ProjectID != "" {
			req.Header.Set("X-Flowdesk-Project", d.ProjectID)
		}
		if strings.TrimSpace(d.Secret) != "" {
			req.Header.Set("X-Flowdesk-Secret", d.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}, backoff.WithContext(p.newBackoff(), ctx))
}
