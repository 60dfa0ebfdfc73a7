// Package webhook implements a notifier.Notifier that POSTs intents to a
// configured HTTP endpoint, guarded by a circuit breaker.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/BotForge/internal/port/notifier"
	"github.com/Strob0t/BotForge/internal/resilience"
)

const providerName = "webhook"

const requestTimeout = 10 * time.Second

// Notifier delivers notification intents as JSON POSTs.
type Notifier struct {
	url        string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewNotifier creates a webhook notifier for the given endpoint URL.
func NewNotifier(url string, breaker *resilience.Breaker) *Notifier {
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    breaker,
	}
}

func (n *Notifier) Name() string { return providerName }

// Notify POSTs the intent. A non-2xx response counts as a delivery failure
// toward the breaker.
func (n *Notifier) Notify(ctx context.Context, intent notifier.Intent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	return n.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-BotForge-Event", string(intent.Kind))

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("webhook post: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}
