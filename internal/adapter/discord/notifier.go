// Package discord implements a notifier.Notifier for Discord webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/BotForge/internal/port/notifier"
)

const providerName = "discord"

const requestTimeout = 10 * time.Second

// Embed colors, Discord decimal RGB.
const (
	colorRed    = 15158332
	colorOrange = 15105570
	colorBlue   = 3447003
)

// Notifier delivers notification intents to a Discord webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Discord notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

func (n *Notifier) Name() string { return providerName }

// discordWebhook is the Discord webhook payload with embeds.
type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// Notify posts the intent as a single embed.
func (n *Notifier) Notify(ctx context.Context, intent notifier.Intent) error {
	embed := discordEmbed{
		Title:       intent.Title,
		Description: intent.Body,
		Color:       kindColor(intent.Kind),
	}
	if intent.RunID != "" {
		embed.Footer = &discordFooter{Text: fmt.Sprintf("Run %s", intent.RunID)}
	}

	body, err := json.Marshal(discordWebhook{Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord API %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func kindColor(kind notifier.Kind) int {
	switch kind {
	case notifier.KindRunFailed, notifier.KindRunTimedOut:
		return colorRed
	case notifier.KindHitlEscalated, notifier.KindHitlExpired:
		return colorOrange
	default:
		return colorBlue
	}
}
