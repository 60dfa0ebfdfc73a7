package discord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/BotForge/internal/port/notifier"
)

// Compile-time interface check.
var _ notifier.Notifier = (*Notifier)(nil)

func TestNotifySuccess(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Notify(context.Background(), notifier.Intent{
		Kind:  notifier.KindRunFailed,
		RunID: "run-9",
		Title: "Run failed",
		Body:  "invoice-sync exhausted its retries",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload discordWebhook
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(payload.Embeds))
	}
	if payload.Embeds[0].Color != colorRed {
		t.Errorf("color = %d, want red for a failed run", payload.Embeds[0].Color)
	}
	if payload.Embeds[0].Footer == nil || payload.Embeds[0].Footer.Text != "Run run-9" {
		t.Errorf("footer = %+v, want run id", payload.Embeds[0].Footer)
	}
}

func TestNotifyAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Notify(context.Background(), notifier.Intent{
		Kind:  notifier.KindHitlRequested,
		Title: "Approval needed",
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
}
