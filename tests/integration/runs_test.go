//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
)

func postJSON(t *testing.T, path string, body map[string]any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(testServer.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRunDispatchLifecycle(t *testing.T) {
	cleanRuns(t)

	// 1. Create a run against the seeded compiled bot.
	resp := postJSON(t, "/api/v1/runs", map[string]any{
		"bot_id": testBotID,
		"inputs": map[string]any{"invoice_id": 41},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	created := decodeBody[map[string]any](t, resp)
	runID, _ := created["id"].(string)
	if runID == "" {
		t.Fatal("create: missing run id")
	}
	if created["status"] != "queued" {
		t.Fatalf("create: status = %v, want queued", created["status"])
	}
	if created["bot_version_id"] != testVersionID {
		t.Fatalf("create: version = %v, want seeded latest", created["bot_version_id"])
	}

	// 2. Fetch it back.
	getResp, err := http.Get(testServer.URL + "/api/v1/runs/" + runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", getResp.StatusCode)
	}
	got := decodeBody[map[string]any](t, getResp)
	if got["status"] != "queued" {
		t.Fatalf("get: status = %v, want queued", got["status"])
	}

	// 3. It shows up in the queued listing.
	listResp, err := http.Get(testServer.URL + "/api/v1/runs?status=queued")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	listing := decodeBody[struct {
		Runs  []map[string]any `json:"runs"`
		Count int              `json:"count"`
	}](t, listResp)
	if listing.Count != 1 {
		t.Fatalf("list: count = %d, want 1", listing.Count)
	}

	// 4. Cancel removes it from the queue.
	cancelResp := postJSON(t, "/api/v1/runs/"+runID+"/cancel", map[string]any{"reason": "obsolete"})
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", cancelResp.StatusCode)
	}
	cancelled := decodeBody[map[string]any](t, cancelResp)
	if cancelled["status"] != "cancelled" {
		t.Fatalf("cancel: status = %v, want cancelled", cancelled["status"])
	}

	// 5. A second cancel conflicts with the terminal state.
	again := postJSON(t, "/api/v1/runs/"+runID+"/cancel", map[string]any{})
	defer func() { _ = again.Body.Close() }()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", again.StatusCode)
	}

	// 6. The cancellation is on the persisted timeline.
	evResp, err := http.Get(testServer.URL + "/api/v1/runs/" + runID + "/events")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	events := decodeBody[struct {
		Events []map[string]any `json:"events"`
	}](t, evResp)
	found := false
	for _, ev := range events.Events {
		if ev["type"] == "run.cancelled" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected run.cancelled on the timeline, got %d events", len(events.Events))
	}
}

func TestRunNotFound(t *testing.T) {
	resp, err := http.Get(testServer.URL + "/api/v1/runs/99999999-9999-9999-9999-999999999999")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// cleanRuns resets run state between tests but keeps the seeded bot.
func cleanRuns(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	for _, table := range []string{"run_queue", "run_events", "run_logs", "hitl_requests", "runs"} {
		if _, err := testPool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
}
