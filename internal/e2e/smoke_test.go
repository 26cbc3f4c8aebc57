//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("MSG_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// call sends body as JSON (when non-nil) and decodes the JSON reply into out.
func call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

func TestProvidersListed(t *testing.T) {
	var providers []struct {
		Name string `json:"name"`
	}
	if code := call(t, http.MethodGet, "/api/providers", "", nil, &providers); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	found := false
	for _, p := range providers {
		if p.Name == "dummy" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected dummy provider in %v", providers)
	}
}

func TestDescribeHasSchemaHash(t *testing.T) {
	var d struct {
		Provider   string `json:"provider"`
		SchemaHash string `json:"schema_hash"`
	}
	if code := call(t, http.MethodGet, "/api/providers/dummy/describe", "", nil, &d); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if len(d.SchemaHash) != 64 {
		t.Errorf("expected a sha256 schema hash, got %q", d.SchemaHash)
	}
}

func TestDummySend(t *testing.T) {
	req := map[string]any{
		"provider": "dummy",
		"message": map[string]any{
			"id":   "smoke-1",
			"text": "hello from the smoke test",
			"to":   []map[string]string{{"id": "smoke"}},
		},
	}
	var res struct {
		OK        bool   `json:"ok"`
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	}
	if code := call(t, http.MethodPost, "/api/send?tenant=smoke", "", req, &res); code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", code, res.Error)
	}
	if !res.OK || res.MessageID == "" {
		t.Errorf("expected a delivered message, got %+v", res)
	}
}

func TestDummyWebhook(t *testing.T) {
	resp, err := http.Post(baseURL+"/webhooks/dummy/smoke", "text/plain", strings.NewReader("ping"))
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func TestDirectLineConversation(t *testing.T) {
	var tok struct {
		Token string `json:"token"`
	}
	user := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	if code := call(t, http.MethodPost, "/v3/directline/tokens/generate", "", map[string]any{"user": map[string]string{"id": user}}, &tok); code != http.StatusOK {
		t.Fatalf("token: unexpected status %d", code)
	}

	var conv struct {
		ConversationID string `json:"conversationId"`
		Token          string `json:"token"`
	}
	if code := call(t, http.MethodPost, "/v3/directline/conversations", tok.Token, nil, &conv); code != http.StatusCreated {
		t.Fatalf("conversation: unexpected status %d", code)
	}

	path := "/v3/directline/conversations/" + conv.ConversationID + "/activities"
	if code := call(t, http.MethodPost, path, conv.Token, map[string]any{"type": "message", "text": "hi"}, nil); code != http.StatusCreated {
		t.Fatalf("activity: unexpected status %d", code)
	}

	var set struct {
		Activities []struct {
			Text string `json:"text"`
		} `json:"activities"`
	}
	if code := call(t, http.MethodGet, path, conv.Token, nil, &set); code != http.StatusOK {
		t.Fatalf("activities: unexpected status %d", code)
	}
	if len(set.Activities) == 0 || set.Activities[0].Text != "hi" {
		t.Errorf("expected the posted activity back, got %+v", set.Activities)
	}
}
