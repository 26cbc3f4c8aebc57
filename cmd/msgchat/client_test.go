package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDirectLine(t *testing.T) *httptest.Server {
	t.Helper()
	var posted []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/directline/tokens/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "user-token"})
	})
	mux.HandleFunc("POST /v3/directline/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": "bad token"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"conversationId": "c1", "token": "conv-token"})
	})
	mux.HandleFunc("POST /v3/directline/conversations/c1/activities", func(w http.ResponseWriter, r *http.Request) {
		var a activity
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		posted = append(posted, a.Text)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "a1"})
	})
	mux.HandleFunc("GET /v3/directline/conversations/c1/activities", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watermark") == "2" {
			json.NewEncoder(w).Encode(map[string]any{"activities": []any{}, "watermark": "2"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"activities": []map[string]any{
				{"type": "message", "id": "a1", "from": map[string]string{"id": "cli-user"}, "text": "hi"},
				{"type": "message", "id": "a2", "from": map[string]string{"id": "bot", "name": "Bot"}, "text": "hello"},
			},
			"watermark": "2",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientConversation(t *testing.T) {
	srv := fakeDirectLine(t)
	c := newClient(srv.URL+"/", "cli-user")
	ctx := context.Background()

	require.NoError(t, c.start(ctx))
	assert.Equal(t, "c1", c.conversation)
	assert.Equal(t, "conv-token", c.token)

	require.NoError(t, c.post(ctx, "hi"))

	acts, err := c.poll(ctx)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "hello", acts[0].Text)
	assert.Equal(t, "2", c.watermark)

	acts, err = c.poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func TestClientReportsServerErrors(t *testing.T) {
	srv := fakeDirectLine(t)
	c := newClient(srv.URL, "cli-user")
	c.token = "wrong"
	err := c.do(context.Background(), http.MethodPost, "/conversations", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401 unauthorized: bad token")
}
