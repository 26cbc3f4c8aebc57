package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, h *Hub, route string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/"+route, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Listeners(route) == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestHubPushWithoutListeners(t *testing.T) {
	h := NewHub(nil, nil)
	err := h.Push(context.Background(), "lobby", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no listeners")
}

func TestHubDeliversToRoute(t *testing.T) {
	h := NewHub(nil, nil)
	conn := dialHub(t, h, "lobby")

	require.NoError(t, h.Push(context.Background(), "lobby", []byte(`{"text":"hi"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(data))

	require.Error(t, h.Push(context.Background(), "other", []byte(`{}`)))
}

func TestHubForwardsFrames(t *testing.T) {
	h := NewHub(nil, nil)
	got := make(chan string, 1)
	h.OnMessage(func(_ context.Context, route string, data []byte) {
		got <- route + ":" + string(data)
	})
	conn := dialHub(t, h, "lobby")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	select {
	case s := <-got:
		assert.Equal(t, "lobby:hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}
}

func TestHubLeavesOnClose(t *testing.T) {
	h := NewHub(nil, nil)
	conn := dialHub(t, h, "lobby")
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Listeners("lobby") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseDisconnects(t *testing.T) {
	h := NewHub(nil, nil)
	conn := dialHub(t, h, "lobby")

	h.Close()
	h.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return h.Listeners("lobby") == 0 }, time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com/"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))
	assert.True(t, originChecker([]string{"*"})(r))
}
