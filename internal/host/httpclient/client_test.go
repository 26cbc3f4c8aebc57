package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/host"
)

type countObserver struct{ codes []string }

func (o *countObserver) ObserveHTTP(_, code string) { o.codes = append(o.codes, code) }

func TestSendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		assert.Equal(t, `{"a":1}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	obs := &countObserver{}
	c := New(zap.NewNop(), WithPlainHTTP(), WithObserver(obs))
	resp, err := c.Send(context.Background(), host.Request{
		Method:  "POST",
		URL:     srv.URL + "/x",
		Headers: []envelope.Header{{Name: "Authorization", Value: "Bearer t"}},
		Body:    []byte(`{"a":1}`),
	}, host.DefaultOptions(1000), nil)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header("content-type"))
	assert.Equal(t, []string{"2xx"}, obs.codes)
}

func TestSendDeniesPlainHTTP(t *testing.T) {
	c := New(zap.NewNop())
	_, err := c.Send(context.Background(), host.Request{Method: "GET", URL: "http://example.com"}, nil, nil)
	assert.Equal(t, host.CodeDenied, host.CodeOf(err))
}

func TestSendRejectsBadURLAndHosts(t *testing.T) {
	c := New(zap.NewNop(), WithDenyHosts("metadata.internal"))
	_, err := c.Send(context.Background(), host.Request{Method: "GET", URL: "::"}, nil, nil)
	assert.Equal(t, host.CodeInvalid, host.CodeOf(err))
	_, err = c.Send(context.Background(), host.Request{Method: "GET", URL: "https://metadata.internal/x"}, nil, nil)
	assert.Equal(t, host.CodeDenied, host.CodeOf(err))
}

func TestSendTooLarge(t *testing.T) {
	c := New(zap.NewNop())
	_, err := c.Send(context.Background(), host.Request{Method: "POST", URL: "https://example.com", Body: make([]byte, host.MaxBody+1)}, nil, nil)
	assert.Equal(t, host.CodeTooLarge, host.CodeOf(err))
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithPlainHTTP())
	_, err := c.Send(context.Background(), host.Request{Method: "GET", URL: srv.URL}, host.DefaultOptions(50), nil)
	require.Error(t, err)
	assert.Equal(t, host.CodeTimeout, host.CodeOf(err))
}

func TestSendNoRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/start") {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.Write([]byte("end"))
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithPlainHTTP())
	follow := false
	opts := host.DefaultOptions(1000)
	opts.FollowRedirects = &follow
	resp, err := c.Send(context.Background(), host.Request{Method: "GET", URL: srv.URL + "/start"}, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)

	resp, err = c.Send(context.Background(), host.Request{Method: "GET", URL: srv.URL + "/start"}, host.DefaultOptions(1000), nil)
	require.NoError(t, err)
	assert.Equal(t, "end", string(resp.Body))
}
