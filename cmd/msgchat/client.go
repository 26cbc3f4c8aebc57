package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const directLine = "/v3/directline"

type account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type activity struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	From *account `json:"from,omitempty"`
	Text string   `json:"text"`
}

// client speaks the Direct Line subset msghost serves for webchat.
type client struct {
	base         string
	user         string
	http         *http.Client
	token        string
	conversation string
	watermark    string
}

func newClient(server, user string) *client {
	return &client{
		base: strings.TrimRight(server, "/") + directLine,
		user: user,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Code    string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("%d %s: %s", resp.StatusCode, e.Code, e.Message)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// start obtains a user token and opens a conversation bound to it.
func (c *client) start(ctx context.Context) error {
	var tok struct {
		Token string `json:"token"`
	}
	in := map[string]any{"user": account{ID: c.user}}
	if err := c.do(ctx, http.MethodPost, "/tokens/generate", in, &tok); err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	c.token = tok.Token

	var conv struct {
		ConversationID string `json:"conversationId"`
		Token          string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, &conv); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	c.conversation, c.token = conv.ConversationID, conv.Token
	return nil
}

func (c *client) post(ctx context.Context, text string) error {
	act := activity{Type: "message", From: &account{ID: c.user}, Text: text}
	return c.do(ctx, http.MethodPost, "/conversations/"+c.conversation+"/activities", act, nil)
}

// poll returns the activities after the last watermark that the user did
// not send.
func (c *client) poll(ctx context.Context) ([]activity, error) {
	path := "/conversations/" + c.conversation + "/activities"
	if c.watermark != "" {
		path += "?watermark=" + c.watermark
	}
	var set struct {
		Activities []activity `json:"activities"`
		Watermark  string     `json:"watermark"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &set); err != nil {
		return nil, err
	}
	c.watermark = set.Watermark
	var out []activity
	for _, a := range set.Activities {
		if a.Type == "message" && (a.From == nil || a.From.ID != c.user) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *client) watch(ctx context.Context, every time.Duration, show func(activity)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			acts, err := c.poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					printError("Poll failed: %v", err)
				}
				continue
			}
			for _, a := range acts {
				show(a)
			}
		}
	}
}
