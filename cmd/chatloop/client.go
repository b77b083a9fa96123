package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/protocol"
	"github.com/martinemde/chatloop/record"
	"github.com/martinemde/chatloop/server"
)

// apiClient talks to a chatloop server.
type apiClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func newAPIClient(baseURL string, logger *slog.Logger) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
	}
}

// apiError is the error body returned by the server.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error.Message)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func (c *apiClient) createSession(ctx context.Context, title string) (*record.Session, error) {
	var sess record.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *apiClient) getSession(ctx context.Context, id string) (*record.Session, error) {
	var sess record.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *apiClient) stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/stop", nil, nil)
}

// stream posts a chat message and calls fn for each event until the end of
// the stream. Malformed events are logged and skipped.
func (c *apiClient) stream(ctx context.Context, chat server.ChatRequest, fn func(agentloop.Event)) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	dec := protocol.NewDecoder(resp.Body, c.logger)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		fn(ev)
	}
}
