// Package didapi is the HTTP client for the remote talking-avatar service.
package didapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned when the remote service answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Status, e.Body)
}

// Client talks to the agents API of the remote service.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	logger   *slog.Logger
	attempts int
	minDelay time.Duration
	maxDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry sets the attempt bound and delay window of retried calls.
func WithRetry(attempts int, minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.minDelay = minDelay
		c.maxDelay = maxDelay
	}
}

// New creates a client for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		attempts: defaultAttempts,
		minDelay: defaultMinDelay,
		maxDelay: defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAgent fetches the agent description.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.call(ctx, "get agent", http.MethodGet, c.agentPath(agentID), nil, &agent, false); err != nil {
		return nil, err
	}
	return &agent, nil
}

// CreateChat creates a persisted chat session for the agent.
func (c *Client) CreateChat(ctx context.Context, agentID string) (*Chat, error) {
	body := map[string]bool{"persist": true}
	var chat Chat
	if err := c.call(ctx, "create chat", http.MethodPost, c.agentPath(agentID, "chat"), body, &chat, false); err != nil {
		return nil, err
	}
	return &chat, nil
}

// CreateStream creates a stream session. It is retried.
func (c *Client) CreateStream(ctx context.Context, agentID string, opts StreamOptions) (*Stream, error) {
	var stream Stream
	if err := c.call(ctx, "create stream", http.MethodPost, c.agentPath(agentID, "streams"), opts, &stream, true); err != nil {
		return nil, err
	}
	return &stream, nil
}

// SubmitICE forwards a local ICE candidate. A nil candidate signals the end
// of gathering and sends only the session id.
func (c *Client) SubmitICE(ctx context.Context, agentID, streamID, sessionID string, cand *ICECandidate) error {
	body := iceRequest{SessionID: sessionID}
	if cand != nil {
		body.Candidate = cand.Candidate
		body.SDPMid = cand.SDPMid
		body.SDPMLineIndex = cand.SDPMLineIndex
	}
	return c.call(ctx, "submit ice", http.MethodPost, c.agentPath(agentID, "streams", streamID, "ice"), body, nil, false)
}

// SubmitAnswer sends the local SDP answer.
func (c *Client) SubmitAnswer(ctx context.Context, agentID, streamID, sessionID string, answer SessionDescription) error {
	body := answerRequest{Answer: answer, SessionID: sessionID}
	return c.call(ctx, "submit answer", http.MethodPost, c.agentPath(agentID, "streams", streamID, "sdp"), body, nil, false)
}

// SendChat posts a user message to the chat session. The reply arrives over
// the data channel.
func (c *Client) SendChat(ctx context.Context, agentID, chatID, streamID, sessionID string, msg ChatMessage) error {
	body := chatRequest{
		Messages:  []ChatMessage{msg},
		StreamID:  streamID,
		SessionID: sessionID,
	}
	return c.call(ctx, "send chat", http.MethodPost, c.agentPath(agentID, "chat", chatID), body, nil, false)
}

// Speak asks the avatar to say text verbatim. It is retried.
func (c *Client) Speak(ctx context.Context, agentID, streamID, sessionID, text string) error {
	body := speakRequest{
		Script:    script{Type: "text", Input: text},
		SessionID: sessionID,
	}
	return c.call(ctx, "speak", http.MethodPost, c.agentPath(agentID, "streams", streamID), body, nil, true)
}

// DeleteStream ends the stream session on the remote side.
func (c *Client) DeleteStream(ctx context.Context, agentID, streamID, sessionID string) error {
	body := deleteRequest{SessionID: sessionID}
	return c.call(ctx, "delete stream", http.MethodDelete, c.agentPath(agentID, "streams", streamID), body, nil, false)
}

func (c *Client) agentPath(agentID string, parts ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/agents/")
	b.WriteString(url.PathEscape(agentID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *Client) call(ctx context.Context, op, method, target string, in, out any, retry bool) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	newReq := func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("%s: create request: %w", op, err)
		}
		req.Header.Set("Authorization", "Basic "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	var (
		resp *http.Response
		err  error
	)
	if retry {
		resp, err = c.doWithRetry(ctx, op, newReq)
	} else {
		var req *http.Request
		if req, err = newReq(); err != nil {
			return err
		}
		resp, err = c.http.Do(req)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if out == nil {
		drain(resp)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
