// Package httpclient implements the JSON-over-HTTP transport between the
// tracer and a collector. Every request carries the configured bearer token
// and the W3C trace context of the calling goroutine.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/retry"
)

type (
	// Option configures the HTTP client.
	Option func(*Client)

	// Client posts events to a collector.
	Client struct {
		base    string
		http    *http.Client
		headers http.Header
	}

	errorBody struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
)

const (
	// DefaultTimeout bounds each request when no *http.Client is supplied.
	DefaultTimeout = 10 * time.Second

	// maxErrorBody caps how much of an error response is read into messages.
	maxErrorBody = 4 << 10
)

// ErrSessionNotFound is returned by GetSession when the collector has no
// record of the requested session.
var ErrSessionNotFound = errors.New("httpclient: session not found")

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTimeout sets the timeout of the default *http.Client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d}
		}
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// New constructs a client for the collector rooted at serverURL (for example
// "https://api.honeyhive.ai").
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("httpclient: server URL is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("httpclient: invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpclient: unsupported scheme %q", u.Scheme)
	}
	cl := &Client{
		base:    strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: DefaultTimeout}
	}
	return cl, nil
}

// SendBatch uploads events with POST /events/batch.
func (c *Client) SendBatch(ctx context.Context, events []*event.Event) (event.BatchResponse, error) {
	var resp event.BatchResponse
	if err := c.do(ctx, http.MethodPost, "/events/batch", event.BatchRequest{Events: events}, &resp); err != nil {
		return event.BatchResponse{}, err
	}
	return resp, nil
}

// Send is a batch.Sender backed by SendBatch.
func (c *Client) Send(ctx context.Context, events []*event.Event) error {
	_, err := c.SendBatch(ctx, events)
	return err
}

// SendEvent uploads a single event with POST /events.
func (c *Client) SendEvent(ctx context.Context, e *event.Event) (string, error) {
	var resp event.SingleResponse
	if err := c.do(ctx, http.MethodPost, "/events", event.SingleRequest{Event: e}, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// StartSession registers a session row with POST /session/start and returns
// the session id chosen by the collector.
func (c *Client) StartSession(ctx context.Context, session *event.Event) (string, error) {
	var resp event.SessionStartResponse
	if err := c.do(ctx, http.MethodPost, "/session/start", event.SessionStartRequest{Session: session}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errors.New("httpclient: collector returned an empty session id")
	}
	return resp.SessionID, nil
}

// GetSession fetches a session and its events with GET /sessions/{id}.
func (c *Client) GetSession(ctx context.Context, sessionID string) (event.SessionView, error) {
	var view event.SessionView
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &view)
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return event.SessionView{}, ErrSessionNotFound
	}
	if err != nil {
		return event.SessionView{}, err
	}
	return view, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpclient: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpclient: decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		switch {
		case eb.Message != "":
			msg = eb.Message
		case eb.Error != "":
			msg = eb.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: msg}
}
