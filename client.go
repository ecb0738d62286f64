package vane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// StreamClient connects to a server's streaming endpoint. It reads the
// initial "endpoint" event to learn its session and message URL, then yields
// every pushed envelope through Messages while requests go out via Send.
// Instances should be created using NewStreamClient.
type StreamClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	mu         sync.Mutex
	messageURL string
	sessionID  string

	messages chan Envelope
}

// StreamClientOption represents the options for the StreamClient.
type StreamClientOption func(*StreamClient)

// NewStreamClient creates a stream client that connects to the given
// connectURL. A nil httpClient falls back to http.DefaultClient.
func NewStreamClient(connectURL string, httpClient *http.Client, options ...StreamClientOption) *StreamClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamClient{
		httpClient: cli,
		connectURL: connectURL,
		logger:     slog.Default(),
		messages:   make(chan Envelope),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// WithStreamClientMaxPayloadSize caps the size of a single pushed event.
func WithStreamClientMaxPayloadSize(size int) StreamClientOption {
	return func(c *StreamClient) {
		c.maxPayloadSize = size
	}
}

// WithStreamClientLogger sets the logger for the client.
func WithStreamClientLogger(logger *slog.Logger) StreamClientOption {
	return func(c *StreamClient) {
		c.logger = logger
	}
}

// Connect opens the stream and blocks until the server announces the message
// endpoint or ctx is done. The stream stays open, and Messages keeps
// yielding, until ctx is cancelled or the server closes the session.
func (c *StreamClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go c.listen(resp.Body, resp.Request.URL, ready)

	select {
	case <-ctx.Done():
		resp.Body.Close()
		return ctx.Err()
	case err := <-ready:
		if err != nil {
			resp.Body.Close()
			return err
		}
	}
	return nil
}

// SessionID returns the identifier the server assigned, empty before Connect
// completes.
func (c *StreamClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send posts one envelope to the session's message endpoint. Responses to it
// arrive through Messages, not from this call.
func (c *StreamClient) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	msgURL := c.messageURL
	c.mu.Unlock()
	if msgURL == "" {
		return errors.New("not connected")
	}

	envBs, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msgURL, bytes.NewReader(envBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send envelope: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Messages returns an iterator over envelopes pushed by the server. The
// iteration ends when the stream closes.
func (c *StreamClient) Messages() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for env := range c.messages {
			if !yield(env) {
				return
			}
		}
	}
}

func (c *StreamClient) listen(body io.ReadCloser, base *url.URL, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.messages)
	}()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: c.maxPayloadSize}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read stream event", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			// The endpoint may be relative to the connect URL.
			resolved := base.ResolveReference(u)

			c.mu.Lock()
			c.messageURL = resolved.String()
			c.sessionID = resolved.Query().Get(sessionIDParam)
			c.mu.Unlock()

			ready <- nil
		case "message":
			c.mu.Lock()
			connected := c.messageURL != ""
			c.mu.Unlock()
			if !connected {
				c.logger.Error("received message before endpoint event")
				continue
			}

			var env Envelope
			if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
				c.logger.Error("failed to unmarshal envelope", slog.String("err", err.Error()))
				continue
			}

			c.messages <- env
		default:
			c.logger.Error("unhandled event type", slog.String("type", ev.Type))
		}
	}
}
