// ABOUTME: Streamable HTTP transport: frames POSTed to the endpoint, inbound
// ABOUTME: frames arriving as server-sent events on response and listen streams.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// sessionHeader carries the server-assigned session id across requests.
const sessionHeader = "Mcp-Session-Id"

// httpTransport implements the streamable HTTP transport. Every outbound
// frame is POSTed to the endpoint; the response body may carry a single JSON
// frame or an SSE stream of frames. A persistent GET stream, when the server
// supports one, delivers server-initiated frames.
type httpTransport struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	logger   *slog.Logger

	mu        sync.Mutex
	sessionID string

	frames chan []byte

	listenOnce   sync.Once
	listenCtx    context.Context
	listenCancel context.CancelFunc

	termOnce sync.Once
	term     chan struct{}
	termErr  error
}

func openHTTP(ctx context.Context, d Descriptor, logger *slog.Logger) (Transport, error) {
	if _, err := url.Parse(d.URL); err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", d.URL, err)
	}

	listenCtx, listenCancel := context.WithCancel(context.Background())

	t := &httpTransport{
		endpoint:     d.URL,
		headers:      d.Headers,
		client:       &http.Client{},
		logger:       logger,
		frames:       make(chan []byte, 16),
		listenCtx:    listenCtx,
		listenCancel: listenCancel,
		term:         make(chan struct{}),
	}

	logger.Debug("http transport opened", "url", d.URL)
	return t, nil
}

func (t *httpTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.term:
		return t.termErr
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	t.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		if t.isTerminated() {
			return ErrClosed
		}
		return fmt.Errorf("posting frame: %w", err)
	}

	t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// First acknowledged exchange: try to open the server-initiated stream.
	t.listenOnce.Do(func() { go t.listen() })

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		go func() {
			defer resp.Body.Close()
			t.readSSE(resp.Body)
		}()
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		t.deliver(body)
	}
	return nil
}

func (t *httpTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.frames:
		return frame, nil
	case <-t.term:
		// Drain frames delivered before termination.
		select {
		case frame := <-t.frames:
			return frame, nil
		default:
		}
		return nil, t.termErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *httpTransport) Close() error {
	t.terminate(ErrClosed)
	t.listenCancel()
	t.client.CloseIdleConnections()
	return nil
}

// listen opens the persistent GET stream for server-initiated frames. Servers
// that do not support one answer 405; that is not an error.
func (t *httpTransport) listen() {
	req, err := http.NewRequestWithContext(t.listenCtx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return
	}
	t.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		if !t.isTerminated() {
			t.logger.Debug("listen stream unavailable", "error", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		t.logger.Debug("server does not offer a listen stream", "status", resp.StatusCode)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Warn("listen stream rejected", "status", resp.StatusCode)
		return
	}

	t.captureSession(resp)
	t.readSSE(resp.Body)

	// The persistent stream dropping means the server is gone.
	if !t.isTerminated() {
		t.terminate(ErrClosed)
	}
}

// readSSE parses an event stream, delivering each event's data as one frame.
func (t *httpTransport) readSSE(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				t.deliver([]byte(data.String()))
				data.Reset()
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(value, " "))
		}
		// id: and event: fields are not needed; frames self-describe.
	}
	if data.Len() > 0 {
		t.deliver([]byte(data.String()))
	}
}

// deliver hands a frame to Receive without blocking forever on shutdown.
func (t *httpTransport) deliver(frame []byte) {
	select {
	case t.frames <- frame:
	case <-t.term:
	case <-time.After(30 * time.Second):
		t.logger.Warn("inbound frame dropped, receive queue full")
	}
}

func (t *httpTransport) setHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()
}

func (t *httpTransport) captureSession(resp *http.Response) {
	if id := resp.Header.Get(sessionHeader); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}
}

func (t *httpTransport) terminate(err error) {
	t.termOnce.Do(func() {
		t.termErr = err
		close(t.term)
	})
}

func (t *httpTransport) isTerminated() bool {
	select {
	case <-t.term:
		return true
	default:
		return false
	}
}
