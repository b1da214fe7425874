package jobapi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEWriter writes push events as Server-Sent Events.
// Call Init once before writing any events to set the required headers.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter wraps w. If w does not implement http.Flusher, writes still
// succeed but may be buffered.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// Init sets the SSE response headers and flushes them to the client.
func (sw *SSEWriter) Init() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// WriteEvent writes ev as one "data: {json}\n\n" frame and flushes.
func (sw *SSEWriter) WriteEvent(ev StreamEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("sse: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// ReadEvents parses Server-Sent Events from body and delivers them on the
// returned channel until the body is exhausted or ctx is cancelled. The body
// is closed when reading finishes.
//
// Lines starting with ":" are comments, an empty line ends an event, and
// several "data:" lines of one event are joined with newlines. A payload
// that fails to decode yields a Frame with Err set; reading continues.
func ReadEvents(ctx context.Context, body io.ReadCloser, jobID string) <-chan Frame {
	ch := make(chan Frame)
	go func() {
		defer close(ch)
		defer body.Close()

		// Closing the body unblocks a pending Scan on cancellation.
		stop := context.AfterFunc(ctx, func() { _ = body.Close() })
		defer stop()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var dataBuf strings.Builder

		flush := func() bool {
			if dataBuf.Len() == 0 {
				return true
			}
			raw := dataBuf.String()
			dataBuf.Reset()
			ev, err := Decode([]byte(raw), jobID)
			if err != nil {
				return send(ctx, ch, Frame{Err: err})
			}
			return send(ctx, ch, Frame{Event: ev})
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "data:"):
				payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
				if dataBuf.Len() > 0 {
					dataBuf.WriteByte('\n')
				}
				dataBuf.WriteString(payload)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if !flush() {
			return
		}
		if err := scanner.Err(); err != nil {
			send(ctx, ch, Frame{Err: &TransportError{Op: "stream", Err: err}})
		}
	}()
	return ch
}

func (c *HTTPClient) subscribeSSE(ctx context.Context, jobID string) (<-chan Frame, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+jobPath(jobID, "events"), nil)
	if err != nil {
		return nil, fmt.Errorf("jobapi: create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient().Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &TransportError{Op: "subscribe", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return ReadEvents(ctx, resp.Body, jobID), nil
}
