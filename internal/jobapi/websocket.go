package jobapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsURL maps the service root onto the WebSocket endpoint of a job.
func wsURL(baseURL, jobID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + jobID
	u.RawPath = ""
	return u.String(), nil
}

func (c *HTTPClient) subscribeWebSocket(ctx context.Context, jobID string) (<-chan Frame, error) {
	target, err := wsURL(c.baseURL, jobID)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		te := &TransportError{Op: "subscribe", Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}

	ch := make(chan Frame)
	done := make(chan struct{})

	// Closing the connection is what unblocks ReadMessage on cancellation.
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	if c.keepAlive > 0 {
		go func() {
			ticker := time.NewTicker(c.keepAlive)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
						return
					}
				}
			}
		}()
	}

	go func() {
		defer close(ch)
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				send(ctx, ch, Frame{Err: &TransportError{Op: "stream", Err: err}})
				return
			}
			ev, err := Decode(data, jobID)
			if err != nil {
				send(ctx, ch, Frame{Err: err})
				continue
			}
			if !send(ctx, ch, Frame{Event: ev}) {
				return
			}
		}
	}()
	return ch, nil
}

// send delivers f unless ctx is cancelled first.
func send(ctx context.Context, ch chan<- Frame, f Frame) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
