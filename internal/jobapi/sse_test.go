package jobapi

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
)

func collect(t *testing.T, ch <-chan Frame) []Frame {
	t.Helper()
	var frames []Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
			return frames
		}
	}
}

func TestReadEvents_ParsesFrames(t *testing.T) {
	body := io.NopCloser(strings.NewReader(strings.Join([]string{
		": comment",
		`data: {"type":"workflow_started","agent":"dev"}`,
		"",
		`data: {"type":"agent_streaming",`,
		`data: "agent":"dev","content":"hi"}`,
		"",
		"data: garbage",
		"",
		`data:{"type":"workflow_completed","files_count":2}`,
	}, "\n")))

	frames := collect(t, ReadEvents(context.Background(), body, "wf"))
	require.Len(t, frames, 4)

	assert.Equal(t, Started{Envelope: Envelope{Job: "wf"}, Agent: "dev"}, frames[0].Event)
	chunk, ok := frames[1].Event.(TokenChunk)
	require.True(t, ok)
	assert.Equal(t, "hi", chunk.Text)
	assert.True(t, IsMalformed(frames[2].Err))
	assert.Equal(t, Completed{Envelope: Envelope{Job: "wf"}, FileCount: 2}, frames[3].Event)
}

func TestReadEvents_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := ReadEvents(ctx, pr, "wf")

	go func() {
		_, _ = pw.Write([]byte("data: {\"type\":\"workflow_started\"}\n\n"))
	}()
	f := <-ch
	require.NoError(t, f.Err)

	cancel()
	frames := collect(t, ch)
	assert.Empty(t, frames)
}

func TestSSEWriter_RoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workflow/wf-3/events", r.URL.Path)
		sw := NewSSEWriter(w)
		sw.Init()
		require.NoError(t, sw.WriteEvent(TokenChunk{Envelope: Envelope{Job: "wf-3"}, Agent: "dev", Text: "a", CumulativeLength: 1}))
		require.NoError(t, sw.WriteEvent(Failed{Envelope: Envelope{Job: "wf-3"}, Message: "quota"}))
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, WithTransport(TransportSSE))
	ch, err := c.Subscribe(context.Background(), "wf-3")
	require.NoError(t, err)

	frames := collect(t, ch)
	require.Len(t, frames, 2)
	assert.Equal(t, "a", frames[0].Event.(TokenChunk).Text)
	assert.Equal(t, "quota", frames[1].Event.(Failed).Message)
}

func TestSubscribeSSE_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, WithTransport(TransportSSE)).Subscribe(context.Background(), "x")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}
