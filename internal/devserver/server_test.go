package devserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(append([]Option{WithChunkDelay(time.Millisecond)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
		ts.Close()
	})
	return srv, ts
}

func drain(t *testing.T, ch <-chan jobapi.Frame) []jobapi.StreamEvent {
	t.Helper()
	var out []jobapi.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Err != nil {
				t.Fatalf("unexpected frame error: %v", f.Err)
			}
			out = append(out, f.Event)
			switch f.Event.(type) {
			case jobapi.Completed, jobapi.Failed:
				return out
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
			return out
		}
	}
}

func TestChat_DefaultResponder(t *testing.T) {
	_, ts := newTestServer(t)
	c := jobapi.NewHTTPClient(ts.URL)

	resp, err := c.Chat(context.Background(), jobapi.ChatRequest{Message: "un site", Agent: "project_orchestrator"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Response, "?")

	resp, err = c.Chat(context.Background(), jobapi.ChatRequest{Message: "CONTEXTE DE NOTRE CONVERSATION :\n...", Agent: "project_orchestrator"})
	require.NoError(t, err)
	assert.Equal(t, LaunchPhrase, resp.Response)
}

func TestJobLifecycle(t *testing.T) {
	for _, transport := range []jobapi.Transport{jobapi.TransportWebSocket, jobapi.TransportSSE} {
		t.Run(string(transport), func(t *testing.T) {
			_, ts := newTestServer(t)
			c := jobapi.NewHTTPClient(ts.URL, jobapi.WithTransport(transport))
			ctx := context.Background()

			start, err := c.StartJob(ctx, jobapi.StartJobRequest{Prompt: "un site pour mon restaurant", AgentID: "quantum_developer"})
			require.NoError(t, err)
			require.True(t, start.Success)
			require.NotEmpty(t, start.JobID)

			ch, err := c.Subscribe(ctx, start.JobID)
			require.NoError(t, err)
			events := drain(t, ch)

			require.NotEmpty(t, events)
			assert.IsType(t, jobapi.Started{}, events[0])
			assert.IsType(t, jobapi.Completed{}, events[len(events)-1])

			var text strings.Builder
			last := 0
			for _, ev := range events {
				if chunk, ok := ev.(jobapi.TokenChunk); ok {
					text.WriteString(chunk.Text)
					assert.Greater(t, chunk.CumulativeLength, last)
					last = chunk.CumulativeLength
					assert.Equal(t, start.JobID, chunk.JobID())
				}
			}
			assert.Equal(t, restaurantProject["src/App.tsx"], text.String())

			status, err := c.JobStatus(ctx, start.JobID)
			require.NoError(t, err)
			assert.Equal(t, jobapi.StateCompleted, status.State)
			assert.Equal(t, []jobapi.StepSnapshot{{Agent: "quantum_developer", Status: jobapi.StepDone}}, status.StepStatuses())

			files, err := c.JobFiles(ctx, start.JobID)
			require.NoError(t, err)
			assert.Equal(t, 2, files.TotalFiles)
			assert.Len(t, files.Generated(), 2)
		})
	}
}

func TestSubscribe_LateSubscriberGetsReplay(t *testing.T) {
	srv, ts := newTestServer(t)
	c := jobapi.NewHTTPClient(ts.URL, jobapi.WithTransport(jobapi.TransportSSE))
	ctx := context.Background()

	start, err := c.StartJob(ctx, jobapi.StartJobRequest{Prompt: "todo list"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := srv.Store().Status(start.JobID)
		return err == nil && s.State == jobapi.StateCompleted
	}, 5*time.Second, 5*time.Millisecond)

	ch, err := c.Subscribe(ctx, start.JobID)
	require.NoError(t, err)
	events := drain(t, ch)
	assert.IsType(t, jobapi.Started{}, events[0])
	assert.IsType(t, jobapi.Completed{}, events[len(events)-1])
}

func TestStartJob_Validation(t *testing.T) {
	_, ts := newTestServer(t)
	c := jobapi.NewHTTPClient(ts.URL)
	resp, err := c.StartJob(context.Background(), jobapi.StartJobRequest{Prompt: "  "})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "prompt is required", resp.Error)
}

func TestFailingScenario(t *testing.T) {
	_, ts := newTestServer(t, WithScenario(func(string) Scenario {
		return Scenario{Chunks: []string{"x"}, FailWith: "model overloaded"}
	}))
	c := jobapi.NewHTTPClient(ts.URL)
	ctx := context.Background()

	start, err := c.StartJob(ctx, jobapi.StartJobRequest{Prompt: "anything"})
	require.NoError(t, err)
	ch, err := c.Subscribe(ctx, start.JobID)
	require.NoError(t, err)
	events := drain(t, ch)
	failed, ok := events[len(events)-1].(jobapi.Failed)
	require.True(t, ok)
	assert.Equal(t, "model overloaded", failed.Message)

	status, err := c.JobStatus(ctx, start.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobapi.StateError, status.State)
	assert.Equal(t, "model overloaded", status.Error)
}

func TestStopJob(t *testing.T) {
	_, ts := newTestServer(t, WithChunkDelay(time.Hour))
	c := jobapi.NewHTTPClient(ts.URL)
	ctx := context.Background()

	start, err := c.StartJob(ctx, jobapi.StartJobRequest{Prompt: "dashboard"})
	require.NoError(t, err)
	require.NoError(t, c.StopJob(ctx, start.JobID))

	status, err := c.JobStatus(ctx, start.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobapi.StateStopped, status.State)
	assert.True(t, status.Terminal())

	var te *jobapi.TransportError
	err = c.StopJob(ctx, "missing")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 404, te.StatusCode)
}

func TestWebSocket_AnswersPing(t *testing.T) {
	_, ts := newTestServer(t, WithChunkDelay(time.Hour))
	c := jobapi.NewHTTPClient(ts.URL)
	start, err := c.StartJob(context.Background(), jobapi.StartJobRequest{Prompt: "dashboard"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + start.JobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := jobapi.Decode(data, start.JobID)
		require.NoError(t, err)
		if u, ok := ev.(jobapi.Unknown); ok && u.Type == jobapi.TypePong {
			return
		}
	}
}

func TestPrefix(t *testing.T) {
	_, ts := newTestServer(t, WithPrefix("/ultra/"))
	c := jobapi.NewHTTPClient(ts.URL + "/ultra")
	resp, err := c.Chat(context.Background(), jobapi.ChatRequest{Message: "bonjour"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestStore_SubscribeUnknown(t *testing.T) {
	_, _, _, err := NewStore().subscribe("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = NewStore().Status("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
