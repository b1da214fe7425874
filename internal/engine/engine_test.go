package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Atomixxxx/mon-atelier-ia/internal/devserver"
	"github.com/Atomixxxx/mon-atelier-ia/internal/dialogue"
	"github.com/Atomixxxx/mon-atelier-ia/internal/job"
	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
	"github.com/Atomixxxx/mon-atelier-ia/internal/launch"
	"github.com/Atomixxxx/mon-atelier-ia/internal/preview"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

var fastJobs = job.Config{
	PollInterval: 20 * time.Millisecond,
	FetchDelay:   5 * time.Millisecond,
	Debounce:     5 * time.Millisecond,
	Deadline:     10 * time.Second,
}

func newService(t *testing.T, opts ...devserver.Option) jobapi.Service {
	t.Helper()
	srv := devserver.New(append([]devserver.Option{devserver.WithChunkDelay(time.Millisecond)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
		ts.Close()
	})
	return jobapi.NewHTTPClient(ts.URL, jobapi.WithKeepAlive(0))
}

func newEngine(t *testing.T, svc jobapi.Service, opts ...Option) *Engine {
	t.Helper()
	e := New(svc, append([]Option{WithJobOptions(job.WithConfig(fastJobs))}, opts...)...)
	t.Cleanup(e.Close)
	return e
}

func waitRun(t *testing.T, run *job.Run) job.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := run.Wait(ctx)
	require.NoError(t, err)
	return res
}

// askingResponder never announces a launch.
func askingResponder(req jobapi.ChatRequest) jobapi.ChatResponse {
	return jobapi.ChatResponse{Success: true, Response: "Pouvez-vous préciser ?"}
}

func TestEngine_ConversationToPreview(t *testing.T) {
	e := newEngine(t, newService(t))
	ctx := context.Background()

	reply, err := e.Send(ctx, "Je veux un site pour mon restaurant de sushi")
	require.NoError(t, err)
	assert.False(t, reply.Decision.Launch())
	assert.Nil(t, reply.Run)
	assert.Equal(t, dialogue.PhaseDiscovery, e.Session().Phase())

	reply, err = e.Send(ctx, "Avec un menu et la réservation en ligne")
	require.NoError(t, err)
	require.True(t, reply.Decision.Launch())
	assert.Equal(t, launch.ReasonPhrase, reply.Decision.Reason)
	require.NotNil(t, reply.Run)
	assert.Equal(t, dialogue.PhaseLaunched, e.Session().Phase())

	res := waitRun(t, reply.Run)
	require.NoError(t, res.Err)
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
	assert.Equal(t, "Je veux un site pour mon restaurant de sushi Avec un menu et la réservation en ligne", res.Job.Prompt)
	assert.Equal(t, preview.StrategySpecialized, res.Preview.Strategy)
	assert.Equal(t, preview.DomainRestaurant, res.Preview.Domain)

	require.Eventually(t, func() bool {
		_, ok := e.Last()
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.Same(t, reply.Run, e.Current())
}

func TestEngine_ForcedLaunchOnFifthExchange(t *testing.T) {
	e := newEngine(t, newService(t, devserver.WithResponder(askingResponder)))
	ctx := context.Background()

	for i := 1; i < launch.DefaultMaxExchanges; i++ {
		reply, err := e.Send(ctx, "encore un détail")
		require.NoError(t, err)
		require.False(t, reply.Decision.Launch(), "exchange %d", i)
	}
	reply, err := e.Send(ctx, "dernier détail")
	require.NoError(t, err)
	assert.Equal(t, launch.ReasonForced, reply.Decision.Reason)
	require.NotNil(t, reply.Run)
	waitRun(t, reply.Run)
}

func TestEngine_EmptyReplyUsesFallbackQuestion(t *testing.T) {
	svc := newService(t, devserver.WithResponder(func(jobapi.ChatRequest) jobapi.ChatResponse {
		return jobapi.ChatResponse{Success: true, Response: "   "}
	}))
	e := newEngine(t, svc)

	reply, err := e.Send(context.Background(), "un restaurant italien")
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
	assert.Equal(t, dialogue.FallbackQuestion(dialogue.CategoryRestaurant, 1), reply.Text)
	assert.Equal(t, launch.ReasonEmpty, reply.Decision.Reason)

	turns := e.Session().Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, reply.Text, turns[1].Text)
}

func TestEngine_FallbackQuestionsAskedInOrder(t *testing.T) {
	var calls atomic.Int32
	svc := newService(t, devserver.WithResponder(func(jobapi.ChatRequest) jobapi.ChatResponse {
		if calls.Add(1) == 1 {
			return jobapi.ChatResponse{Success: true, Response: "Parlez-moi de votre carte."}
		}
		return jobapi.ChatResponse{Success: true, Response: ""}
	}))
	e := newEngine(t, svc)
	ctx := context.Background()

	reply, err := e.Send(ctx, "un restaurant italien")
	require.NoError(t, err)
	assert.False(t, reply.Fallback)

	reply, err = e.Send(ctx, "des pizzas au feu de bois")
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
	assert.Equal(t, dialogue.FallbackQuestion(dialogue.CategoryRestaurant, 1), reply.Text)

	reply, err = e.Send(ctx, "une terrasse")
	require.NoError(t, err)
	assert.Equal(t, dialogue.FallbackQuestion(dialogue.CategoryRestaurant, 2), reply.Text)
}

func TestEngine_ChatFailureKeepsTurnAndRetries(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	svc := newService(t, devserver.WithResponder(func(req jobapi.ChatRequest) jobapi.ChatResponse {
		if fail.Load() {
			return jobapi.ChatResponse{Success: false, Error: "orchestrator offline"}
		}
		return devserver.DefaultResponder(req)
	}))
	e := newEngine(t, svc)

	_, err := e.Send(context.Background(), "un blog de cuisine")
	var ce *ChatError
	require.ErrorAs(t, err, &ce)
	assert.ErrorContains(t, err, "orchestrator offline")
	assert.Len(t, e.Session().Turns(), 1)
	assert.Equal(t, 1, e.Session().ExchangeCount())

	fail.Store(false)
	reply, err := e.Retry(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Text)
	assert.Len(t, e.Session().Turns(), 2)
	assert.Equal(t, 1, e.Session().ExchangeCount(), "retry does not count as an exchange")

	_, err = e.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

// flakyStart fails the first StartJob calls.
type flakyStart struct {
	jobapi.Service
	failures atomic.Int32
}

func (f *flakyStart) StartJob(ctx context.Context, req jobapi.StartJobRequest) (*jobapi.StartJobResponse, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("service unavailable")
	}
	return f.Service.StartJob(ctx, req)
}

func TestEngine_LaunchFailureReturnsToDiscovery(t *testing.T) {
	svc := &flakyStart{Service: newService(t)}
	svc.failures.Store(1)
	e := newEngine(t, svc)
	ctx := context.Background()

	_, err := e.Send(ctx, "un portfolio de photographe")
	require.NoError(t, err)
	reply, err := e.Send(ctx, "noir et blanc, minimaliste")
	var lf *job.LaunchFailedError
	require.ErrorAs(t, err, &lf)
	require.NotNil(t, reply)
	assert.True(t, reply.Decision.Launch())
	assert.Nil(t, reply.Run)
	assert.Equal(t, dialogue.PhaseDiscovery, e.Session().Phase())
	dc, ok := e.Session().Discovery()
	require.True(t, ok)
	assert.Equal(t, dialogue.CategoryPortfolio, dc.Category)

	reply, err = e.Retry(ctx)
	require.NoError(t, err)
	require.NotNil(t, reply.Run)
	assert.Equal(t, launch.ReasonPhrase, reply.Decision.Reason)
	res := waitRun(t, reply.Run)
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
}

func TestEngine_StopAndNewConversation(t *testing.T) {
	e := newEngine(t, newService(t, devserver.WithChunkDelay(time.Hour)))
	ctx := context.Background()

	openDiscovery(t, e, "une landing page")
	run, err := e.ForceLaunch(ctx)
	require.NoError(t, err)

	_, err = e.Send(ctx, "autre chose")
	assert.ErrorIs(t, err, ErrJobActive)
	_, err = e.ForceLaunch(ctx)
	assert.ErrorIs(t, err, ErrJobActive)

	require.NoError(t, e.Stop())
	res := waitRun(t, run)
	assert.ErrorIs(t, res.Err, job.ErrStopped)
	assert.Equal(t, workflow.JobStopped, res.Job.Status)

	_, err = e.Send(ctx, "un nouveau projet de blog")
	require.NoError(t, err)
	turns := e.Session().Turns()
	require.Len(t, turns, 2, "a message after a finished job starts a new conversation")
	assert.Equal(t, "un nouveau projet de blog", e.Session().OriginalPrompt())
}

func TestEngine_ForceLaunch(t *testing.T) {
	e := newEngine(t, newService(t, devserver.WithResponder(askingResponder)))
	ctx := context.Background()

	_, err := e.ForceLaunch(ctx)
	assert.ErrorIs(t, err, ErrNoDiscovery)

	_, err = e.Send(ctx, "une app de quiz")
	require.NoError(t, err)
	run, err := e.ForceLaunch(ctx)
	require.NoError(t, err)
	res := waitRun(t, run)
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
	assert.Equal(t, "une app de quiz", res.Job.Prompt)
}

func TestEngine_EmptyMessage(t *testing.T) {
	e := newEngine(t, newService(t))
	_, err := e.Send(context.Background(), " \n\t")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, e.Session().Turns())
}

func TestEngine_EmitsEvents(t *testing.T) {
	e := newEngine(t, newService(t))
	ctx := context.Background()

	seen := make(chan map[EventKind]bool, 1)
	go func() {
		kinds := map[EventKind]bool{}
		for ev := range e.Events() {
			kinds[ev.Kind] = true
			if ev.Kind == EventCompleted {
				break
			}
		}
		seen <- kinds
	}()

	_, err := e.Send(ctx, "un restaurant")
	require.NoError(t, err)
	reply, err := e.Send(ctx, "oui")
	require.NoError(t, err)
	require.NotNil(t, reply.Run)
	waitRun(t, reply.Run)

	select {
	case kinds := <-seen:
		assert.True(t, kinds[EventAssistant])
		assert.True(t, kinds[EventLaunched])
		assert.True(t, kinds[EventProgress])
		assert.True(t, kinds[EventCompleted])
	case <-time.After(5 * time.Second):
		t.Fatal("no completed event")
	}
}

// openDiscovery records a user turn without going through the orchestrator.
func openDiscovery(t *testing.T, e *Engine, text string) {
	t.Helper()
	e.Session().AppendUserTurn(text)
	_, err := e.Session().EnsureDiscovery()
	require.NoError(t, err)
}
