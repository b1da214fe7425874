package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
	"github.com/Atomixxxx/mon-atelier-ia/internal/preview"
	"github.com/Atomixxxx/mon-atelier-ia/internal/stream"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// fakeService is a scripted jobapi.Service.
type fakeService struct {
	mu sync.Mutex

	startResp *jobapi.StartJobResponse
	startErr  error
	startReq  jobapi.StartJobRequest

	frames chan jobapi.Frame
	subErr error

	statuses  []jobapi.StatusSnapshot
	statusErr error
	polls     int

	files      []*jobapi.FilesResponse
	filesErr   error
	fileCalls  int
	stopCalls  int
	stopErr    error
	subscribed chan struct{}
}

var _ jobapi.Service = (*fakeService)(nil)

func newFakeService() *fakeService {
	return &fakeService{
		startResp:  &jobapi.StartJobResponse{Success: true, JobID: "job-1", Status: jobapi.StateCreated},
		frames:     make(chan jobapi.Frame, 32),
		subscribed: make(chan struct{}),
	}
}

func (f *fakeService) Chat(context.Context, jobapi.ChatRequest) (*jobapi.ChatResponse, error) {
	return &jobapi.ChatResponse{Success: true}, nil
}

func (f *fakeService) StartJob(_ context.Context, req jobapi.StartJobRequest) (*jobapi.StartJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startReq = req
	return f.startResp, f.startErr
}

func (f *fakeService) JobStatus(context.Context, string) (*jobapi.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statuses) == 0 {
		return &jobapi.StatusSnapshot{State: jobapi.StateExecuting}, nil
	}
	i := min(f.polls-1, len(f.statuses)-1)
	snap := f.statuses[i]
	return &snap, nil
}

func (f *fakeService) JobFiles(context.Context, string) (*jobapi.FilesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileCalls++
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	if len(f.files) == 0 {
		return &jobapi.FilesResponse{}, nil
	}
	i := min(f.fileCalls-1, len(f.files)-1)
	return f.files[i], nil
}

func (f *fakeService) StopJob(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeService) Subscribe(ctx context.Context, _ string) (<-chan jobapi.Frame, error) {
	defer close(f.subscribed)
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.frames, nil
}

func (f *fakeService) counts() (polls, fileCalls, stopCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls, f.fileCalls, f.stopCalls
}

func testConfig() Config {
	return Config{
		Agent:           "quantum_developer",
		PollInterval:    10 * time.Millisecond,
		MaxPollAttempts: 500,
		MaxPollFailures: 3,
		Deadline:        5 * time.Second,
		CompletionGrace: 0,
		FetchRetries:    5,
		FetchDelay:      time.Millisecond,
		Debounce:        5 * time.Millisecond,
	}
}

func wait(t *testing.T, r *Run) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	require.NoError(t, err, "run did not finish")
	return res
}

func frame(ev jobapi.StreamEvent) jobapi.Frame { return jobapi.Frame{Event: ev} }

func env() jobapi.Envelope { return jobapi.Envelope{Job: "job-1"} }

func restaurantFiles() *jobapi.FilesResponse {
	return &jobapi.FilesResponse{
		JobID: "job-1",
		Files: map[string]jobapi.FileEntry{
			"src/App.tsx": {Content: "export default function Sushi() { return <h1>Menu</h1>; }", Language: "typescript"},
			"src/App.css": {Content: "h1 { color: teal; }", Language: "css"},
		},
		TotalFiles: 2,
	}
}

func TestStart_CompletedViaPush(t *testing.T) {
	svc := newFakeService()
	svc.files = []*jobapi.FilesResponse{restaurantFiles()}

	var mu sync.Mutex
	var pubs []stream.Publish
	c := NewController(svc, WithConfig(testConfig()), WithPublishHook(func(p stream.Publish) {
		mu.Lock()
		pubs = append(pubs, p)
		mu.Unlock()
	}))

	r, err := c.Start(context.Background(), "un site de sushi")
	require.NoError(t, err)
	assert.Equal(t, "job-1", r.JobID())
	assert.Equal(t, jobapi.StartJobRequest{Prompt: "un site de sushi", AgentID: "quantum_developer"}, svc.startReq)

	svc.frames <- frame(jobapi.Started{Envelope: env(), Agent: "quantum_developer"})
	svc.frames <- frame(jobapi.TokenChunk{Envelope: env(), Agent: "quantum_developer", Text: "const a = 1;", CumulativeLength: -1})
	svc.frames <- frame(jobapi.Completed{Envelope: env(), FileCount: 2})

	res := wait(t, r)
	require.NoError(t, res.Err)
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
	assert.Equal(t, 100, res.Job.Progress())
	require.Len(t, res.Files, 2)
	assert.Equal(t, "src/App.css", res.Files[0].Path)
	assert.Equal(t, preview.StrategySpecialized, res.Preview.Strategy)
	assert.Equal(t, preview.DomainRestaurant, res.Preview.Domain)
	assert.Equal(t, "const a = 1;", res.View.Outputs["quantum_developer"])

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, pubs, "the pending buffer is flushed on completion")
	assert.Equal(t, "const a = 1;", pubs[len(pubs)-1].Text)
}

func TestStart_LaunchFailed(t *testing.T) {
	tests := []struct {
		name string
		resp *jobapi.StartJobResponse
		err  error
		want string
	}{
		{"transport error", nil, errors.New("connection refused"), "connection refused"},
		{"rejected", &jobapi.StartJobResponse{Success: false, Error: "quota exceeded"}, nil, "quota exceeded"},
		{"missing id", &jobapi.StartJobResponse{Success: true}, nil, "no job id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.startResp, svc.startErr = tt.resp, tt.err

			r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
			assert.Nil(t, r)
			var lf *LaunchFailedError
			require.ErrorAs(t, err, &lf)
			assert.ErrorContains(t, err, tt.want)
			assert.Equal(t, workflow.JobFailed, lf.Job.Status)
			assert.Equal(t, "prompt", lf.Job.Prompt)
		})
	}
}

func TestRun_PollOnlyWhenPushUnavailable(t *testing.T) {
	svc := newFakeService()
	svc.subErr = errors.New("websocket: bad handshake")
	svc.statuses = []jobapi.StatusSnapshot{
		{State: jobapi.StateExecuting, AgentsPlanned: []string{"quantum_developer"}},
		{State: jobapi.StateCompleted, AgentsPlanned: []string{"quantum_developer"}},
	}
	svc.files = []*jobapi.FilesResponse{restaurantFiles()}

	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)

	res := wait(t, r)
	require.NoError(t, res.Err)
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
	assert.True(t, res.View.Degraded)
	polls, _, _ := svc.counts()
	assert.GreaterOrEqual(t, polls, 2)
}

func TestRun_RemoteErrorFromPoll(t *testing.T) {
	svc := newFakeService()
	svc.statuses = []jobapi.StatusSnapshot{{State: jobapi.StateError, Error: "model crashed"}}

	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)

	res := wait(t, r)
	assert.ErrorIs(t, res.Err, ErrFailed)
	assert.ErrorContains(t, res.Err, "model crashed")
	assert.Equal(t, workflow.JobFailed, res.Job.Status)
	assert.Empty(t, res.Files)
	_, fileCalls, _ := svc.counts()
	assert.Zero(t, fileCalls)
}

func TestRun_StopIsIdempotent(t *testing.T) {
	svc := newFakeService()
	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)
	<-svc.subscribed

	svc.frames <- frame(jobapi.TokenChunk{Envelope: env(), Text: "partial", CumulativeLength: -1})
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())

	res := wait(t, r)
	assert.ErrorIs(t, res.Err, ErrStopped)
	assert.Equal(t, workflow.JobStopped, res.Job.Status)

	// Events after stop change nothing.
	svc.frames <- frame(jobapi.Completed{Envelope: env()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, workflow.JobStopped, r.Snapshot().Job.Status)

	_, fileCalls, stopCalls := svc.counts()
	assert.Equal(t, 1, stopCalls)
	assert.Zero(t, fileCalls)
}

func TestRun_StopAfterCompletionDoesNothing(t *testing.T) {
	svc := newFakeService()
	svc.files = []*jobapi.FilesResponse{restaurantFiles()}
	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)

	svc.frames <- frame(jobapi.Completed{Envelope: env()})
	res := wait(t, r)
	require.NoError(t, r.Stop())
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
	_, _, stopCalls := svc.counts()
	assert.Zero(t, stopCalls)
}

func TestRun_DeadlineFailsJob(t *testing.T) {
	svc := newFakeService()
	cfg := testConfig()
	cfg.Deadline = 50 * time.Millisecond
	r, err := NewController(svc, WithConfig(cfg)).Start(context.Background(), "prompt")
	require.NoError(t, err)

	res := wait(t, r)
	assert.ErrorIs(t, res.Err, ErrFailed)
	assert.Contains(t, res.Job.Reason, "no terminal state")
}

func TestRun_BothChannelsDownFailsJob(t *testing.T) {
	svc := newFakeService()
	svc.subErr = errors.New("dial failed")
	svc.statusErr = errors.New("503")

	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)

	res := wait(t, r)
	assert.ErrorIs(t, res.Err, ErrFailed)
	assert.Contains(t, res.Job.Reason, "status polling failed 3 times")
}

func TestRun_PollExhaustedWithHealthyPushKeepsWaiting(t *testing.T) {
	svc := newFakeService()
	cfg := testConfig()
	cfg.MaxPollAttempts = 2
	svc.files = []*jobapi.FilesResponse{restaurantFiles()}
	r, err := NewController(svc, WithConfig(cfg)).Start(context.Background(), "prompt")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		polls, _, _ := svc.counts()
		return polls >= 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, workflow.JobRunning, r.Snapshot().Job.Status)

	svc.frames <- frame(jobapi.Completed{Envelope: env()})
	res := wait(t, r)
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
}

func TestRun_FileFetchRetries(t *testing.T) {
	svc := newFakeService()
	svc.files = []*jobapi.FilesResponse{{}, {}, restaurantFiles()}
	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)

	svc.frames <- frame(jobapi.Completed{Envelope: env()})
	res := wait(t, r)
	require.NoError(t, res.Err)
	assert.Len(t, res.Files, 2)
	_, fileCalls, _ := svc.counts()
	assert.Equal(t, 3, fileCalls)
}

func TestRun_FileFetchExhausted(t *testing.T) {
	svc := newFakeService()
	svc.filesErr = errors.New("artifact store unavailable")
	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)

	svc.frames <- frame(jobapi.Completed{Envelope: env()})
	res := wait(t, r)
	assert.ErrorContains(t, res.Err, "artifact store unavailable")
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
	assert.Equal(t, preview.StrategyPlaceholder, res.Preview.Strategy)
	_, fileCalls, _ := svc.counts()
	assert.Equal(t, 5, fileCalls)
}

func TestRun_WaitHonoursContext(t *testing.T) {
	svc := newFakeService()
	r, err := NewController(svc, WithConfig(testConfig())).Start(context.Background(), "prompt")
	require.NoError(t, err)
	defer r.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStart_RunOutlivesStartContext(t *testing.T) {
	svc := newFakeService()
	svc.files = []*jobapi.FilesResponse{restaurantFiles()}
	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewController(svc, WithConfig(testConfig())).Start(ctx, "prompt")
	require.NoError(t, err)
	cancel()

	svc.frames <- frame(jobapi.Completed{Envelope: env()})
	res := wait(t, r)
	assert.Equal(t, workflow.JobCompleted, res.Job.Status)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{PollInterval: time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, DefaultAgent, cfg.Agent)
	assert.Equal(t, 60, cfg.MaxPollAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Deadline)
}
