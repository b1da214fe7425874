// Package job drives one code-generation job from creation to its preview:
// it starts the remote job, feeds a stream.Reconciler from the push channel
// and a poll loop, enforces the deadline, and on completion fetches the
// generated files and synthesizes the preview.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
	"github.com/Atomixxxx/mon-atelier-ia/internal/preview"
	"github.com/Atomixxxx/mon-atelier-ia/internal/stream"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// DefaultAgent is the generation agent requested when none is configured.
const DefaultAgent = "quantum_developer"

var (
	// ErrStopped is the result error of a job stopped by the user.
	ErrStopped = stream.ErrStopped
	// ErrFailed wraps the reason of a job that ended as failed.
	ErrFailed = errors.New("job: generation failed")
)

// Config holds the job timings and budgets.
type Config struct {
	Agent           string
	PollInterval    time.Duration
	MaxPollAttempts int
	// MaxPollFailures is the number of consecutive status errors after
	// which the poll loop gives up.
	MaxPollFailures int
	Deadline        time.Duration
	// CompletionGrace is waited before the first file fetch.
	CompletionGrace time.Duration
	FetchRetries    int
	FetchDelay      time.Duration
	Debounce        time.Duration
}

// DefaultConfig returns the standard budgets.
func DefaultConfig() Config {
	return Config{
		Agent:           DefaultAgent,
		PollInterval:    3 * time.Second,
		MaxPollAttempts: 60,
		MaxPollFailures: 5,
		Deadline:        5 * time.Minute,
		CompletionGrace: time.Second,
		FetchRetries:    5,
		FetchDelay:      2 * time.Second,
		Debounce:        stream.DefaultDebounce,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Agent == "" {
		c.Agent = d.Agent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = d.MaxPollAttempts
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = d.MaxPollFailures
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.CompletionGrace < 0 {
		c.CompletionGrace = 0
	}
	if c.FetchRetries <= 0 {
		c.FetchRetries = d.FetchRetries
	}
	if c.FetchDelay < 0 {
		c.FetchDelay = 0
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	return c
}

// Synthesizer builds the preview of a finished job.
type Synthesizer interface {
	Synthesize(ctx context.Context, files []workflow.GeneratedFile) preview.Document
}

// LaunchFailedError reports a job the service refused or failed to create.
// Job holds the local record, already failed.
type LaunchFailedError struct {
	Job *workflow.Job
	Err error
}

func (e *LaunchFailedError) Error() string {
	return fmt.Sprintf("job: launch failed: %v", e.Err)
}

func (e *LaunchFailedError) Unwrap() error { return e.Err }

// Controller starts generation jobs against a job-execution service.
type Controller struct {
	svc    jobapi.Service
	synth  Synthesizer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	onPub  func(stream.Publish)
	onFeed func(stream.FeedMessage)
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig sets budgets; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg.withDefaults() }
}

// WithSynthesizer replaces the preview synthesizer.
func WithSynthesizer(s Synthesizer) Option {
	return func(c *Controller) { c.synth = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithPublishHook is forwarded to every run's reconciler.
func WithPublishHook(fn func(stream.Publish)) Option {
	return func(c *Controller) { c.onPub = fn }
}

// WithFeedHook is forwarded to every run's reconciler.
func WithFeedHook(fn func(stream.FeedMessage)) Option {
	return func(c *Controller) { c.onFeed = fn }
}

// NewController returns a Controller using svc.
func NewController(svc jobapi.Service, opts ...Option) *Controller {
	c := &Controller{
		svc:    svc,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.synth == nil {
		c.synth = preview.New(preview.WithLogger(c.logger))
	}
	return c
}

// Config returns the effective budgets.
func (c *Controller) Config() Config { return c.cfg }

// Start creates a remote job for prompt and begins reconciling it. The run
// outlives ctx, which only bounds the creation request; use Run.Stop to end
// it early.
func (c *Controller) Start(ctx context.Context, prompt string) (*Run, error) {
	job := workflow.NewJob(prompt, c.cfg.Agent, c.now())

	resp, err := c.svc.StartJob(ctx, jobapi.StartJobRequest{Prompt: prompt, AgentID: c.cfg.Agent})
	switch {
	case err != nil:
	case !resp.Success:
		err = fmt.Errorf("service rejected job: %s", firstNonEmpty(resp.Error, "no reason given"))
	case resp.JobID == "":
		err = errors.New("service returned no job id")
	}
	if err != nil {
		_ = job.Finish(workflow.JobFailed, err.Error(), c.now())
		c.logger.Warn("job launch failed", "error", err)
		return nil, &LaunchFailedError{Job: job, Err: err}
	}

	job.ID = resp.JobID
	logger := c.logger.With("job", job.ID)
	rec := stream.New(job,
		stream.WithDebounce(c.cfg.Debounce),
		stream.WithClock(c.now),
		stream.WithLogger(c.logger),
		stream.WithPublishHook(c.onPub),
		stream.WithFeedHook(c.onFeed),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Run{
		ctrl:   c,
		rec:    rec,
		jobID:  job.ID,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger.Info("job started", "agent", c.cfg.Agent)
	go r.execute(runCtx)
	return r, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
