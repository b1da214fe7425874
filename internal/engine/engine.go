// Package engine wires a dialogue session, the launch decision, the job
// controller and the preview synthesizer into one conversation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Atomixxxx/mon-atelier-ia/internal/dialogue"
	"github.com/Atomixxxx/mon-atelier-ia/internal/job"
	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
	"github.com/Atomixxxx/mon-atelier-ia/internal/launch"
	"github.com/Atomixxxx/mon-atelier-ia/internal/stream"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// DefaultOrchestrator is the chat agent that conducts discovery.
const DefaultOrchestrator = "project_orchestrator"

var (
	ErrEmptyMessage   = errors.New("engine: empty message")
	ErrJobActive      = errors.New("engine: a generation job is already running")
	ErrNoDiscovery    = errors.New("engine: no conversation to launch")
	ErrNothingToRetry = errors.New("engine: nothing to retry")
)

// ChatError reports a failed or unsuccessful chat exchange. The user turn is
// kept so Retry can resend it.
type ChatError struct {
	Err error
}

func (e *ChatError) Error() string { return fmt.Sprintf("engine: chat: %v", e.Err) }

func (e *ChatError) Unwrap() error { return e.Err }

// Reply is the outcome of one user message.
type Reply struct {
	// Text is the assistant turn shown to the user.
	Text string
	// Fallback is set when the orchestrator gave no reply and a canned
	// question was used instead.
	Fallback bool
	Decision launch.Decision
	// Run is the generation job started by this message, if any.
	Run *job.Run
}

type pendingStep int

const (
	pendingNone pendingStep = iota
	pendingChat
	pendingLaunch
)

// Engine runs one conversation at a time. It is safe for concurrent use;
// messages are handled one after another.
type Engine struct {
	id       string
	svc      jobapi.Client
	decider  *launch.Engine
	ctrl     *job.Controller
	agent    string
	session  *dialogue.Session
	progress *ProgressReporter
	logger   *slog.Logger

	jobOpts []job.Option

	// sendMu serializes Send, Retry and ForceLaunch.
	sendMu sync.Mutex
	// fallbacks counts canned questions asked in this conversation.
	fallbacks int

	mu       sync.Mutex
	run      *job.Run
	last     *job.Result
	pending  pendingStep
	decision launch.Decision
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecider replaces the launch decision engine.
func WithDecider(d *launch.Engine) Option {
	return func(e *Engine) { e.decider = d }
}

// WithOrchestrator sets the chat agent.
func WithOrchestrator(agent string) Option {
	return func(e *Engine) {
		if agent != "" {
			e.agent = agent
		}
	}
}

// WithJobOptions adds options for the job controller.
func WithJobOptions(opts ...job.Option) Option {
	return func(e *Engine) { e.jobOpts = append(e.jobOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Engine talking to svc.
func New(svc jobapi.Service, opts ...Option) *Engine {
	e := &Engine{
		id:       uuid.NewString(),
		svc:      svc,
		decider:  launch.New(),
		agent:    DefaultOrchestrator,
		session:  dialogue.NewSession(),
		progress: NewProgressReporter(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("session", e.id)

	jobOpts := []job.Option{
		job.WithLogger(e.logger),
		job.WithPublishHook(e.onPublish),
		job.WithFeedHook(e.onFeed),
	}
	e.ctrl = job.NewController(svc, append(jobOpts, e.jobOpts...)...)
	return e
}

// ID returns the session id.
func (e *Engine) ID() string { return e.id }

// Session exposes the dialogue for inspection.
func (e *Engine) Session() *dialogue.Session { return e.session }

// Events returns the event stream.
func (e *Engine) Events() <-chan Event { return e.progress.Subscribe() }

// Close stops any running job and closes the event stream.
func (e *Engine) Close() {
	_ = e.Stop()
	e.progress.Close()
}

// Send handles one user message: it forwards it to the orchestrator, records
// the reply and launches generation when the decision says so. A message sent
// after a finished job starts a new conversation.
func (e *Engine) Send(ctx context.Context, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if e.active() {
		return nil, ErrJobActive
	}
	if e.session.Phase() == dialogue.PhaseLaunched {
		e.session.Reset()
		e.fallbacks = 0
	}

	e.session.AppendUserTurn(text)
	if _, err := e.session.EnsureDiscovery(); err != nil {
		return nil, err
	}
	return e.exchange(ctx)
}

// Retry repeats the step that failed last: the chat exchange for the latest
// user turn, or the launch of a job the service refused.
func (e *Engine) Retry(ctx context.Context) (*Reply, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	pending, decision := e.pending, e.decision
	e.mu.Unlock()

	switch pending {
	case pendingChat:
		return e.exchange(ctx)
	case pendingLaunch:
		run, err := e.launch(ctx, decision)
		if err != nil {
			return nil, err
		}
		return &Reply{Decision: decision, Run: run}, nil
	}
	return nil, ErrNothingToRetry
}

// ForceLaunch starts generation from the conversation so far without waiting
// for the orchestrator.
func (e *Engine) ForceLaunch(ctx context.Context) (*job.Run, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if e.active() {
		return nil, ErrJobActive
	}
	if e.session.Phase() != dialogue.PhaseDiscovery {
		return nil, ErrNoDiscovery
	}
	return e.launch(ctx, launch.Manual())
}

// Stop stops the running job, if any.
func (e *Engine) Stop() error {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return nil
	}
	return run.Stop()
}

// Current returns the running or most recent job.
func (e *Engine) Current() *job.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run
}

// Last returns the result of the most recent finished job.
func (e *Engine) Last() (job.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return job.Result{}, false
	}
	return *e.last, true
}

func (e *Engine) active() bool {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return false
	}
	select {
	case <-run.Done():
		return false
	default:
		return true
	}
}

// exchange sends the latest user turn to the orchestrator and acts on the
// reply.
func (e *Engine) exchange(ctx context.Context) (*Reply, error) {
	resp, err := e.svc.Chat(ctx, jobapi.ChatRequest{Message: e.session.ChatMessage(), Agent: e.agent})
	if err == nil && !resp.Success {
		err = errors.New(firstNonEmpty(resp.Error, "orchestrator reported failure"))
	}
	if err != nil {
		e.setPending(pendingChat, launch.Decision{})
		e.logger.Warn("chat failed", "error", err)
		return nil, &ChatError{Err: err}
	}

	count := e.session.ExchangeCount()
	decision := e.decider.Decide(resp.Response, count)
	reply := &Reply{Text: strings.TrimSpace(resp.Response), Decision: decision}
	if reply.Text == "" {
		dc, _ := e.session.Discovery()
		e.fallbacks++
		reply.Text = dialogue.FallbackQuestion(dc.Category, e.fallbacks)
		reply.Fallback = true
	}
	e.session.AppendAssistantTurn(reply.Text)
	e.setPending(pendingNone, launch.Decision{})
	e.progress.Emit(Event{Kind: EventAssistant, Agent: e.agent, Text: reply.Text})
	e.logger.Debug("exchange", "count", count, "verdict", decision.Verdict, "reason", decision.Reason)

	if !decision.Launch() {
		return reply, nil
	}
	run, err := e.launch(ctx, decision)
	if err != nil {
		return reply, err
	}
	reply.Run = run
	return reply, nil
}

func (e *Engine) launch(ctx context.Context, d launch.Decision) (*job.Run, error) {
	prompt, err := e.session.BeginLaunch()
	if err != nil {
		return nil, err
	}
	run, err := e.ctrl.Start(ctx, prompt)
	if err != nil {
		e.session.AbortLaunch()
		e.setPending(pendingLaunch, d)
		return nil, err
	}

	e.mu.Lock()
	e.run = run
	e.pending = pendingNone
	e.mu.Unlock()

	e.logger.Info("generation launched", "job", run.JobID(), "reason", d.Reason, "rule", d.Rule)
	e.progress.Emit(Event{Kind: EventLaunched, JobID: run.JobID(), Text: prompt})
	go e.watch(run)
	return run, nil
}

// watch records the result of run and reports how it ended.
func (e *Engine) watch(run *job.Run) {
	res, _ := run.Wait(context.Background())

	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()

	ev := Event{JobID: run.JobID()}
	switch res.Job.Status {
	case workflow.JobCompleted:
		ev.Kind = EventCompleted
		ev.Text = string(res.Preview.Strategy)
		ev.Progress = 100
	case workflow.JobStopped:
		ev.Kind = EventStopped
	default:
		ev.Kind = EventFailed
		if res.Err != nil {
			ev.Text = res.Err.Error()
		}
	}
	e.progress.Emit(ev)
}

func (e *Engine) setPending(p pendingStep, d launch.Decision) {
	e.mu.Lock()
	e.pending, e.decision = p, d
	e.mu.Unlock()
}

func (e *Engine) onPublish(p stream.Publish) {
	e.progress.Emit(Event{Kind: EventProgress, JobID: p.JobID, Agent: p.Agent, Progress: p.Progress})
}

func (e *Engine) onFeed(m stream.FeedMessage) {
	if m.Kind == stream.FeedStreaming {
		return
	}
	e.progress.Emit(Event{Kind: EventFeed, Agent: m.Agent, Text: m.Text})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
