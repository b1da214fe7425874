// Package stream merges push events and poll snapshots of one generation job
// into a single, monotonically improving view.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// DefaultDebounce is the coalescing delay between a token chunk and the
// publish of its buffer.
const DefaultDebounce = 150 * time.Millisecond

// Progress derivation constants: 10% on the first publish, one point per 50
// characters seen, never above 90% before completion.
const (
	progressFloor   = 10
	progressCeiling = 90
	charsPerPoint   = 50
)

// ErrStopped is returned by Run when the job was stopped by the user.
var ErrStopped = errors.New("stream: job stopped")

// StreamProgress maps a character count onto a step percentage.
func StreamProgress(seen int) int {
	p := seen/charsPerPoint + progressFloor
	if p > progressCeiling {
		return progressCeiling
	}
	return p
}

// Publish is one visible update of an agent's output buffer.
type Publish struct {
	JobID    string
	Agent    string
	Text     string
	Progress int
}

// Reconciler is the single writer of a job's state. Every input is a message
// handled on the goroutine running Run; observers read immutable snapshots.
type Reconciler struct {
	jobID    string
	debounce time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onPub    func(Publish)
	onFeed   func(FeedMessage)

	inbox chan message
	quit  chan struct{}
	done  chan struct{}

	quitOnce sync.Once
	view     atomic.Pointer[View]

	// Loop-owned state below. Never touched off the Run goroutine.
	job      *workflow.Job
	buffers  map[string]*buffer
	outputs  map[string]string
	feed     *feed
	degraded bool
	dropped  int
	stopped  bool
}

type buffer struct {
	agent     string
	text      strings.Builder
	serverLen int
	gen       uint64
	timer     *time.Timer
	published int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDebounce sets the coalescing delay.
func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// WithClock overrides the time source used for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPublishHook registers fn to run after each buffer publish. fn runs on
// the reconciler goroutine and must not block.
func WithPublishHook(fn func(Publish)) Option {
	return func(r *Reconciler) { r.onPub = fn }
}

// WithFeedHook registers fn to run for each new or updated feed message. fn
// runs on the reconciler goroutine and must not block.
func WithFeedHook(fn func(FeedMessage)) Option {
	return func(r *Reconciler) { r.onFeed = fn }
}

// WithDedupSize bounds the number of remembered feed message ids.
func WithDedupSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.feed = newFeed(n)
		}
	}
}

// New returns a reconciler owning job, which must already be running.
// The reconciler takes ownership; callers read it back through Snapshot.
func New(job *workflow.Job, opts ...Option) *Reconciler {
	r := &Reconciler{
		jobID:    job.ID,
		debounce: DefaultDebounce,
		now:      time.Now,
		logger:   slog.Default(),
		inbox:    make(chan message, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		job:      job,
		buffers:  make(map[string]*buffer),
		outputs:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.feed == nil {
		r.feed = newFeed(256)
	}
	if r.job.Status == workflow.JobPending {
		_ = r.job.Transition(workflow.JobRunning, r.now())
	}
	r.logger = r.logger.With("job", r.jobID)
	r.storeView()
	return r
}

// JobID returns the id of the reconciled job.
func (r *Reconciler) JobID() string { return r.jobID }

// Done is closed once the job reaches a terminal status.
func (r *Reconciler) Done() <-chan struct{} { return r.done }

// Snapshot returns the latest immutable view.
func (r *Reconciler) Snapshot() View { return *r.view.Load() }

// ----------------------------------------------------------------------------
// Inputs
// ----------------------------------------------------------------------------

type message any

type eventMsg struct{ ev jobapi.StreamEvent }

type pollMsg struct{ snap jobapi.StatusSnapshot }

type flushMsg struct {
	key string
	gen uint64
}

type stopMsg struct{}

type failMsg struct{ reason string }

type pushLostMsg struct{ err error }

type malformedMsg struct{ err error }

// post enqueues m unless the loop has exited.
func (r *Reconciler) post(m message) {
	select {
	case r.inbox <- m:
	case <-r.quit:
	}
}

// Event delivers a push event.
func (r *Reconciler) Event(ev jobapi.StreamEvent) { r.post(eventMsg{ev: ev}) }

// Frame delivers a raw subscription frame: events are applied, decode
// failures are counted and dropped, transport failures mark the push
// channel lost.
func (r *Reconciler) Frame(f jobapi.Frame) {
	switch {
	case f.Err == nil && f.Event != nil:
		r.Event(f.Event)
	case jobapi.IsMalformed(f.Err):
		r.post(malformedMsg{err: f.Err})
	case f.Err != nil:
		r.PushLost(f.Err)
	}
}

// Poll delivers a poll snapshot.
func (r *Reconciler) Poll(snap jobapi.StatusSnapshot) { r.post(pollMsg{snap: snap}) }

// PushLost records that the push channel ended before the job did.
func (r *Reconciler) PushLost(err error) { r.post(pushLostMsg{err: err}) }

// Fail ends the job as failed unless it already ended.
func (r *Reconciler) Fail(reason string) { r.post(failMsg{reason: reason}) }

// Stop ends the job as stopped, cancels pending publishes and discards
// buffered chunks. Stopping an ended job does nothing.
func (r *Reconciler) Stop() { r.post(stopMsg{}) }

// ----------------------------------------------------------------------------
// Loop
// ----------------------------------------------------------------------------

// Run handles messages until the job ends or ctx is cancelled. It returns nil
// for completed and failed jobs, ErrStopped for stopped ones, and ctx.Err()
// on cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.quitOnce.Do(func() { close(r.quit) })
	defer r.cancelTimers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-r.inbox:
			r.handle(m)
			r.storeView()
			if r.job.Status.IsTerminal() {
				if r.stopped {
					return ErrStopped
				}
				return nil
			}
		}
	}
}

func (r *Reconciler) handle(m message) {
	if r.job.Status.IsTerminal() {
		return
	}
	switch m := m.(type) {
	case eventMsg:
		r.applyEvent(m.ev)
	case pollMsg:
		r.applyPoll(m.snap)
	case flushMsg:
		if b, ok := r.buffers[m.key]; ok && b.gen == m.gen {
			r.publish(m.key, b)
		}
	case stopMsg:
		r.stop()
	case failMsg:
		r.terminate(workflow.JobFailed, m.reason)
	case pushLostMsg:
		if !r.degraded {
			r.degraded = true
			r.logger.Warn("push channel lost, continuing on poll", "error", m.err)
		}
	case malformedMsg:
		r.dropped++
		r.logger.Warn("dropping malformed event", "error", m.err)
	}
}

func (r *Reconciler) applyEvent(ev jobapi.StreamEvent) {
	if ev == nil {
		return
	}
	if id := ev.JobID(); id != "" && id != r.jobID {
		r.logger.Debug("dropping event for another job", "event_job", id)
		return
	}

	switch e := ev.(type) {
	case jobapi.Started:
		step := r.step(e.Agent)
		step.Advance(workflow.StepRunning, r.now())
		r.emit(FeedMessage{
			ID:    "workflow_start_" + r.jobID,
			Kind:  FeedStarted,
			Agent: step.Agent,
			Text:  step.Name + " a commencé",
		})
	case jobapi.TokenChunk:
		r.appendChunk(e)
	case jobapi.Completed:
		r.terminate(workflow.JobCompleted, "")
	case jobapi.Failed:
		reason := e.Message
		if reason == "" {
			reason = "generation failed"
		}
		r.terminate(workflow.JobFailed, reason)
	case jobapi.Unknown:
		r.logger.Debug("ignoring unknown event", "type", e.Type)
	}
}

// step resolves agent to a step, defaulting to the first one.
func (r *Reconciler) step(agent string) *workflow.Step {
	if agent == "" && len(r.job.Steps) > 0 {
		return &r.job.Steps[0]
	}
	return r.job.EnsureStep(agent)
}

func (r *Reconciler) appendChunk(c jobapi.TokenChunk) {
	step := r.step(c.Agent)
	step.Advance(workflow.StepRunning, r.now())

	key := r.jobID + "/" + step.Agent
	b, ok := r.buffers[key]
	if !ok {
		b = &buffer{agent: step.Agent}
		r.buffers[key] = b
	}
	b.text.WriteString(c.Text)
	if c.CumulativeLength > b.serverLen {
		b.serverLen = c.CumulativeLength
	}

	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(r.debounce, func() {
		r.post(flushMsg{key: key, gen: gen})
	})
}

func (r *Reconciler) publish(key string, b *buffer) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	text := b.text.String()
	if len(text) == b.published {
		return
	}
	b.published = len(text)
	r.outputs[b.agent] = text

	seen := utf8.RuneCountInString(text)
	if b.serverLen > seen {
		seen = b.serverLen
	}
	step := r.step(b.agent)
	step.RaiseProgress(StreamProgress(seen))

	r.emit(FeedMessage{
		ID:    "streaming_" + key,
		Kind:  FeedStreaming,
		Agent: b.agent,
		Text:  text,
	})
	if r.onPub != nil {
		r.onPub(Publish{JobID: r.jobID, Agent: b.agent, Text: text, Progress: step.Progress})
	}
}

func (r *Reconciler) applyPoll(snap jobapi.StatusSnapshot) {
	if snap.JobID != "" && snap.JobID != r.jobID {
		r.logger.Debug("dropping snapshot for another job", "snapshot_job", snap.JobID)
		return
	}
	now := r.now()
	for i, ss := range snap.StepStatuses() {
		next, ok := mapStepStatus(ss.Status)
		var step *workflow.Step
		switch {
		case i < len(r.job.Steps):
			step = &r.job.Steps[i]
		case ss.Agent != "":
			step = r.job.EnsureStep(ss.Agent)
		default:
			continue
		}
		if ok {
			step.Advance(next, now)
		}
	}

	switch snap.State {
	case jobapi.StateCompleted:
		r.terminate(workflow.JobCompleted, "")
	case jobapi.StateError:
		reason := snap.Error
		if reason == "" {
			reason = "generation failed"
		}
		r.terminate(workflow.JobFailed, reason)
	case jobapi.StateStopped:
		r.stop()
	}
}

// mapStepStatus translates a remote step state. Unknown states leave the
// step unchanged.
func mapStepStatus(s string) (workflow.StepStatus, bool) {
	switch s {
	case jobapi.StepDone:
		return workflow.StepCompleted, true
	case jobapi.StepInProgress:
		return workflow.StepRunning, true
	case jobapi.StepErrored:
		return workflow.StepError, true
	}
	return "", false
}

// terminate performs the single terminal transition of the job. Buffered
// text is published first so the final view carries it.
func (r *Reconciler) terminate(status workflow.JobStatus, reason string) {
	keys := make([]string, 0, len(r.buffers))
	for key := range r.buffers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		r.publish(key, r.buffers[key])
	}
	if err := r.job.Finish(status, reason, r.now()); err != nil {
		r.logger.Error("terminal transition rejected", "status", status, "error", err)
		return
	}

	switch status {
	case workflow.JobCompleted:
		r.emit(FeedMessage{ID: "workflow_complete_" + r.jobID, Kind: FeedCompleted, Text: "Génération terminée"})
		r.logger.Info("job completed")
	case workflow.JobFailed:
		r.emit(FeedMessage{ID: "workflow_error_" + r.jobID, Kind: FeedFailed, Text: reason})
		r.logger.Warn("job failed", "reason", reason)
	}
	close(r.done)
}

func (r *Reconciler) stop() {
	r.cancelTimers()
	r.buffers = make(map[string]*buffer)
	if err := r.job.Finish(workflow.JobStopped, "stopped by user", r.now()); err != nil {
		r.logger.Error("stop rejected", "error", err)
		return
	}
	r.stopped = true
	r.emit(FeedMessage{ID: "workflow_stopped_" + r.jobID, Kind: FeedStopped, Text: "Génération arrêtée"})
	r.logger.Info("job stopped")
	close(r.done)
}

func (r *Reconciler) cancelTimers() {
	for _, b := range r.buffers {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
}

func (r *Reconciler) emit(m FeedMessage) {
	if r.feed.add(m) && r.onFeed != nil {
		r.onFeed(m)
	}
}

func (r *Reconciler) storeView() {
	outputs := make(map[string]string, len(r.outputs))
	for k, v := range r.outputs {
		outputs[k] = v
	}
	r.view.Store(&View{
		Job:      r.job.Clone(),
		Outputs:  outputs,
		Feed:     r.feed.list(),
		Degraded: r.degraded,
		Dropped:  r.dropped,
	})
}

// ----------------------------------------------------------------------------
// View and feed
// ----------------------------------------------------------------------------

// View is an immutable snapshot of reconciled state.
type View struct {
	Job *workflow.Job `json:"job"`
	// Outputs holds the last published text per agent.
	Outputs map[string]string `json:"outputs"`
	Feed    []FeedMessage     `json:"feed"`
	// Degraded is set once the push channel was lost.
	Degraded bool `json:"degraded"`
	// Dropped counts malformed events.
	Dropped int `json:"dropped"`
}

// FeedKind classifies a feed message.
type FeedKind string

const (
	FeedStarted   FeedKind = "started"
	FeedStreaming FeedKind = "streaming"
	FeedCompleted FeedKind = "completed"
	FeedFailed    FeedKind = "failed"
	FeedStopped   FeedKind = "stopped"
)

// FeedMessage is one user-visible line of job activity. ID is derived from
// the job, so the same message is never surfaced twice.
type FeedMessage struct {
	ID    string   `json:"id"`
	Kind  FeedKind `json:"kind"`
	Agent string   `json:"agent,omitempty"`
	Text  string   `json:"text"`
}

// feed keeps messages in arrival order. Streaming messages are updated in
// place; any other id seen before is suppressed. Rows whose id is evicted
// from the dedup window are dropped with it.
type feed struct {
	seen    *lru.Cache[string, *feedRow]
	items   []*feedRow
	evicted int
}

type feedRow struct {
	msg     FeedMessage
	evicted bool
}

func newFeed(size int) *feed {
	f := &feed{}
	c, err := lru.NewWithEvict[string, *feedRow](size, func(_ string, row *feedRow) {
		row.evicted = true
		f.evicted++
	})
	if err != nil {
		// Only reachable with a non-positive size, which the options reject.
		panic(err)
	}
	f.seen = c
	return f
}

// add reports whether m changed the feed.
func (f *feed) add(m FeedMessage) bool {
	if row, ok := f.seen.Get(m.ID); ok {
		if m.Kind != FeedStreaming || row.msg.Text == m.Text {
			return false
		}
		row.msg = m
		return true
	}
	row := &feedRow{msg: m}
	f.items = append(f.items, row)
	f.seen.Add(m.ID, row)
	if f.evicted > len(f.items)/2 {
		f.compact()
	}
	return true
}

func (f *feed) compact() {
	kept := f.items[:0]
	for _, row := range f.items {
		if !row.evicted {
			kept = append(kept, row)
		}
	}
	clear(f.items[len(kept):])
	f.items = kept
	f.evicted = 0
}

func (f *feed) list() []FeedMessage {
	out := make([]FeedMessage, 0, len(f.items)-f.evicted)
	for _, row := range f.items {
		if !row.evicted {
			out = append(out, row.msg)
		}
	}
	return out
}
