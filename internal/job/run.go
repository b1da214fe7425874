package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Atomixxxx/mon-atelier-ia/internal/preview"
	"github.com/Atomixxxx/mon-atelier-ia/internal/stream"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// stopTimeout bounds the best-effort remote stop request.
const stopTimeout = 5 * time.Second

// Result is the outcome of a finished run.
type Result struct {
	Job     *workflow.Job            `json:"job"`
	View    stream.View              `json:"view"`
	Files   []workflow.GeneratedFile `json:"files,omitempty"`
	Preview preview.Document         `json:"preview"`
	// Err is nil for a completed job whose files were fetched.
	Err error `json:"-"`
}

// Run is one job in flight.
type Run struct {
	ctrl   *Controller
	rec    *stream.Reconciler
	jobID  string
	logger *slog.Logger
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error

	// Set by the push and poll loops when they give up.
	pushDown atomic.Bool
	pollDown atomic.Bool

	done   chan struct{}
	result Result
}

// JobID returns the remote job id.
func (r *Run) JobID() string { return r.jobID }

// Snapshot returns the current reconciled view.
func (r *Run) Snapshot() stream.View { return r.rec.Snapshot() }

// Done is closed once the Result is available.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop ends a job that has not reached a terminal state yet and asks the
// service to stop it. Only the first call has an effect; the returned error
// is that of the remote request, which does not affect the local outcome.
func (r *Run) Stop() error {
	r.stopOnce.Do(func() {
		select {
		case <-r.rec.Done():
			return
		default:
		}
		r.rec.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := r.ctrl.svc.StopJob(ctx, r.jobID); err != nil {
			r.logger.Warn("remote stop failed", "error", err)
			r.stopErr = err
		}
	})
	return r.stopErr
}

// Cancel abandons the run without notifying the service.
func (r *Run) Cancel() { r.cancel() }

// ----------------------------------------------------------------------------
// Execution
// ----------------------------------------------------------------------------

func (r *Run) execute(ctx context.Context) {
	defer close(r.done)
	defer r.cancel()

	runErr := r.reconcile(ctx)
	view := r.rec.Snapshot()
	res := Result{Job: view.Job, View: view}

	switch {
	case view.Job.Status == workflow.JobCompleted:
		files, err := r.fetchFiles(ctx)
		res.Files = files
		res.Err = err
		if err == nil {
			res.Preview = r.ctrl.synth.Synthesize(ctx, files)
		} else {
			res.Preview = preview.Placeholder("Les fichiers générés sont indisponibles.")
		}
	case view.Job.Status == workflow.JobFailed:
		res.Err = fmt.Errorf("%w: %s", ErrFailed, view.Job.Reason)
	case errors.Is(runErr, stream.ErrStopped):
		res.Err = ErrStopped
	case runErr != nil:
		res.Err = runErr
	}
	r.result = res
	r.logger.Info("job finished", "status", view.Job.Status, "files", len(res.Files))
}

// reconcile runs the reconciler with its three feeders. The feeders end
// when the reconciler does.
func (r *Run) reconcile(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	feedCtx, stopFeeds := context.WithCancel(gctx)
	defer stopFeeds()

	g.Go(func() error {
		defer stopFeeds()
		return r.rec.Run(gctx)
	})
	g.Go(func() error {
		r.pushLoop(feedCtx)
		return nil
	})
	g.Go(func() error {
		r.pollLoop(feedCtx)
		return nil
	})
	g.Go(func() error {
		r.watchdog(feedCtx)
		return nil
	})
	return g.Wait()
}

func (r *Run) pushLoop(ctx context.Context) {
	frames, err := r.ctrl.svc.Subscribe(ctx, r.jobID)
	if err != nil {
		r.pushLost(ctx, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				r.pushLost(ctx, errors.New("push channel closed"))
				return
			}
			r.rec.Frame(f)
		}
	}
}

func (r *Run) pushLost(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	r.rec.PushLost(err)
	r.pushDown.Store(true)
	if r.pollDown.Load() {
		r.rec.Fail("push channel lost after polling gave up: " + err.Error())
	}
}

func (r *Run) pollLoop(ctx context.Context) {
	cfg := r.ctrl.cfg
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for attempt := 1; attempt <= cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := r.ctrl.svc.JobStatus(ctx, r.jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			r.logger.Debug("status poll failed", "attempt", attempt, "error", err)
			if failures >= cfg.MaxPollFailures {
				r.pollGaveUp(fmt.Sprintf("status polling failed %d times: %v", failures, err))
				return
			}
			continue
		}
		failures = 0
		r.rec.Poll(*snap)
		if snap.Terminal() {
			return
		}
	}
	r.pollGaveUp(fmt.Sprintf("no terminal status after %d polls", cfg.MaxPollAttempts))
}

func (r *Run) pollGaveUp(reason string) {
	r.pollDown.Store(true)
	if r.pushDown.Load() {
		r.rec.Fail(reason)
		return
	}
	r.logger.Warn("polling gave up, relying on push channel", "reason", reason)
}

func (r *Run) watchdog(ctx context.Context) {
	deadline := r.ctrl.cfg.Deadline
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		r.rec.Fail(fmt.Sprintf("no terminal state after %s", deadline))
	}
}

// fetchFiles waits out the completion grace, then fetches the file set,
// retrying while the service errors or returns nothing.
func (r *Run) fetchFiles(ctx context.Context) ([]workflow.GeneratedFile, error) {
	cfg := r.ctrl.cfg
	if err := sleep(ctx, cfg.CompletionGrace); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.FetchRetries; attempt++ {
		resp, err := r.ctrl.svc.JobFiles(ctx, r.jobID)
		if err == nil {
			if files := resp.Generated(); len(files) > 0 {
				return files, nil
			}
			lastErr = nil
		} else {
			lastErr = err
		}
		r.logger.Debug("files not ready", "attempt", attempt, "error", err)
		if attempt < cfg.FetchRetries {
			if err := sleep(ctx, cfg.FetchDelay); err != nil {
				return nil, err
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("job: fetch files: %w", lastErr)
	}
	return nil, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
