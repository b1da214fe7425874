package devserver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
)

// ErrNotFound is returned for an unknown job id.
var ErrNotFound = errors.New("devserver: job not found")

// subBuffer is the per-subscriber event buffer. A subscriber that falls this
// far behind misses events; the poll endpoint still reports the truth.
const subBuffer = 256

type jobRecord struct {
	id      string
	prompt  string
	agent   string
	state   string
	errMsg  string
	agents  []string
	current int
	files   map[string]jobapi.FileEntry

	history []jobapi.StreamEvent
	subs    map[chan jobapi.StreamEvent]struct{}
	ended   bool
	cancel  func()
}

// Store is a concurrency-safe in-memory job registry with per-job event
// fan-out. Late subscribers get the job's event history replayed first.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*jobRecord
	order []string
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*jobRecord)}
}

func (s *Store) create(rec *jobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[rec.id]; exists {
		return fmt.Errorf("devserver: job %q already exists", rec.id)
	}
	rec.subs = make(map[chan jobapi.StreamEvent]struct{})
	s.jobs[rec.id] = rec
	s.order = append(s.order, rec.id)
	return nil
}

// Status returns the poll snapshot of a job.
func (s *Store) Status(id string) (jobapi.StatusSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return jobapi.StatusSnapshot{}, ErrNotFound
	}
	return snapshotOf(rec), nil
}

// List returns every job's snapshot in creation order.
func (s *Store) List() []jobapi.StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobapi.StatusSnapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, snapshotOf(s.jobs[id]))
	}
	return out
}

func snapshotOf(rec *jobRecord) jobapi.StatusSnapshot {
	return jobapi.StatusSnapshot{
		JobID:             rec.id,
		State:             rec.state,
		AgentsPlanned:     append([]string(nil), rec.agents...),
		CurrentAgentIndex: rec.current,
		Error:             rec.errMsg,
	}
}

// Files returns the generated files of a job. The set is empty until the
// job completes.
func (s *Store) Files(id string) (jobapi.FilesResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return jobapi.FilesResponse{}, ErrNotFound
	}
	files := make(map[string]jobapi.FileEntry, len(rec.files))
	for k, v := range rec.files {
		files[k] = v
	}
	return jobapi.FilesResponse{JobID: id, Files: files, TotalFiles: len(files)}, nil
}

// update applies fn to a job, then records and fans out ev if it is not
// nil. Nothing happens once the job has ended, and update reports false.
func (s *Store) update(id string, ev jobapi.StreamEvent, fn func(*jobRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.ended {
		return false
	}
	if fn != nil {
		fn(rec)
	}
	if ev != nil {
		rec.history = append(rec.history, ev)
		for ch := range rec.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	switch rec.state {
	case jobapi.StateCompleted, jobapi.StateError, jobapi.StateStopped:
		rec.ended = true
		for ch := range rec.subs {
			close(ch)
		}
		rec.subs = nil
	}
	return true
}

// subscribe returns the events so far and a channel of later ones. The
// channel is closed when the job ends; for an ended job it is already
// closed. cancel releases the subscription.
func (s *Store) subscribe(id string) (replay []jobapi.StreamEvent, ch <-chan jobapi.StreamEvent, cancel func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	replay = append([]jobapi.StreamEvent(nil), rec.history...)
	c := make(chan jobapi.StreamEvent, subBuffer)
	if rec.ended {
		close(c)
		return replay, c, func() {}, nil
	}
	rec.subs[c] = struct{}{}
	return replay, c, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := rec.subs[c]; ok {
			delete(rec.subs, c)
			close(c)
		}
	}, nil
}

// stop ends a running job as stopped and cancels its simulation.
func (s *Store) stop(id string) error {
	s.mu.RLock()
	rec, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	s.update(id, nil, func(r *jobRecord) { r.state = jobapi.StateStopped })
	if rec.cancel != nil {
		rec.cancel()
	}
	return nil
}
