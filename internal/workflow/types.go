package workflow

import (
	"errors"
	"fmt"
	"time"
)

// --- Enums ---

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobStopped:
		return true
	}
	return false
}

// StepStatus is the state of one agent's unit of work inside a job.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// Rank orders step statuses by advancement. Completed and error share the
// highest rank: once a step ends, neither can overwrite the other.
func (s StepStatus) Rank() int {
	switch s {
	case StepRunning:
		return 1
	case StepCompleted, StepError:
		return 2
	default:
		return 0
	}
}

// IsDone reports whether the step reached an end state.
func (s StepStatus) IsDone() bool {
	return s.Rank() == 2
}

// ErrInvalidTransition is returned when a job status change is not allowed.
var ErrInvalidTransition = errors.New("workflow: invalid transition")

// --- Core Types ---

// Step tracks one agent's progress.
type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Agent     string     `json:"agent"`
	Status    StepStatus `json:"status"`
	Progress  int        `json:"progress"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Advance moves the step to next if next is strictly more advanced than the
// current status. It reports whether the status changed.
func (s *Step) Advance(next StepStatus, now time.Time) bool {
	if next.Rank() <= s.Status.Rank() {
		return false
	}
	s.Status = next
	if next == StepRunning && s.StartedAt == nil {
		s.StartedAt = &now
	}
	if next.IsDone() {
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.EndedAt = &now
		if next == StepCompleted {
			s.Progress = 100
		}
	}
	return true
}

// RaiseProgress sets the progress to p if p is higher than the current value.
// Values of 100 are reserved for completed steps; anything above is clamped.
func (s *Step) RaiseProgress(p int) bool {
	limit := 99
	if s.Status == StepCompleted {
		limit = 100
	}
	if p > limit {
		p = limit
	}
	if p <= s.Progress {
		return false
	}
	s.Progress = p
	return true
}

// Job is one code-generation request tracked from creation to its end.
type Job struct {
	ID        string     `json:"id"`
	Prompt    string     `json:"prompt"`
	Status    JobStatus  `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Steps     []Step     `json:"steps"`
	Reason    string     `json:"reason,omitempty"`
}

// NewJob returns a pending job with a single pending step for agent.
func NewJob(prompt, agent string, now time.Time) *Job {
	return &Job{
		Prompt:    prompt,
		Status:    JobPending,
		StartedAt: now,
		Steps: []Step{{
			ID:     "step-0",
			Name:   StepName(agent),
			Agent:  agent,
			Status: StepPending,
		}},
	}
}

// StepName renders an agent identifier as a display name.
func StepName(agent string) string {
	if agent == "" {
		return "Agent"
	}
	return "Agent " + agent
}

// Transition changes the job status, enforcing
// pending -> running|failed|stopped and running -> completed|failed|stopped.
func (j *Job) Transition(next JobStatus, now time.Time) error {
	if !allowed(j.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	if next.IsTerminal() {
		j.EndedAt = &now
	}
	return nil
}

func allowed(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobFailed || to == JobStopped
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobStopped
	}
	return false
}

// Finish moves the job to a terminal status and settles its steps so the
// overall status agrees with them: completed finishes every step, failed and
// stopped end any step still running with an error.
func (j *Job) Finish(status JobStatus, reason string, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if err := j.Transition(status, now); err != nil {
		return err
	}
	j.Reason = reason
	for i := range j.Steps {
		s := &j.Steps[i]
		switch {
		case status == JobCompleted:
			s.Advance(StepCompleted, now)
			s.Progress = 100
		case s.Status == StepRunning:
			s.Advance(StepError, now)
		}
	}
	return nil
}

// Step returns the step for agent, or nil.
func (j *Job) Step(agent string) *Step {
	for i := range j.Steps {
		if j.Steps[i].Agent == agent {
			return &j.Steps[i]
		}
	}
	return nil
}

// EnsureStep returns the step for agent, appending a pending one if absent.
func (j *Job) EnsureStep(agent string) *Step {
	if s := j.Step(agent); s != nil {
		return s
	}
	j.Steps = append(j.Steps, Step{
		ID:     fmt.Sprintf("step-%d", len(j.Steps)),
		Name:   StepName(agent),
		Agent:  agent,
		Status: StepPending,
	})
	return &j.Steps[len(j.Steps)-1]
}

// Progress is the mean progress over all steps.
func (j *Job) Progress() int {
	if len(j.Steps) == 0 {
		return 0
	}
	total := 0
	for _, s := range j.Steps {
		total += s.Progress
	}
	return total / len(j.Steps)
}

// Clone returns a deep copy safe to hand to observers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.EndedAt = cloneTime(j.EndedAt)
	cp.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		s.StartedAt = cloneTime(s.StartedAt)
		s.EndedAt = cloneTime(s.EndedAt)
		cp.Steps[i] = s
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// GeneratedFile is one artifact produced by a completed job.
type GeneratedFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}
