// Package jobapi talks to the job-execution service: the chat endpoint, job
// lifecycle requests, and the per-job push channel.
package jobapi

import (
	"sort"

	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// --- Requests and responses ---

// ChatRequest is a single-turn exchange with a dialogue agent.
type ChatRequest struct {
	Message string `json:"message"`
	Agent   string `json:"agent"`
	Mode    string `json:"mode,omitempty"`
}

// ChatResponse carries the agent's reply.
type ChatResponse struct {
	Success  bool   `json:"success"`
	Agent    string `json:"agent,omitempty"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// StartJobRequest begins generation.
type StartJobRequest struct {
	Prompt  string `json:"prompt"`
	AgentID string `json:"agent_id"`
}

// StartJobResponse reports whether the job was created.
type StartJobResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"workflow_id"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Remote job states reported by the status endpoint.
const (
	StateCreated   = "created"
	StateExecuting = "executing"
	StateCompleted = "completed"
	StateError     = "error"
	StateStopped   = "stopped"
)

// Remote step states reported by the status endpoint.
const (
	StepDone       = "done"
	StepInProgress = "in_progress"
	StepErrored    = "error"
	StepWaiting    = "pending"
)

// StepSnapshot is one step of a poll snapshot.
type StepSnapshot struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

// StatusSnapshot is the poll view of a job.
type StatusSnapshot struct {
	JobID             string         `json:"workflow_id,omitempty"`
	State             string         `json:"state"`
	Steps             []StepSnapshot `json:"steps,omitempty"`
	AgentsPlanned     []string       `json:"agents_planned,omitempty"`
	CurrentAgentIndex int            `json:"current_agent_index"`
	Error             string         `json:"error,omitempty"`
}

// Terminal reports whether the remote job has ended.
func (s StatusSnapshot) Terminal() bool {
	switch s.State {
	case StateCompleted, StateError, StateStopped:
		return true
	}
	return false
}

// StepStatuses returns per-index step states. Explicit steps win; otherwise
// they are derived from the planned agents and the current index.
func (s StatusSnapshot) StepStatuses() []StepSnapshot {
	if len(s.Steps) > 0 {
		return s.Steps
	}
	out := make([]StepSnapshot, len(s.AgentsPlanned))
	for i, agent := range s.AgentsPlanned {
		status := StepWaiting
		switch {
		case i < s.CurrentAgentIndex:
			status = StepDone
		case i > s.CurrentAgentIndex:
		case s.State == StateCompleted:
			status = StepDone
		case s.State == StateError:
			status = StepErrored
		case s.State == StateExecuting:
			status = StepInProgress
		}
		out[i] = StepSnapshot{Agent: agent, Status: status}
	}
	return out
}

// FileEntry is one generated file on the wire.
type FileEntry struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Path     string `json:"path,omitempty"`
}

// FilesResponse is the final artifact set of a job.
type FilesResponse struct {
	JobID      string               `json:"workflow_id"`
	Files      map[string]FileEntry `json:"files"`
	TotalFiles int                  `json:"total_files"`
}

// Generated converts the wire map into files ordered by path. When two
// entries claim the same path, the one with the smaller key wins.
func (r FilesResponse) Generated() []workflow.GeneratedFile {
	names := make([]string, 0, len(r.Files))
	for name := range r.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool, len(names))
	out := make([]workflow.GeneratedFile, 0, len(names))
	for _, name := range names {
		f := r.Files[name]
		path := f.Path
		if path == "" {
			path = name
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, workflow.GeneratedFile{Path: path, Content: f.Content, Language: f.Language})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
