package jobapi

import (
	"context"
	"fmt"
)

// Client is the request/response surface of the job-execution service.
type Client interface {
	// Chat sends one dialogue message and returns the agent's reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// StartJob asks the service to begin generation.
	StartJob(ctx context.Context, req StartJobRequest) (*StartJobResponse, error)

	// JobStatus returns the current poll snapshot of a job.
	JobStatus(ctx context.Context, jobID string) (*StatusSnapshot, error)

	// JobFiles returns the generated files of a job.
	JobFiles(ctx context.Context, jobID string) (*FilesResponse, error)

	// StopJob requests cancellation. Best-effort.
	StopJob(ctx context.Context, jobID string) error
}

// Subscriber opens the push channel of a job. The returned channel is closed
// when the stream ends or ctx is cancelled; a transport failure is delivered
// as a final Frame with Err set.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan Frame, error)
}

// Service is a Client that can also subscribe to push events.
type Service interface {
	Client
	Subscriber
}

// TransportError describes a failed request or push-channel operation.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("jobapi: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("jobapi: %s: HTTP %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("jobapi: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("jobapi: %s failed", e.Op)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }
