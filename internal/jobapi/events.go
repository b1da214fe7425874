package jobapi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event types sent on the push channel.
const (
	TypeStarted   = "workflow_started"
	TypeStreaming = "agent_streaming"
	TypeCompleted = "workflow_completed"
	TypeError     = "workflow_error"
	TypePong      = "pong"
)

// ErrMalformedEvent marks a push frame that could not be decoded.
var ErrMalformedEvent = errors.New("jobapi: malformed event")

// StreamEvent is one decoded push-channel event. The concrete types are
// Started, TokenChunk, Completed, Failed and Unknown.
type StreamEvent interface {
	JobID() string
	streamEvent()
}

// Envelope carries the fields every event shares.
type Envelope struct {
	Job string `json:"workflow_id"`
}

// JobID returns the id of the job the event belongs to.
func (e Envelope) JobID() string { return e.Job }

func (Envelope) streamEvent() {}

// Started announces that an agent began work.
type Started struct {
	Envelope
	Agent string
}

// TokenChunk is a fragment of agent output.
type TokenChunk struct {
	Envelope
	Agent string
	Text  string
	// CumulativeLength is the server's running total, or -1 when absent.
	CumulativeLength int
}

// Completed signals successful termination.
type Completed struct {
	Envelope
	FileCount int
}

// Failed signals terminal failure.
type Failed struct {
	Envelope
	Message string
}

// Unknown is any event whose type is not recognized. It is passed through
// rather than rejected.
type Unknown struct {
	Envelope
	Type string
	Raw  json.RawMessage
}

// Frame is one delivery on a subscription channel. Exactly one of Event or
// Err is set.
type Frame struct {
	Event StreamEvent
	Err   error
}

// wireEvent accepts both snake_case and camelCase spellings.
type wireEvent struct {
	Type                   string `json:"type"`
	WorkflowID             string `json:"workflow_id,omitempty"`
	WorkflowIDCamel        string `json:"workflowId,omitempty"`
	Agent                  string `json:"agent,omitempty"`
	Content                string `json:"content,omitempty"`
	AccumulatedLength      *int   `json:"accumulated_length,omitempty"`
	AccumulatedLengthCamel *int   `json:"accumulatedLength,omitempty"`
	FilesCount             *int   `json:"files_count,omitempty"`
	FilesCountCamel        *int   `json:"filesCount,omitempty"`
	Error                  string `json:"error,omitempty"`
}

// Decode parses a push frame. fallbackJob stamps events whose payload omits
// the job id; a subscription is always bound to one job.
func Decode(raw []byte, fallbackJob string) (StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	env := Envelope{Job: firstNonEmpty(w.WorkflowID, w.WorkflowIDCamel, fallbackJob)}
	switch w.Type {
	case TypeStarted:
		return Started{Envelope: env, Agent: w.Agent}, nil
	case TypeStreaming:
		n := firstInt(-1, w.AccumulatedLength, w.AccumulatedLengthCamel)
		return TokenChunk{Envelope: env, Agent: w.Agent, Text: w.Content, CumulativeLength: n}, nil
	case TypeCompleted:
		return Completed{Envelope: env, FileCount: firstInt(0, w.FilesCount, w.FilesCountCamel)}, nil
	case TypeError:
		return Failed{Envelope: env, Message: w.Error}, nil
	default:
		return Unknown{Envelope: env, Type: w.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// Encode renders an event in the canonical snake_case wire form.
func Encode(ev StreamEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("jobapi: encode: nil event")
	}
	w := wireEvent{WorkflowID: ev.JobID()}
	switch e := ev.(type) {
	case Started:
		w.Type, w.Agent = TypeStarted, e.Agent
	case TokenChunk:
		w.Type, w.Agent, w.Content = TypeStreaming, e.Agent, e.Text
		if e.CumulativeLength >= 0 {
			n := e.CumulativeLength
			w.AccumulatedLength = &n
		}
	case Completed:
		n := e.FileCount
		w.Type, w.FilesCount = TypeCompleted, &n
	case Failed:
		w.Type, w.Error = TypeError, e.Message
	case Unknown:
		if len(e.Raw) > 0 {
			return e.Raw, nil
		}
		w.Type = e.Type
	default:
		return nil, fmt.Errorf("jobapi: encode: unsupported event %T", ev)
	}
	return json.Marshal(w)
}

// IsMalformed reports whether a frame error is a decode failure rather than
// a transport failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(fallback int, values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return fallback
}
