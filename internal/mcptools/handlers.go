package mcptools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Atomixxxx/mon-atelier-ia/internal/codeintel"
	"github.com/Atomixxxx/mon-atelier-ia/internal/engine"
	"github.com/Atomixxxx/mon-atelier-ia/internal/job"
	"github.com/Atomixxxx/mon-atelier-ia/internal/stream"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// AtelierService holds the engine and outliner used by the tool handlers.
// One service drives one conversation.
type AtelierService struct {
	engine   *engine.Engine
	outliner codeintel.Outliner
}

// NewAtelierService creates an AtelierService over eng.
func NewAtelierService(eng *engine.Engine, outliner codeintel.Outliner) *AtelierService {
	if outliner == nil {
		outliner = codeintel.NewTreeSitterOutliner()
	}
	return &AtelierService{engine: eng, outliner: outliner}
}

// SendMessage forwards a user message and reports the launch decision.
func (s *AtelierService) SendMessage(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SendMessageInput,
) (*mcp.CallToolResult, SendMessageOutput, error) {
	if input.Message == "" {
		return nil, SendMessageOutput{}, fmt.Errorf("message is required")
	}
	reply, err := s.engine.Send(ctx, input.Message)
	var lf *job.LaunchFailedError
	switch {
	case err == nil:
	case errors.As(err, &lf) && reply != nil:
		out := replyOutput(reply)
		out.LaunchError = lf.Error()
		return nil, out, nil
	default:
		return nil, SendMessageOutput{}, fmt.Errorf("send message: %w", err)
	}
	return nil, replyOutput(reply), nil
}

func replyOutput(r *engine.Reply) SendMessageOutput {
	out := SendMessageOutput{
		Reply:    r.Text,
		Fallback: r.Fallback,
		Verdict:  string(r.Decision.Verdict),
		Reason:   string(r.Decision.Reason),
		Rule:     r.Decision.Rule,
	}
	if r.Run != nil {
		out.JobID = r.Run.JobID()
	}
	return out
}

// ForceLaunch starts generation from the conversation so far.
func (s *AtelierService) ForceLaunch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ForceLaunchInput,
) (*mcp.CallToolResult, JobRef, error) {
	run, err := s.engine.ForceLaunch(ctx)
	if err != nil {
		return nil, JobRef{}, fmt.Errorf("force launch: %w", err)
	}
	return nil, JobRef{JobID: run.JobID()}, nil
}

// Retry repeats the last failed chat exchange or launch.
func (s *AtelierService) Retry(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ RetryInput,
) (*mcp.CallToolResult, SendMessageOutput, error) {
	reply, err := s.engine.Retry(ctx)
	if err != nil {
		return nil, SendMessageOutput{}, fmt.Errorf("retry: %w", err)
	}
	return nil, replyOutput(reply), nil
}

// StopGeneration stops the running job.
func (s *AtelierService) StopGeneration(
	_ context.Context,
	_ *mcp.CallToolRequest,
	_ StopGenerationInput,
) (*mcp.CallToolResult, StopGenerationOutput, error) {
	run := s.engine.Current()
	if run == nil {
		return nil, StopGenerationOutput{}, nil
	}
	out := StopGenerationOutput{JobID: run.JobID(), Stopped: true}
	if err := s.engine.Stop(); err != nil {
		out.RemoteError = err.Error()
	}
	return nil, out, nil
}

// JobStatus reports the reconciled state of the current job.
func (s *AtelierService) JobStatus(
	_ context.Context,
	_ *mcp.CallToolRequest,
	_ JobStatusInput,
) (*mcp.CallToolResult, JobStatusOutput, error) {
	run := s.engine.Current()
	if run == nil {
		return nil, JobStatusOutput{}, fmt.Errorf("no generation job yet")
	}
	return nil, statusOutput(run.JobID(), run.Snapshot()), nil
}

func statusOutput(jobID string, v stream.View) JobStatusOutput {
	out := JobStatusOutput{JobID: jobID, Degraded: v.Degraded, Steps: []StepSummary{}}
	if v.Job != nil {
		out.Status = string(v.Job.Status)
		out.Reason = v.Job.Reason
		for _, st := range v.Job.Steps {
			out.Steps = append(out.Steps, StepSummary{
				Name:     st.Name,
				Agent:    st.Agent,
				Status:   string(st.Status),
				Progress: st.Progress,
			})
		}
	}
	for _, m := range v.Feed {
		if m.Kind != stream.FeedStreaming {
			out.Feed = append(out.Feed, m.Text)
		}
	}
	if len(v.Outputs) > 0 {
		out.OutputChars = make(map[string]int, len(v.Outputs))
		for agent, text := range v.Outputs {
			out.OutputChars[agent] = len([]rune(text))
		}
	}
	return out
}

// GetPreview returns the preview of the last completed job.
func (s *AtelierService) GetPreview(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input GetPreviewInput,
) (*mcp.CallToolResult, GetPreviewOutput, error) {
	res, ok := s.engine.Last()
	if !ok {
		return nil, GetPreviewOutput{}, fmt.Errorf("no finished generation job")
	}
	if res.Job == nil || res.Job.Status != workflow.JobCompleted {
		status := "unknown"
		if res.Job != nil {
			status = string(res.Job.Status)
		}
		return nil, GetPreviewOutput{}, fmt.Errorf("last job ended %s, no preview", status)
	}

	out := GetPreviewOutput{
		JobID:    res.Job.ID,
		Strategy: string(res.Preview.Strategy),
		Domain:   res.Preview.Domain,
		Primary:  res.Preview.Primary,
		Unit:     res.Preview.Unit,
		Files:    make([]FileSummary, 0, len(res.Files)),
	}
	for _, f := range res.Files {
		out.Files = append(out.Files, FileSummary{Path: f.Path, Language: f.Language, Bytes: len(f.Content)})
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	if input.IncludeHTML {
		out.HTML = res.Preview.HTML
	}
	if res.Err != nil {
		out.FetchError = res.Err.Error()
	}
	return nil, out, nil
}

// OutlineFile lists the declarations of one source file.
func (s *AtelierService) OutlineFile(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input OutlineFileInput,
) (*mcp.CallToolResult, OutlineFileOutput, error) {
	if input.Path == "" {
		return nil, OutlineFileOutput{}, fmt.Errorf("path is required")
	}
	o, err := s.outliner.Outline(ctx, input.Path, []byte(input.Content))
	if err != nil {
		return nil, OutlineFileOutput{}, fmt.Errorf("outline: %w", err)
	}
	out := OutlineFileOutput{
		Path:     o.Path,
		Language: string(o.Language),
		Lines:    o.Lines,
		Symbols:  make([]OutlineSymbol, 0, len(o.Symbols)),
	}
	for _, sym := range o.Symbols {
		out.Symbols = append(out.Symbols, OutlineSymbol{
			Name:      sym.Name,
			Kind:      string(sym.Kind),
			Exported:  sym.Exported,
			Default:   sym.Default,
			StartLine: sym.StartLine,
			EndLine:   sym.EndLine,
		})
	}
	return nil, out, nil
}
