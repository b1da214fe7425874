package mcptools

// --- MCP Tool Input/Output Types ---
// The MCP Go SDK derives each tool's JSON schema from these struct tags.

// SendMessageInput is the input for the send_message tool.
type SendMessageInput struct {
	Message string `json:"message" jsonschema:"the user's message to the project orchestrator"`
}

// SendMessageOutput is the result of the send_message tool.
type SendMessageOutput struct {
	Reply    string `json:"reply"`
	Fallback bool   `json:"fallback,omitempty"`
	Verdict  string `json:"verdict"`
	Reason   string `json:"reason"`
	Rule     string `json:"rule,omitempty"`
	// JobID is set when this message launched generation.
	JobID string `json:"jobId,omitempty"`
	// LaunchError is set when generation should have started but the
	// service refused it. Call retry to try again.
	LaunchError string `json:"launchError,omitempty"`
}

// ForceLaunchInput is the input for the force_launch tool.
type ForceLaunchInput struct{}

// RetryInput is the input for the retry tool.
type RetryInput struct{}

// JobRef identifies the job a tool acted on.
type JobRef struct {
	JobID string `json:"jobId"`
}

// StopGenerationInput is the input for the stop_generation tool.
type StopGenerationInput struct{}

// StopGenerationOutput is the result of the stop_generation tool.
type StopGenerationOutput struct {
	JobID   string `json:"jobId,omitempty"`
	Stopped bool   `json:"stopped"`
	// RemoteError reports a failed stop request; the job is stopped locally
	// regardless.
	RemoteError string `json:"remoteError,omitempty"`
}

// JobStatusInput is the input for the job_status tool.
type JobStatusInput struct{}

// StepSummary is one step of a job.
type StepSummary struct {
	Name     string `json:"name"`
	Agent    string `json:"agent"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// JobStatusOutput is the result of the job_status tool.
type JobStatusOutput struct {
	JobID    string        `json:"jobId"`
	Status   string        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Steps    []StepSummary `json:"steps"`
	Feed     []string      `json:"feed,omitempty"`
	Degraded bool          `json:"degraded,omitempty"`
	// OutputChars is the length of the latest published output per agent.
	OutputChars map[string]int `json:"outputChars,omitempty"`
}

// GetPreviewInput is the input for the get_preview tool.
type GetPreviewInput struct {
	IncludeHTML bool `json:"includeHtml,omitempty" jsonschema:"include the rendered HTML document (default: false)"`
}

// FileSummary describes one generated file.
type FileSummary struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Bytes    int    `json:"bytes"`
}

// GetPreviewOutput is the result of the get_preview tool.
type GetPreviewOutput struct {
	JobID    string        `json:"jobId"`
	Strategy string        `json:"strategy"`
	Domain   string        `json:"domain,omitempty"`
	Primary  string        `json:"primary,omitempty"`
	Unit     string        `json:"unit,omitempty"`
	Files    []FileSummary `json:"files"`
	HTML     string        `json:"html,omitempty"`
	// FetchError is set when the files could not be fetched.
	FetchError string `json:"fetchError,omitempty"`
}

// OutlineFileInput is the input for the outline_file tool.
type OutlineFileInput struct {
	Path    string `json:"path" jsonschema:"file path; the extension selects the language"`
	Content string `json:"content" jsonschema:"file content"`
}

// OutlineSymbol is one declaration found in a file.
type OutlineSymbol struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Exported  bool   `json:"exported"`
	Default   bool   `json:"default,omitempty"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// OutlineFileOutput is the result of the outline_file tool.
type OutlineFileOutput struct {
	Path     string          `json:"path"`
	Language string          `json:"language"`
	Lines    int             `json:"lines"`
	Symbols  []OutlineSymbol `json:"symbols"`
}
