package mcptools

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewAtelierMCPServer creates an MCP server with the conversation, job and
// outline tools registered.
func NewAtelierMCPServer(svc *AtelierService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "atelier",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_message",
		Description: "Send a message to the project orchestrator. Returns its reply and the launch decision; when generation starts, the job id is included.",
	}, svc.SendMessage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "force_launch",
		Description: "Start code generation now from the conversation so far, without waiting for the orchestrator.",
	}, svc.ForceLaunch)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "retry",
		Description: "Repeat the last step that failed: the chat exchange for the latest message, or a refused launch.",
	}, svc.Retry)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "stop_generation",
		Description: "Stop the running generation job.",
	}, svc.StopGeneration)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_status",
		Description: "Report the reconciled state of the current job: status, per-agent steps and progress, activity feed.",
	}, svc.JobStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_preview",
		Description: "Return the preview synthesized from the last completed job: strategy, primary file, generated file list and optionally the HTML document.",
	}, svc.GetPreview)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "outline_file",
		Description: "Parse a source file with tree-sitter and list its top-level declarations.",
	}, svc.OutlineFile)

	return server
}

// RunStdio runs the MCP server on stdio transport, blocking until stdin is
// closed or the context is cancelled.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the MCP server over streamable HTTP on addr until ctx is
// cancelled.
func RunHTTP(ctx context.Context, server *mcp.Server, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
