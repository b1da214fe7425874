package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Atomixxxx/mon-atelier-ia/internal/engine"
	"github.com/Atomixxxx/mon-atelier-ia/internal/job"
)

const chatHelp = `Commands:
  /launch   start generation now
  /retry    repeat the last failed step
  /stop     stop the running job
  /status   show the current job
  /quit     leave`

func newChatCmd(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Converse with the orchestrator and follow the generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng := a.engine(a.client())
			return chatLoop(cmd.Context(), eng, cmd.InOrStdin(), cmd.OutOrStdout(), outDir)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "write each completed preview to this directory")
	return cmd
}

// lockedWriter serializes writes from the prompt loop and the event printer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func chatLoop(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer, outDir string) error {
	w := &lockedWriter{w: out}
	events := eng.Events()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			// Assistant turns are printed with their reply.
			if ev.Kind == engine.EventAssistant {
				continue
			}
			w.printf("%s\n", engine.FormatEvent(ev))
			if ev.Kind == engine.EventCompleted && outDir != "" {
				if res, ok := eng.Last(); ok {
					if path, err := writePreview(outDir, res); err != nil {
						w.printf("  ✗ preview: %v\n", err)
					} else {
						w.printf("  preview written to %s\n", path)
					}
				}
			}
		}
	}()
	defer func() {
		eng.Close()
		<-printed
	}()

	w.printf("%s\n", chatHelp)
	scanner := bufio.NewScanner(in)
	for {
		w.printf("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/launch":
			if _, err := eng.ForceLaunch(ctx); err != nil {
				w.printf("  ✗ %v\n", err)
			}
			continue
		case "/stop":
			if err := eng.Stop(); err != nil {
				w.printf("  ✗ %v\n", err)
			}
			continue
		case "/status":
			printStatus(w, eng.Current())
			continue
		case "/retry":
			reply, err := eng.Retry(ctx)
			printReply(w, reply, err)
			continue
		}

		reply, err := eng.Send(ctx, line)
		printReply(w, reply, err)
	}
}

func printReply(w *lockedWriter, reply *engine.Reply, err error) {
	if reply != nil && reply.Text != "" {
		w.printf("%s\n", reply.Text)
	}
	var ce *engine.ChatError
	var lf *job.LaunchFailedError
	switch {
	case err == nil:
	case errors.As(err, &ce), errors.As(err, &lf):
		w.printf("  ✗ %v (type /retry to try again)\n", err)
	default:
		w.printf("  ✗ %v\n", err)
	}
}

func printStatus(w *lockedWriter, run *job.Run) {
	if run == nil {
		w.printf("  no generation job yet\n")
		return
	}
	view := run.Snapshot()
	if view.Job == nil {
		return
	}
	w.printf("  %s %s (%d%%)\n", run.JobID(), view.Job.Status, view.Job.Progress())
	for _, st := range view.Job.Steps {
		w.printf("    %s %s %d%%\n", st.Name, st.Status, st.Progress)
	}
	if view.Degraded {
		w.printf("    push channel lost, following by polling\n")
	}
}

// writePreview stores the HTML of a finished job as <dir>/<job>.html.
func writePreview(dir string, res job.Result) (string, error) {
	if res.Job == nil {
		return "", fmt.Errorf("no job")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, res.Job.ID+".html")
	if err := os.WriteFile(path, []byte(res.Preview.HTML), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
