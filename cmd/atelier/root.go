package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Atomixxxx/mon-atelier-ia/internal/config"
	"github.com/Atomixxxx/mon-atelier-ia/internal/engine"
	"github.com/Atomixxxx/mon-atelier-ia/internal/job"
	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
	"github.com/Atomixxxx/mon-atelier-ia/internal/launch"
	"github.com/Atomixxxx/mon-atelier-ia/internal/preview"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configDir string
	logLevel  string
	cfg       *config.Config
	logger    *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "atelier",
		Short: "Describe a project in conversation, generate it and preview the result",
		Long: `atelier talks to a project orchestrator until your request is clear,
launches the code-generation job, follows its progress over a push channel
and polling, and renders a preview of the generated files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.configDir, "config-dir", ".", "directory holding atelier.yml and .env")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")

	root.AddCommand(
		newChatCmd(a),
		newSimCmd(a),
		newMCPCmd(a),
		newPreviewCmd(a),
		newInitCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(logOut io.Writer) error {
	cfg, err := config.Load(a.configDir)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// client returns the job-execution service client described by the config.
func (a *app) client() *jobapi.HTTPClient {
	s := a.cfg.Service
	return jobapi.NewHTTPClient(s.URL,
		jobapi.WithTransport(jobapi.Transport(s.Transport)),
		jobapi.WithTimeout(s.Timeout),
		jobapi.WithKeepAlive(s.KeepAlive),
		jobapi.WithLogger(a.logger),
	)
}

func (a *app) synthesizer() *preview.Synthesizer {
	opts := []preview.Option{
		preview.WithCacheSize(a.cfg.Preview.CacheSize),
		preview.WithLogger(a.logger),
	}
	if len(a.cfg.Preview.Signatures) > 0 {
		opts = append(opts, preview.WithSignatures(a.cfg.Preview.Signatures))
	}
	return preview.New(opts...)
}

// engine wires a conversation engine over svc from the config.
func (a *app) engine(svc jobapi.Service) *engine.Engine {
	j := a.cfg.Job
	decider := launch.New(
		launch.WithMaxExchanges(a.cfg.Launch.MaxExchanges),
		launch.WithExtraRules(a.cfg.Launch.ExtraRules),
	)
	return engine.New(svc,
		engine.WithDecider(decider),
		engine.WithOrchestrator(a.cfg.Agents.Orchestrator),
		engine.WithLogger(a.logger),
		engine.WithJobOptions(
			job.WithConfig(job.Config{
				Agent:           a.cfg.Agents.Developer,
				PollInterval:    j.PollInterval,
				MaxPollAttempts: j.MaxPollAttempts,
				MaxPollFailures: j.MaxPollFailures,
				Deadline:        j.Deadline,
				CompletionGrace: j.CompletionGrace,
				FetchRetries:    j.FetchRetries,
				FetchDelay:      j.FetchDelay,
				Debounce:        j.Debounce,
			}),
			job.WithSynthesizer(a.synthesizer()),
		),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// The version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
