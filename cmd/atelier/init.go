package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Atomixxxx/mon-atelier-ia/internal/config"
)

// mcpConfig is the part of a .mcp.json file this command edits.
type mcpConfig struct {
	MCPServers map[string]json.RawMessage `json:"mcpServers"`
}

var atelierMCPEntry = json.RawMessage(`{
  "type": "stdio",
  "command": "atelier",
  "args": ["mcp"]
}`)

func newInitCmd(_ *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter atelier.yml and register the MCP server in .mcp.json",
		Args:  cobra.MaximumNArgs(1),
		// init writes the config, so it must not require a valid one.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(cmd.OutOrStdout(), dir, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files and entries")
	return cmd
}

func runInit(out io.Writer, dir string, force bool) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("init: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := writeStarterConfig(out, filepath.Join(abs, "atelier.yml"), force); err != nil {
		return err
	}
	return mergeMCPConfig(out, filepath.Join(abs, ".mcp.json"), force)
}

func writeStarterConfig(out io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(out, "  skipped %s (exists, use --force to overwrite)\n", filepath.Base(path))
		return nil
	}
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("init: encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("init: write %s: %w", path, err)
	}
	fmt.Fprintf(out, "  created %s\n", filepath.Base(path))
	return nil
}

// mergeMCPConfig adds the atelier entry to .mcp.json, keeping other servers.
func mergeMCPConfig(out io.Writer, path string, force bool) error {
	var cfg mcpConfig
	data, err := os.ReadFile(path)
	existed := err == nil
	if existed {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("init: parse %s: %w", path, err)
		}
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]json.RawMessage)
	}
	if _, ok := cfg.MCPServers["atelier"]; ok && !force {
		fmt.Fprintf(out, "  skipped .mcp.json atelier entry (exists, use --force to overwrite)\n")
		return nil
	}
	cfg.MCPServers["atelier"] = atelierMCPEntry

	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("init: encode .mcp.json: %w", err)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("init: write %s: %w", path, err)
	}
	action := "created"
	if existed {
		action = "updated"
	}
	fmt.Fprintf(out, "  %s .mcp.json with the atelier MCP server\n", action)
	return nil
}
