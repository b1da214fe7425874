package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Atomixxxx/mon-atelier-ia/internal/codeintel"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// skipDirs are never read into a preview.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
}

func newPreviewCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "preview <dir>",
		Short: "Synthesize a preview document from a directory of generated files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := readProject(args[0])
			if err != nil {
				return err
			}
			doc := a.synthesizer().Synthesize(cmd.Context(), files)
			a.logger.Info("preview synthesized",
				"files", len(files),
				"strategy", doc.Strategy,
				"domain", doc.Domain,
				"primary", doc.Primary)

			if out == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), doc.HTML)
				return err
			}
			if err := os.WriteFile(out, []byte(doc.HTML), 0o644); err != nil {
				return fmt.Errorf("preview: write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", out, doc.Strategy)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the HTML document to this file instead of stdout")
	return cmd
}

// readProject loads every regular file under root as a generated file with
// a slash-separated path relative to root.
func readProject(root string) ([]workflow.GeneratedFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("preview: %s is not a directory", root)
	}

	var files []workflow.GeneratedFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible paths
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil // skip unreadable files
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		files = append(files, workflow.GeneratedFile{
			Path:     rel,
			Content:  string(content),
			Language: string(codeintel.DetectLanguage(rel)),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("preview: walk: %w", err)
	}
	return files, nil
}
