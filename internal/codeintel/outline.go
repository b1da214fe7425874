// Package codeintel extracts structural outlines from generated source files.
package codeintel

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// Language identifies a source language.
type Language string

const (
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
	LangJavaScript Language = "javascript"
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangRust       Language = "rust"
	LangCSS        Language = "css"
	LangHTML       Language = "html"
	LangJSON       Language = "json"
	LangMarkdown   Language = "markdown"
	LangUnknown    Language = ""
)

// IsScript reports whether l is a browser script language.
func (l Language) IsScript() bool {
	switch l {
	case LangTypeScript, LangTSX, LangJavaScript:
		return true
	}
	return false
}

var extLanguages = map[string]Language{
	".ts":   LangTypeScript,
	".tsx":  LangTSX,
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".mjs":  LangJavaScript,
	".go":   LangGo,
	".py":   LangPython,
	".rs":   LangRust,
	".css":  LangCSS,
	".scss": LangCSS,
	".html": LangHTML,
	".htm":  LangHTML,
	".json": LangJSON,
	".md":   LangMarkdown,
}

// DetectLanguage maps a file path to its language by extension.
func DetectLanguage(p string) Language {
	return extLanguages[strings.ToLower(path.Ext(p))]
}

// SymbolKind classifies outline entries.
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindClass     SymbolKind = "class"
	KindType      SymbolKind = "type"
	KindInterface SymbolKind = "interface"
	KindEnum      SymbolKind = "enum"
	KindMethod    SymbolKind = "method"
	KindValue     SymbolKind = "value"
)

// Symbol is one declaration in a file.
type Symbol struct {
	Name      string     `json:"name"`
	Kind      SymbolKind `json:"kind"`
	Exported  bool       `json:"exported"`
	Default   bool       `json:"default,omitempty"`
	StartLine int        `json:"startLine"`
	EndLine   int        `json:"endLine"`
}

// Outline is the structural summary of one file.
type Outline struct {
	Path     string   `json:"path"`
	Language Language `json:"language"`
	Lines    int      `json:"lines"`
	Symbols  []Symbol `json:"symbols,omitempty"`
}

// DefaultExport returns the name of the default-exported unit, if any.
func (o Outline) DefaultExport() (string, bool) {
	for _, s := range o.Symbols {
		if s.Default {
			return s.Name, true
		}
	}
	return "", false
}

// Outliner produces outlines.
type Outliner interface {
	Outline(ctx context.Context, path string, source []byte) (*Outline, error)
}

// extractor walks a parsed tree into symbols.
type extractor interface {
	Extract(root *tree_sitter.Node, source []byte) []Symbol
}

// TreeSitterOutliner implements Outliner with tree-sitter grammars. A parser
// is created per call, so one value may be shared across goroutines.
type TreeSitterOutliner struct {
	languages  map[Language]*tree_sitter.Language
	extractors map[Language]extractor
}

// Compile-time interface check.
var _ Outliner = (*TreeSitterOutliner)(nil)

// NewTreeSitterOutliner registers TypeScript, TSX (also used for JavaScript),
// Go, Python and Rust grammars.
func NewTreeSitterOutliner() *TreeSitterOutliner {
	tsx := tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTSX())
	return &TreeSitterOutliner{
		languages: map[Language]*tree_sitter.Language{
			LangTypeScript: tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript()),
			LangTSX:        tsx,
			LangJavaScript: tsx,
			LangGo:         tree_sitter.NewLanguage(tree_sitter_go.Language()),
			LangPython:     tree_sitter.NewLanguage(tree_sitter_python.Language()),
			LangRust:       tree_sitter.NewLanguage(tree_sitter_rust.Language()),
		},
		extractors: map[Language]extractor{
			LangTypeScript: tsExtractor{},
			LangTSX:        tsExtractor{},
			LangJavaScript: tsExtractor{},
			LangGo:         goExtractor{},
			LangPython:     pyExtractor{},
			LangRust:       rsExtractor{},
		},
	}
}

// Supports reports whether the outliner can parse l.
func (o *TreeSitterOutliner) Supports(l Language) bool {
	_, ok := o.languages[l]
	return ok
}

// Outline parses source and returns its declarations. Files in languages
// without a grammar get an outline with no symbols.
func (o *TreeSitterOutliner) Outline(_ context.Context, p string, source []byte) (*Outline, error) {
	lang := DetectLanguage(p)
	out := &Outline{Path: p, Language: lang, Lines: countLines(source)}

	tsLang, ok := o.languages[lang]
	if !ok {
		return out, nil
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(tsLang); err != nil {
		return nil, fmt.Errorf("codeintel: set language %s: %w", lang, err)
	}

	tree := parser.Parse(source, nil)
	if tree == nil {
		return nil, fmt.Errorf("codeintel: no tree for %s", p)
	}
	defer tree.Close()

	out.Symbols = o.extractors[lang].Extract(tree.RootNode(), source)
	return out, nil
}

func countLines(source []byte) int {
	if len(source) == 0 {
		return 0
	}
	return bytes.Count(source, []byte{'\n'}) + 1
}

func lineRange(node *tree_sitter.Node) (int, int) {
	return int(node.StartPosition().Row) + 1, int(node.EndPosition().Row) + 1
}

// walk visits node and its descendants depth-first.
func walk(cursor *tree_sitter.TreeCursor, visit func(*tree_sitter.Node)) {
	visit(cursor.Node())
	if cursor.GotoFirstChild() {
		walk(cursor, visit)
		for cursor.GotoNextSibling() {
			walk(cursor, visit)
		}
		cursor.GotoParent()
	}
}
