// Package preview turns a set of generated files into a single renderable
// HTML document.
//
// Strategies are tried in a fixed order: a file that already is a complete
// HTML page is returned as is, then domain signatures pick a specialized
// template, and anything else gets the intelligent composite built from the
// files' structural outlines. Synthesis never fails; an empty input or an
// internal error produces the placeholder document.
package preview

import (
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"html/template"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Atomixxxx/mon-atelier-ia/internal/codeintel"
	"github.com/Atomixxxx/mon-atelier-ia/internal/workflow"
)

// Strategy names how a Document was produced.
type Strategy string

const (
	StrategyRaw         Strategy = "raw-fallback"
	StrategySpecialized Strategy = "specialized-template"
	StrategyComposite   Strategy = "intelligent-composite"
	StrategyPlaceholder Strategy = "placeholder"
)

// Document is a synthesized preview.
type Document struct {
	HTML     string   `json:"html"`
	Strategy Strategy `json:"strategy"`
	Domain   string   `json:"domain,omitempty"`
	Primary  string   `json:"primary,omitempty"`
	Unit     string   `json:"unit,omitempty"`
}

// Signature maps a domain to the keywords that identify it. Any keyword
// matching the lower-cased file contents selects the domain.
type Signature struct {
	Domain   string   `yaml:"domain" json:"domain"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Domains with an embedded template.
const (
	DomainRestaurant = "restaurant"
	DomainTodo       = "todo"
	DomainGame       = "game"
)

// DefaultSignatures is the ordered signature table. Earlier entries win.
var DefaultSignatures = []Signature{
	{Domain: DomainRestaurant, Keywords: []string{"restaurant", "menu", "sushi"}},
	{Domain: DomainTodo, Keywords: []string{"todo", "task"}},
	{Domain: DomainGame, Keywords: []string{"snake", "game"}},
}

const defaultCacheSize = 128

//go:embed templates/*.html.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("preview").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(templateFS, "templates/*.html.tmpl"))

var domainTemplates = map[string]string{
	DomainRestaurant: "restaurant.html.tmpl",
	DomainTodo:       "todo.html.tmpl",
	DomainGame:       "game.html.tmpl",
}

// Synthesizer builds preview documents. It is safe for concurrent use.
type Synthesizer struct {
	outliner   codeintel.Outliner
	signatures []Signature
	cache      *lru.Cache[string, Document]
	logger     *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithOutliner replaces the tree-sitter outliner.
func WithOutliner(o codeintel.Outliner) Option {
	return func(s *Synthesizer) { s.outliner = o }
}

// WithSignatures replaces the signature table. Signatures naming a domain
// without a template are skipped.
func WithSignatures(sigs []Signature) Option {
	return func(s *Synthesizer) { s.signatures = sigs }
}

// WithCacheSize sets the number of cached documents.
func WithCacheSize(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.cache, _ = lru.New[string, Document](n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) { s.logger = l }
}

// New returns a Synthesizer with the default signatures.
func New(opts ...Option) *Synthesizer {
	cache, _ := lru.New[string, Document](defaultCacheSize)
	s := &Synthesizer{
		outliner:   codeintel.NewTreeSitterOutliner(),
		signatures: DefaultSignatures,
		cache:      cache,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize renders files into a Document. The result depends only on
// the set of files, not on their order.
func (s *Synthesizer) Synthesize(ctx context.Context, files []workflow.GeneratedFile) (doc Document) {
	if len(files) == 0 {
		return Placeholder("Aucun fichier généré.")
	}

	sorted := make([]workflow.GeneratedFile, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	key := fingerprint(sorted)
	if cached, ok := s.cache.Get(key); ok {
		return cached
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("preview synthesis panicked", "panic", r)
			doc = Placeholder("La génération de l'aperçu a échoué.")
		}
	}()

	doc, err := s.synthesize(ctx, sorted)
	if err != nil {
		s.logger.Warn("preview synthesis failed", "error", err)
		return Placeholder("La génération de l'aperçu a échoué.")
	}
	s.cache.Add(key, doc)
	return doc
}

func (s *Synthesizer) synthesize(ctx context.Context, files []workflow.GeneratedFile) (Document, error) {
	for _, f := range files {
		if isHTMLDocument(f) {
			return Document{HTML: f.Content, Strategy: StrategyRaw, Primary: f.Path}, nil
		}
	}

	outlines := s.outline(ctx, files)
	primary := selectPrimary(files)
	unit := unitName(primary, outlines)
	data := pageData{
		Title:   humanize(unit),
		Unit:    unit,
		Primary: primary.Path,
	}
	data.Styles, data.StyleSheets = collectStyles(files)

	if domain, ok := s.matchDomain(files); ok {
		data.Files = fileRows(files, outlines)
		html, err := render(domainTemplates[domain], data)
		if err != nil {
			return Document{}, err
		}
		return Document{HTML: html, Strategy: StrategySpecialized, Domain: domain, Primary: primary.Path, Unit: unit}, nil
	}

	data.Files = fileRows(files, outlines)
	data.Sections = components(outlines)
	html, err := render("composite.html.tmpl", data)
	if err != nil {
		return Document{}, err
	}
	return Document{HTML: html, Strategy: StrategyComposite, Primary: primary.Path, Unit: unit}, nil
}

// matchDomain returns the first signature with a keyword in the aggregate
// lower-cased content.
func (s *Synthesizer) matchDomain(files []workflow.GeneratedFile) (string, bool) {
	var b strings.Builder
	for _, f := range files {
		b.WriteString(strings.ToLower(f.Content))
		b.WriteByte('\n')
	}
	content := b.String()

	for _, sig := range s.signatures {
		if _, ok := domainTemplates[sig.Domain]; !ok {
			continue
		}
		for _, kw := range sig.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(content, kw) {
				return sig.Domain, true
			}
		}
	}
	return "", false
}

func (s *Synthesizer) outline(ctx context.Context, files []workflow.GeneratedFile) map[string]*codeintel.Outline {
	out := make(map[string]*codeintel.Outline, len(files))
	for _, f := range files {
		o, err := s.outliner.Outline(ctx, f.Path, []byte(f.Content))
		if err != nil {
			s.logger.Debug("outline failed", "path", f.Path, "error", err)
			continue
		}
		out[f.Path] = o
	}
	return out
}

// Placeholder returns the document shown when no preview can be built.
func Placeholder(message string) Document {
	html, err := render("placeholder.html.tmpl", struct{ Message string }{message})
	if err != nil {
		html = "<!DOCTYPE html><html><body><p>" + template.HTMLEscapeString(message) + "</p></body></html>"
	}
	return Document{HTML: html, Strategy: StrategyPlaceholder}
}

// ---------------------------------------------------------------------------
// Template data
// ---------------------------------------------------------------------------

type pageData struct {
	Title       string
	Unit        string
	Primary     string
	Styles      template.CSS
	StyleSheets int
	Files       []fileRow
	Sections    []string
}

type fileRow struct {
	Path     string
	Language string
	Lines    int
	Symbols  []string
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("preview: render %s: %w", name, err)
	}
	return buf.String(), nil
}

func fileRows(files []workflow.GeneratedFile, outlines map[string]*codeintel.Outline) []fileRow {
	rows := make([]fileRow, 0, len(files))
	for _, f := range files {
		row := fileRow{Path: f.Path, Language: f.Language}
		if o, ok := outlines[f.Path]; ok {
			row.Lines = o.Lines
			if row.Language == "" {
				row.Language = string(o.Language)
			}
			for _, sym := range o.Symbols {
				row.Symbols = append(row.Symbols, sym.Name)
			}
		}
		if row.Language == "" {
			row.Language = "text"
		}
		rows = append(rows, row)
	}
	return rows
}

// components lists exported, capitalized script declarations.
func components(outlines map[string]*codeintel.Outline) []string {
	seen := make(map[string]bool)
	var names []string
	for _, o := range outlines {
		if !o.Language.IsScript() {
			continue
		}
		for _, sym := range o.Symbols {
			if !sym.Exported || seen[sym.Name] || !startsUpper(sym.Name) {
				continue
			}
			seen[sym.Name] = true
			names = append(names, sym.Name)
		}
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// File selection
// ---------------------------------------------------------------------------

var entryStems = []string{"app", "main", "index"}

// selectPrimary picks the entry file. Files must already be in path order.
func selectPrimary(files []workflow.GeneratedFile) workflow.GeneratedFile {
	for _, stem := range entryStems {
		for _, f := range files {
			if isScript(f) && fileStem(f.Path) == stem {
				return f
			}
		}
	}
	for _, f := range files {
		if isScript(f) && strings.Contains(f.Content, "export default") {
			return f
		}
	}
	for _, f := range files {
		if isScript(f) {
			return f
		}
	}
	return files[0]
}

var defaultExportRe = regexp.MustCompile(`export\s+default\s+(?:async\s+)?(?:function\s*\*?\s*|class\s+)?([A-Za-z_$][\w$]*)`)

// unitName names the primary unit: the outline's default export, else a
// textual match, else "App".
func unitName(primary workflow.GeneratedFile, outlines map[string]*codeintel.Outline) string {
	if o, ok := outlines[primary.Path]; ok {
		if name, ok := o.DefaultExport(); ok {
			return name
		}
	}
	if m := defaultExportRe.FindStringSubmatch(primary.Content); m != nil && m[1] != "function" && m[1] != "class" {
		return m[1]
	}
	return "App"
}

func isScript(f workflow.GeneratedFile) bool {
	return codeintel.DetectLanguage(f.Path).IsScript()
}

func fileStem(p string) string {
	base := path.Base(p)
	return strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// isHTMLDocument reports whether f is markup that opens as a full document.
// Script sources are never documents, even when they render an <html> element.
func isHTMLDocument(f workflow.GeneratedFile) bool {
	switch codeintel.DetectLanguage(f.Path) {
	case codeintel.LangHTML, codeintel.LangUnknown:
	default:
		return false
	}
	head := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(f.Content, "\ufeff")))
	return strings.HasPrefix(head, "<!doctype") || strings.HasPrefix(head, "<html")
}

var styleCloseRe = regexp.MustCompile(`(?i)</style`)

// collectStyles concatenates every style sheet in path order.
func collectStyles(files []workflow.GeneratedFile) (template.CSS, int) {
	var b strings.Builder
	n := 0
	for _, f := range files {
		if codeintel.DetectLanguage(f.Path) != codeintel.LangCSS {
			continue
		}
		if n > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "/* %s */\n", strings.ReplaceAll(f.Path, "*/", "* /"))
		b.WriteString(styleCloseRe.ReplaceAllString(f.Content, `<\/style`))
		n++
	}
	return template.CSS(b.String()), n
}

// humanize splits a camel-case identifier into words.
func humanize(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if r == '_' || r == '-' {
			b.WriteByte(' ')
			continue
		}
		if i > 0 && unicode.IsUpper(r) && !unicode.IsUpper(runes[i-1]) && runes[i-1] != '_' && runes[i-1] != '-' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

// fingerprint hashes paths and contents with length prefixes so that
// different splits of the same bytes never collide.
func fingerprint(files []workflow.GeneratedFile) string {
	h := sha256.New()
	var n [8]byte
	for _, f := range files {
		for _, part := range []string{f.Path, f.Language, f.Content} {
			binary.BigEndian.PutUint64(n[:], uint64(len(part)))
			h.Write(n[:])
			h.Write([]byte(part))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
