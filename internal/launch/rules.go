package launch

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Rule is one launch-intent pattern. It matches when every entry of AllOf
// occurs in the folded reply text.
type Rule struct {
	Name  string   `yaml:"name"`
	AllOf []string `yaml:"allOf"`
}

// DefaultRules is the built-in launch-intent table. Explicit statements that
// generation is starting come first, then affirmation plus launch verb pairs.
var DefaultRules = []Rule{
	{Name: "announce-agent", AllOf: []string{"je lance l'agent"}},
	{Name: "announce-agent-le", AllOf: []string{"je lance le agent"}},
	{Name: "launch-agent", AllOf: []string{"lance l'agent développeur"}},
	{Name: "launch-agent-le", AllOf: []string{"lance le agent développeur"}},
	{Name: "start-development", AllOf: []string{"lancer le développement"}},
	{Name: "begin-development", AllOf: []string{"commencer le développement"}},
	{Name: "develop-your", AllOf: []string{"développer votre"}},
	{Name: "create-this", AllOf: []string{"créer cette"}},
	{Name: "enough-info", AllOf: []string{"assez d'informations"}},
	{Name: "have-everything", AllOf: []string{"j'ai tout ce qu'il faut"}},
	{Name: "can-start", AllOf: []string{"on peut commencer"}},
	{Name: "perfect-launch", AllOf: []string{"parfait", "lance"}},
	{Name: "excellent-launch", AllOf: []string{"excellent", "lance"}},
	{Name: "great-launch", AllOf: []string{"super", "lance"}},
	{Name: "lets-go-develop", AllOf: []string{"c'est parti", "développ"}},
	{Name: "lets-go-create", AllOf: []string{"allons-y", "créer"}},
	{Name: "en-launching-agent", AllOf: []string{"launching the developer agent"}},
	{Name: "en-start-building", AllOf: []string{"i have everything i need"}},
}

// Table is a compiled, ordered rule set.
type Table struct {
	rules  []Rule
	folded [][]string
}

// NewTable compiles rules in order. Rules with no non-empty pattern are skipped
// so a blank entry can never match every reply.
func NewTable(rules []Rule) *Table {
	t := &Table{}
	for _, r := range rules {
		var pats []string
		for _, p := range r.AllOf {
			if f := Fold(p); strings.TrimSpace(f) != "" {
				pats = append(pats, f)
			}
		}
		if len(pats) == 0 {
			continue
		}
		t.rules = append(t.rules, r)
		t.folded = append(t.folded, pats)
	}
	return t
}

// Match returns the first rule whose patterns all occur in folded.
func (t *Table) Match(folded string) (Rule, bool) {
	for i, pats := range t.folded {
		if containsAll(folded, pats) {
			return t.rules[i], true
		}
	}
	return Rule{}, false
}

// Len returns the number of compiled rules.
func (t *Table) Len() int { return len(t.rules) }

func containsAll(s string, pats []string) bool {
	for _, p := range pats {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")

// Fold normalizes text for phrase matching: NFC composition, typographic
// apostrophes to ASCII, Unicode case folding and collapsed whitespace.
func Fold(s string) string {
	s = norm.NFC.String(s)
	s = apostrophes.Replace(s)
	s = cases.Fold().String(s) // a Caser is stateful; never share one
	return strings.Join(strings.Fields(s), " ")
}
