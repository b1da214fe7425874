// Package launch decides, from the orchestrator's latest reply, whether the
// conversation has gathered enough to start generation.
package launch

import (
	"strings"
	"unicode/utf8"
)

// Verdict is the outcome of a launch decision.
type Verdict string

const (
	ContinueDiscovery Verdict = "continueDiscovery"
	LaunchNow         Verdict = "launchNow"
)

// Reason explains which rule produced a verdict.
type Reason string

const (
	ReasonEmpty     Reason = "empty-reply"
	ReasonPhrase    Reason = "launch-phrase"
	ReasonForced    Reason = "exchange-limit"
	ReasonDiscovery Reason = "discovery"
	ReasonManual    Reason = "manual-override"
)

// DefaultMaxExchanges is the exchange count at which launch is forced.
const DefaultMaxExchanges = 5

// Decision is the result of evaluating one reply.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  Reason  `json:"reason"`
	// Rule is the matching rule name when Reason is ReasonPhrase.
	Rule string `json:"rule,omitempty"`
}

// Launch reports whether the decision starts generation.
func (d Decision) Launch() bool { return d.Verdict == LaunchNow }

// Manual is the decision recorded when the user forces a launch.
func Manual() Decision {
	return Decision{Verdict: LaunchNow, Reason: ReasonManual}
}

// Engine evaluates replies against a rule table and an exchange bound.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	table        *Table
	maxExchanges int
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the built-in rule table.
func WithRules(rules []Rule) Option {
	return func(e *Engine) {
		e.table = NewTable(rules)
	}
}

// WithExtraRules appends rules after the current table.
func WithExtraRules(rules []Rule) Option {
	return func(e *Engine) {
		merged := append(append([]Rule{}, e.table.rules...), rules...)
		e.table = NewTable(merged)
	}
}

// WithMaxExchanges sets the forced-launch bound. Values below 1 are ignored.
func WithMaxExchanges(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxExchanges = n
		}
	}
}

// New returns an Engine using DefaultRules and DefaultMaxExchanges unless
// overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		table:        NewTable(DefaultRules),
		maxExchanges: DefaultMaxExchanges,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxExchanges returns the forced-launch bound.
func (e *Engine) MaxExchanges() int { return e.maxExchanges }

// Decide evaluates reply given the number of user exchanges so far.
// Rules apply in order: an empty or malformed reply never launches, a
// launch phrase launches, reaching the exchange bound launches, anything else
// continues discovery.
func (e *Engine) Decide(reply string, exchangeCount int) Decision {
	if !utf8.ValidString(reply) || strings.TrimSpace(reply) == "" {
		return Decision{Verdict: ContinueDiscovery, Reason: ReasonEmpty}
	}
	if r, ok := e.table.Match(Fold(reply)); ok {
		return Decision{Verdict: LaunchNow, Reason: ReasonPhrase, Rule: r.Name}
	}
	if exchangeCount >= e.maxExchanges {
		return Decision{Verdict: LaunchNow, Reason: ReasonForced}
	}
	return Decision{Verdict: ContinueDiscovery, Reason: ReasonDiscovery}
}
