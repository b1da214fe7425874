// Package dialogue holds the conversation state of one launch negotiation.
package dialogue

import (
	"errors"
	"strings"
	"sync"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Phase is where the session stands in the negotiation.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDiscovery Phase = "discovery"
	PhaseLaunched  Phase = "launched"
)

// Turn is one message in the conversation. Turns are immutable once appended.
type Turn struct {
	Seq  int    `json:"seq"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ErrNotInDiscovery is returned when an operation needs an open discovery.
var ErrNotInDiscovery = errors.New("dialogue: discovery is not active")

// Session is the single source of truth for the turns and exchange count of
// one negotiation. It is safe for concurrent use.
type Session struct {
	mu        sync.Mutex
	turns     []Turn
	phase     Phase
	exchanges int
	discovery *DiscoveryContext
	closed    *DiscoveryContext
}

// NewSession returns an idle session.
func NewSession() *Session {
	return &Session{phase: PhaseIdle}
}

// AppendUserTurn records a user message. The first user turn of a
// negotiation opens discovery; the exchange count only moves while discovery
// is open, so the opening turn is exchange one.
func (s *Session) AppendUserTurn(text string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseIdle {
		s.phase = PhaseDiscovery
	}
	t := s.appendLocked(RoleUser, text)
	if s.phase == PhaseDiscovery {
		s.exchanges++
		if s.discovery != nil {
			s.discovery.GatheredInfo = append(s.discovery.GatheredInfo, text)
		}
	}
	return t
}

// AppendAssistantTurn records an assistant reply. The exchange count is
// left untouched.
func (s *Session) AppendAssistantTurn(text string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(RoleAssistant, text)
}

func (s *Session) appendLocked(role Role, text string) Turn {
	t := Turn{Seq: len(s.turns) + 1, Role: role, Text: text}
	s.turns = append(s.turns, t)
	return t
}

// Turns returns a copy of the stored turns.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// ExchangeCount returns how many user exchanges the negotiation has taken.
func (s *Session) ExchangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// OriginalPrompt returns the opening user utterance, or "".
func (s *Session) OriginalPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return originalPrompt(s.turns)
}

// LastUserTurn returns the most recent user turn.
func (s *Session) LastUserTurn() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == RoleUser {
			return s.turns[i], true
		}
	}
	return Turn{}, false
}

// BuildEnrichedPrompt joins the original prompt and every later user turn.
func (s *Session) BuildEnrichedPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EnrichedPrompt(s.turns)
}

// EnrichedPrompt is the generation prompt for turns: the user utterances in
// order, separated by single spaces. It depends on nothing but turns.
func EnrichedPrompt(turns []Turn) string {
	var parts []string
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		if text := strings.TrimSpace(t.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func originalPrompt(turns []Turn) string {
	for _, t := range turns {
		if t.Role == RoleUser {
			return t.Text
		}
	}
	return ""
}

// Reset clears turns, the exchange count and any discovery context. Call it
// when a new top-level request begins.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.phase = PhaseIdle
	s.exchanges = 0
	s.discovery = nil
	s.closed = nil
}

// EnsureDiscovery returns the discovery context, creating it on first use.
// Category and tone are derived once from the opening utterance.
func (s *Session) EnsureDiscovery() (DiscoveryContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseDiscovery {
		return DiscoveryContext{}, ErrNotInDiscovery
	}
	if s.discovery == nil {
		original := originalPrompt(s.turns)
		dc := &DiscoveryContext{
			OriginalPrompt: original,
			Category:       DetectCategory(original),
			Tone:           DetectTone(original),
		}
		seenOriginal := false
		for _, t := range s.turns {
			if t.Role != RoleUser {
				continue
			}
			if !seenOriginal {
				seenOriginal = true
				continue
			}
			dc.GatheredInfo = append(dc.GatheredInfo, t.Text)
		}
		s.discovery = dc
	}
	return s.snapshotLocked(), nil
}

// Discovery returns a copy of the discovery context if one exists.
func (s *Session) Discovery() (DiscoveryContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discovery == nil {
		return DiscoveryContext{}, false
	}
	return s.snapshotLocked(), true
}

func (s *Session) snapshotLocked() DiscoveryContext {
	dc := *s.discovery
	dc.ExchangeCount = s.exchanges
	dc.GatheredInfo = append([]string(nil), s.discovery.GatheredInfo...)
	return dc
}

// BeginLaunch closes discovery and returns the enriched prompt. The closed
// context is kept aside so AbortLaunch can restore it.
func (s *Session) BeginLaunch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseDiscovery {
		return "", ErrNotInDiscovery
	}
	s.phase = PhaseLaunched
	s.closed = s.discovery
	s.discovery = nil
	return EnrichedPrompt(s.turns), nil
}

// AbortLaunch returns a launched session to discovery with its turns and
// context intact, after job creation failed.
func (s *Session) AbortLaunch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseLaunched {
		return
	}
	s.phase = PhaseDiscovery
	s.discovery = s.closed
	s.closed = nil
}
