package dialogue

import (
	"fmt"
	"strings"
)

// DiscoveryContext is the requirement-gathering state between the first
// user utterance and launch.
type DiscoveryContext struct {
	OriginalPrompt string   `json:"originalPrompt"`
	Category       Category `json:"category"`
	Tone           Tone     `json:"tone"`
	ExchangeCount  int      `json:"exchangeCount"`
	GatheredInfo   []string `json:"gatheredInfo,omitempty"`
}

// Category is the detected kind of project.
type Category string

const (
	CategoryRestaurant Category = "restaurant"
	CategoryEcommerce  Category = "ecommerce"
	CategoryBlog       Category = "blog"
	CategoryPortfolio  Category = "portfolio"
	CategoryDashboard  Category = "dashboard"
	CategoryLanding    Category = "landing"
	CategoryTodo       Category = "todo"
	CategoryWebapp     Category = "webapp"
)

// Tone is the conversational register of the assistant.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCreative     Tone = "creative"
	TonePlayful      Tone = "playful"
	ToneFriendly     Tone = "friendly"
)

type keywordEntry[T any] struct {
	value    T
	keywords []string
}

var categoryTable = []keywordEntry[Category]{
	{CategoryRestaurant, []string{"restaurant", "menu"}},
	{CategoryEcommerce, []string{"e-commerce", "boutique"}},
	{CategoryBlog, []string{"blog", "article"}},
	{CategoryPortfolio, []string{"portfolio", "cv"}},
	{CategoryDashboard, []string{"dashboard", "admin"}},
	{CategoryLanding, []string{"landing", "accueil"}},
	{CategoryTodo, []string{"todo", "task"}},
}

var toneTable = []keywordEntry[Tone]{
	{ToneProfessional, []string{"professionnel", "entreprise"}},
	{ToneCreative, []string{"créatif", "artistique"}},
	{TonePlayful, []string{"fun", "amusant"}},
}

func lookup[T any](table []keywordEntry[T], text string, fallback T) T {
	lower := strings.ToLower(text)
	for _, e := range table {
		for _, kw := range e.keywords {
			if strings.Contains(lower, kw) {
				return e.value
			}
		}
	}
	return fallback
}

// DetectCategory classifies an utterance by the first keyword group it hits.
func DetectCategory(text string) Category {
	return lookup(categoryTable, text, CategoryWebapp)
}

// DetectTone picks the assistant register from an utterance.
func DetectTone(text string) Tone {
	return lookup(toneTable, text, ToneFriendly)
}

var fallbackQuestions = map[Category][]string{
	CategoryRestaurant: {
		"Quel type de cuisine souhaitez-vous mettre en avant ?",
		"Voulez-vous inclure un système de réservation en ligne ?",
		"Quelle ambiance voulez-vous créer pour votre site ?",
	},
	CategoryEcommerce: {
		"Quel type de produits allez-vous vendre ?",
		"Avez-vous besoin d'un système de paiement intégré ?",
		"Combien de produits prévoyez-vous d'avoir initialement ?",
	},
	CategoryWebapp: {
		"Pouvez-vous me donner plus de détails sur les fonctionnalités principales ?",
		"Qui sera l'utilisateur principal de votre application ?",
		"Avez-vous des préférences particulières pour le design ?",
	},
}

// FallbackQuestion returns the canned question for step (1-based) of a
// category, used when the orchestrator gives no usable reply. Categories
// without their own list use the webapp questions; steps past the end repeat
// the last question.
func FallbackQuestion(c Category, step int) string {
	qs, ok := fallbackQuestions[c]
	if !ok {
		qs = fallbackQuestions[CategoryWebapp]
	}
	idx := step - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(qs) {
		idx = len(qs) - 1
	}
	return qs[idx]
}

// contextTurns is how many recent turns travel with each discovery message.
const contextTurns = 4

// ChatMessage returns the text to send to the orchestrator for the latest user
// turn. The opening turn goes out as is; later turns are wrapped with the
// recent conversation and the closing-phrase instruction.
func (s *Session) ChatMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.turns)
	if n == 0 {
		return ""
	}
	latest := s.turns[n-1]
	if n == 1 || s.phase != PhaseDiscovery {
		return latest.Text
	}

	prior := s.turns[:n-1]
	if len(prior) > contextTurns {
		prior = prior[len(prior)-contextTurns:]
	}
	var b strings.Builder
	b.WriteString("CONTEXTE DE NOTRE CONVERSATION :\n")
	for _, t := range prior {
		who := "Toi"
		if t.Role == RoleUser {
			who = "Utilisateur"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, t.Text)
	}
	fmt.Fprintf(&b, "\nNOUVELLE RÉPONSE DE L'UTILISATEUR : %s\n\n", latest.Text)
	b.WriteString("Continue cette conversation en gardant tout le contexte. ")
	b.WriteString(`Si tu as suffisamment d'informations, conclus par "Parfait ! Je lance l'Agent Développeur IA pour créer [description précise] !"`)
	return b.String()
}
