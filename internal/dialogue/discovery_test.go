package dialogue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectCategory(t *testing.T) {
	tests := []struct {
		text string
		want Category
	}{
		{"Un site pour mon Restaurant", CategoryRestaurant},
		{"une carte de menu", CategoryRestaurant},
		{"ma boutique en ligne", CategoryEcommerce},
		{"un blog perso", CategoryBlog},
		{"mon CV en ligne", CategoryPortfolio},
		{"un panneau admin", CategoryDashboard},
		{"une page d'accueil", CategoryLanding},
		{"une todo list", CategoryTodo},
		{"un jeu de serpent", CategoryWebapp},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectCategory(tt.text))
		})
	}
}

func TestDetectTone(t *testing.T) {
	assert.Equal(t, ToneProfessional, DetectTone("pour mon entreprise"))
	assert.Equal(t, ToneCreative, DetectTone("un style artistique"))
	assert.Equal(t, TonePlayful, DetectTone("quelque chose d'amusant"))
	assert.Equal(t, ToneFriendly, DetectTone("un site"))
}

func TestFallbackQuestion(t *testing.T) {
	assert.Contains(t, FallbackQuestion(CategoryRestaurant, 1), "cuisine")
	assert.Contains(t, FallbackQuestion(CategoryRestaurant, 2), "réservation")
	assert.Equal(t, FallbackQuestion(CategoryRestaurant, 3), FallbackQuestion(CategoryRestaurant, 10))
	assert.Equal(t, FallbackQuestion(CategoryWebapp, 1), FallbackQuestion(CategoryBlog, 1))
	assert.Equal(t, FallbackQuestion(CategoryWebapp, 1), FallbackQuestion(CategoryWebapp, 0))
}

func TestChatMessage(t *testing.T) {
	s := NewSession()
	assert.Equal(t, "", s.ChatMessage())

	s.AppendUserTurn("Un site de restaurant")
	assert.Equal(t, "Un site de restaurant", s.ChatMessage(), "opening turn sent raw")

	s.AppendAssistantTurn("Quelle cuisine ?")
	s.AppendUserTurn("Japonaise")
	s.AppendAssistantTurn("Réservation ?")
	s.AppendUserTurn("Oui")
	s.AppendAssistantTurn("Ambiance ?")
	s.AppendUserTurn("Zen")

	msg := s.ChatMessage()
	assert.Contains(t, msg, "NOUVELLE RÉPONSE DE L'UTILISATEUR : Zen")
	assert.Contains(t, msg, "Je lance l'Agent Développeur IA")
	assert.Contains(t, msg, "Toi: Ambiance ?")
	assert.Contains(t, msg, "Utilisateur: Japonaise")
	assert.NotContains(t, msg, "Un site de restaurant", "only the last four prior turns travel")
	assert.Equal(t, 4, strings.Count(msg, "\nUtilisateur: ")+strings.Count(msg, "\nToi: "))
}
