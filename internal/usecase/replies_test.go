package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/urgency"
)

func TestReplyBook_DefaultsUseProfile(t *testing.T) {
	b := newReplyBook(domain.TenantProfile{
		Name:     "Clínica Sorriso",
		Phone:    "+55 11 3333-4444",
		Address:  "Rua das Flores, 100",
		MapsLink: "https://maps.example/sorriso",
	}, nil)

	text, by := b.resolve(domain.IntentLocation)
	require.Equal(t, domain.ProducedByFallback, by)
	require.Equal(t, "📍 *Endereço:*\nRua das Flores, 100\n\n🗺️ Ver no mapa: https://maps.example/sorriso", text)

	text, _ = b.resolve(domain.IntentPrice)
	require.Contains(t, text, "+55 11 3333-4444", "emergency line falls back to the main phone")

	text, _ = b.resolve(domain.IntentReview)
	require.Contains(t, text, "Obrigado pelo feedback!")

	text, _ = b.resolve("not_an_intent")
	require.Contains(t, text, "Desculpe, não entendi sua mensagem")
}

func TestReplyBook_LocationWithoutMapsLink(t *testing.T) {
	b := newReplyBook(domain.TenantProfile{Address: "Rua A"}, nil)
	text, _ := b.resolve(domain.IntentLocation)
	require.Equal(t, "📍 *Endereço:*\nRua A", text)
}

func TestReplyBook_CannedWins(t *testing.T) {
	b := newReplyBook(domain.TenantProfile{ReviewLink: "https://g.page/r/x"}, map[string]string{
		domain.IntentReview: "Avalie: {{settings.googleReviewLink}} na {{company.name}}",
		domain.IntentThanks: "   ",
	})

	text, by := b.resolve(domain.IntentReview)
	require.Equal(t, domain.ProducedByPattern, by)
	require.Equal(t, "Avalie: https://g.page/r/x na Clínica", text)

	_, by = b.resolve(domain.IntentThanks)
	require.Equal(t, domain.ProducedByFallback, by, "blank canned responses are ignored")
}

func TestReplyBook_EmergencyTiers(t *testing.T) {
	b := newReplyBook(domain.TenantProfile{Phone: "111", EmergencyPhone: "999"}, nil)

	require.Contains(t, b.emergency(urgency.Critical), "*Ligue AGORA:* 999")
	require.Contains(t, b.emergency(urgency.High), "Situação Urgente")
	require.Contains(t, b.emergency(urgency.Medium), "Precisando de Ajuda?")
	low := b.emergency(urgency.Low)
	require.Contains(t, low, "Ou ligue: 999")
	require.NotContains(t, low, "111")
}

func TestBuildPromptMessages_TrimsHistory(t *testing.T) {
	var history []domain.Message
	for i := 0; i < 10; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		history = append(history, domain.Message{Role: role, Content: string(rune('a' + i))})
	}
	history = append(history, domain.Message{Role: domain.RoleSystem, Content: "hidden"}, domain.Message{Role: domain.RoleUser, Content: "  "})

	msgs := buildPromptMessages("", "nova pergunta", history)
	require.Len(t, msgs, 1+historyTurns+1)
	require.Equal(t, defaultSystemPrompt, msgs[0].Content)
	require.Equal(t, "e", msgs[1].Content)
	require.Equal(t, "j", msgs[historyTurns].Content)
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "nova pergunta"}, msgs[len(msgs)-1])
}

func TestSessionVariables(t *testing.T) {
	vars := sessionVariables(domain.TenantProfile{Name: "Sorriso", Phone: "1"})
	require.Equal(t, "Sorriso", vars["company.name"])
	require.Equal(t, "1", vars["settings.emergencyPhone"])
	require.Contains(t, vars["context"], "Clínica: Sorriso")
}
