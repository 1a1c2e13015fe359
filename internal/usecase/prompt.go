package usecase

import (
	"strings"

	"clinic-assistant/internal/domain"
)

// historyTurns is how many earlier messages are sent along with the new one.
const historyTurns = 6

const defaultSystemPrompt = `Você é um assistente virtual de uma clínica odontológica brasileira.

REGRAS IMPORTANTES:
1. Responda APENAS em português brasileiro
2. Seja conciso e direto (máximo 3-4 frases)
3. Use emojis com moderação (1-2 por mensagem)
4. Para agendamentos, pergunte: procedimento → data → horário
5. Para emergências, forneça o telefone imediatamente
6. Se não souber algo, transfira para um humano

VARIÁVEIS DISPONÍVEIS:
- {{company.name}}: Nome da clínica
- {{company.phone}}: Telefone principal
- {{settings.emergencyPhone}}: Telefone de emergência
- {{settings.googleMapsLink}}: Link do Google Maps

CONTEXTO DA CLÍNICA:
{{context}}`

// clinicContext is the value of the {{context}} placeholder.
func clinicContext(p domain.TenantProfile) string {
	return strings.Join([]string{
		"Clínica: " + p.DisplayName(),
		"Telefone: " + p.Phone,
		"Endereço: " + p.Address,
		"Emergência: " + p.EmergencyLine(),
		"Google Maps: " + p.MapsLink,
		"Avaliação: " + p.ReviewLink,
	}, "\n")
}

// buildPromptMessages keeps placeholders in the system prompt; the gateway
// substitutes them.
func buildPromptMessages(systemPrompt, text string, history []domain.Message) []domain.ChatMessage {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	messages := []domain.ChatMessage{{Role: domain.RoleSystem, Content: systemPrompt}}

	turns := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if msg, ok := historyToPromptMessage(m); ok {
			turns = append(turns, msg)
		}
	}
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	messages = append(messages, turns...)

	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: text})
}

func historyToPromptMessage(m domain.Message) (domain.ChatMessage, bool) {
	if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
		return domain.ChatMessage{}, false
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return domain.ChatMessage{}, false
	}
	return domain.ChatMessage{Role: m.Role, Content: content}, true
}

func sessionVariables(p domain.TenantProfile) map[string]string {
	vars := variableMap(p)
	vars["context"] = clinicContext(p)
	return vars
}
