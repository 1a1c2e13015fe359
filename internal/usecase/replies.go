package usecase

import (
	"strings"

	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/urgency"
)

// replyBook resolves the text sent for a classified intent. Tenant canned
// responses win over the built-in templates.
type replyBook struct {
	profile domain.TenantProfile
	canned  map[string]string
	vars    *strings.Replacer
}

func newReplyBook(profile domain.TenantProfile, canned map[string]string) *replyBook {
	return &replyBook{
		profile: profile,
		canned:  canned,
		vars:    strings.NewReplacer(replyVariables(profile)...),
	}
}

// replyVariables lists the {{name}} placeholders and their values, flattened
// for strings.NewReplacer.
func replyVariables(p domain.TenantProfile) []string {
	return []string{
		"{{company.name}}", p.DisplayName(),
		"{{company.phone}}", p.Phone,
		"{{company.address}}", p.Address,
		"{{settings.googleMapsLink}}", p.MapsLink,
		"{{settings.googleReviewLink}}", p.ReviewLink,
		"{{settings.emergencyPhone}}", p.EmergencyLine(),
	}
}

// variableMap is replyVariables keyed by bare name, the shape the generation
// gateway substitutes into system prompts.
func variableMap(p domain.TenantProfile) map[string]string {
	pairs := replyVariables(p)
	out := make(map[string]string, len(pairs)/2+1)
	for i := 0; i < len(pairs); i += 2 {
		out[strings.Trim(pairs[i], "{}")] = pairs[i+1]
	}
	return out
}

func (b *replyBook) interpolate(text string) string {
	return b.vars.Replace(text)
}

// cannedFor returns the tenant's own response for intent, interpolated.
func (b *replyBook) cannedFor(intent string) (string, bool) {
	text, ok := b.canned[intent]
	if !ok || strings.TrimSpace(text) == "" {
		return "", false
	}
	return b.interpolate(text), true
}

// resolve returns the reply for intent and who produced it.
func (b *replyBook) resolve(intent string) (string, domain.ProducedBy) {
	if text, ok := b.cannedFor(intent); ok {
		return text, domain.ProducedByPattern
	}
	return b.defaultFor(intent), domain.ProducedByFallback
}

func (b *replyBook) defaultFor(intent string) string {
	p := b.profile
	switch intent {
	case domain.IntentGreeting:
		return "Olá! 👋 Seja bem-vindo(a) à " + p.DisplayName() + "!\n\nComo posso ajudar você hoje?"
	case domain.IntentConfirm:
		return "✅ Perfeito! Sua consulta está confirmada.\n\nAguardamos você! 😊"
	case domain.IntentCancel:
		return "❌ Ok, sua consulta foi cancelada.\n\nSe precisar remarcar, é só me avisar!"
	case domain.IntentPrice:
		return "💰 Para informações sobre valores e procedimentos, entre em contato:\n📞 " + p.EmergencyLine()
	case domain.IntentLocation:
		text := "📍 *Endereço:*\n" + p.Address
		if p.MapsLink != "" {
			text += "\n\n🗺️ Ver no mapa: " + p.MapsLink
		}
		return text
	case domain.IntentHours:
		return "🕐 *Horário de Funcionamento:*\n\nSegunda a Sexta: 08:00 - 18:00\nSábado: 08:00 - 12:00\n\n_Sujeito a alterações em feriados_"
	case domain.IntentEmergency:
		return "🚨 *Emergência?*\n\nLigue agora:\n📞 " + p.EmergencyLine() + "\n\nEstamos prontos para ajudar!"
	case domain.IntentThanks:
		return "😊 Por nada! Estamos sempre à disposição.\n\nPrecisa de mais alguma coisa?"
	case domain.IntentGoodbye:
		return "Até logo! 👋\n\nFoi um prazer atendê-lo(a).\nQualquer dúvida, estamos aqui!"
	case domain.IntentTalkToHuman:
		return "👤 Entendi! Vou transferir você para um atendente.\n\nAguarde um momento, por favor."
	case domain.IntentReview:
		if p.ReviewLink != "" {
			return "⭐ Adoraríamos saber sua opinião!\n\nDeixe sua avaliação: " + p.ReviewLink
		}
		return "⭐ Adoraríamos saber sua opinião!\n\nObrigado pelo feedback!"
	default:
		return "Desculpe, não entendi sua mensagem. 😅\n\nPosso ajudar com:\n" +
			"• Agendar consulta\n• Confirmar/cancelar consulta\n• Informações sobre preços\n• Endereço e horário\n\n" +
			"Ou digite \"atendente\" para falar com uma pessoa."
	}
}

// emergency is the reply for an emergency message, scaled to its urgency.
// It ignores canned responses so the phone number is always present.
func (b *replyBook) emergency(level urgency.Level) string {
	phone := b.profile.EmergencyLine()
	switch level {
	case urgency.Critical:
		return "🚨 *EMERGÊNCIA DETECTADA*\n\n" +
			"Entendo que você está passando por uma situação muito difícil. Não se preocupe, vamos ajudar!\n\n" +
			"📞 *Ligue AGORA:* " + phone + "\n\n" +
			"Um profissional já foi notificado e entrará em contato imediatamente.\n\n" +
			"Se for muito grave, procure a emergência mais próxima.\n\n" +
			"_Estamos aqui com você_ ❤️"
	case urgency.High:
		return "🔴 *Situação Urgente*\n\n" +
			"Sinto muito que você está passando por isso! Vamos resolver juntos.\n\n" +
			"📞 *Ligue para nós:* " + phone + "\n\n" +
			"Já estou avisando a equipe sobre sua mensagem. Alguém entrará em contato muito em breve.\n\n" +
			"_Fique tranquilo(a), estamos cuidando de você_ 💙"
	case urgency.Medium:
		return "⚠️ *Precisando de Ajuda?*\n\n" +
			"Entendi que você está com desconforto. Vamos resolver isso!\n\n" +
			"📞 Ligue: " + phone + "\n\n" +
			"Ou aguarde que um atendente vai entrar em contato em breve.\n\n" +
			"_Estamos aqui para ajudar!_ 😊"
	default:
		return "Entendi sua situação. Um membro da nossa equipe vai entrar em contato para ajudar você.\n\n" +
			"📞 Ou ligue: " + phone + "\n\n" +
			"_Aguarde um momento, por favor._"
	}
}
