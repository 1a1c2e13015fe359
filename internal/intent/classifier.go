// Package intent classifies normalized message text against ordered,
// per-tenant pattern tables.
package intent

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/textnorm"
)

const maxConfidence = 0.95

// ErrInvalidFlags is returned for pattern flags outside i, m, s, g, u, y.
var ErrInvalidFlags = errors.New("intent: invalid pattern flags")

type intentPatterns struct {
	intent   string
	patterns []*regexp.Regexp
}

// defaultPatterns are evaluated before tenant patterns, in this order. They
// match already-normalized text, so accents never need to be spelled out.
var defaultPatterns = []struct {
	intent   string
	patterns []string
}{
	{domain.IntentGreeting, []string{
		`^(oi|ola|opa|bom dia|boa tarde|boa noite|e ai|eai|fala|hey|hi|hello)`,
	}},
	{domain.IntentConfirm, []string{
		`^(sim|confirmo|confirmado|ok|beleza|blz|pode ser|fechado|combinado|certo|s|yes)`,
		`(confirmar|quero confirmar|vou sim|estarei la)`,
	}},
	{domain.IntentCancel, []string{
		`^(nao|nop|cancelar|desmarcar|n|no)`,
		`(cancelar|desmarcar|nao (vou|posso|consigo))`,
	}},
	{domain.IntentReschedule, []string{
		`(reagendar|remarcar|mudar|trocar|alterar).*(horario|data|dia|consulta)`,
		`(outro|nova|diferente).*(horario|data|dia)`,
	}},
	{domain.IntentSchedule, []string{
		`(agendar|marcar|consulta|atendimento|horario)`,
		`(quero|gostaria|preciso).*(agendar|marcar|consulta)`,
	}},
	{domain.IntentPrice, []string{
		`(preco|valor|quanto|custo|tabela)`,
		`(quanto custa|qual o valor|preco de)`,
	}},
	{domain.IntentLocation, []string{
		`(endereco|localizacao|onde|como chego|mapa)`,
		`(onde fica|qual o endereco)`,
	}},
	{domain.IntentHours, []string{
		`(horario|funcionamento|abre|fecha|atende)`,
		`(que horas|ate que horas)`,
	}},
	{domain.IntentEmergency, []string{
		`(emergencia|urgente|dor|inchado|sangue|acidente|quebr)`,
		`(preciso urgente|muita dor|nao aguento)`,
	}},
	{domain.IntentThanks, []string{
		`^(obrigad[oa]|valeu|agradec|thanks|thx|vlw)`,
	}},
	{domain.IntentGoodbye, []string{
		`^(tchau|ate mais|ate logo|bye|flw|falou)`,
	}},
	{domain.IntentTalkToHuman, []string{
		`(falar com|atendente|humano|pessoa|real|recepcao)`,
		`(nao entend|preciso de ajuda|outro assunto)`,
	}},
	{domain.IntentReview, []string{
		`(avaliacao|review|estrela|feedback)`,
	}},
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	table []intentPatterns
}

// NewClassifier builds the pattern table from the defaults followed by the
// tenant's custom patterns. Malformed custom patterns are logged and skipped.
func NewClassifier(custom []domain.IntentPattern, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{}
	for _, d := range defaultPatterns {
		entry := intentPatterns{intent: d.intent}
		for _, p := range d.patterns {
			entry.patterns = append(entry.patterns, regexp.MustCompile("(?i)"+p))
		}
		c.table = append(c.table, entry)
	}
	for _, p := range custom {
		re, err := Compile(p.Pattern, p.Flags)
		if err != nil {
			logger.Warn("skipping invalid intent pattern", "intent", p.Intent, "pattern", p.Pattern, "err", err)
			continue
		}
		c.add(strings.TrimSpace(p.Intent), re)
	}
	return c
}

func (c *Classifier) add(intent string, re *regexp.Regexp) {
	for i := range c.table {
		if c.table[i].intent == intent {
			c.table[i].patterns = append(c.table[i].patterns, re)
			return
		}
	}
	c.table = append(c.table, intentPatterns{intent: intent, patterns: []*regexp.Regexp{re}})
}

// Compile turns a stored pattern and its JavaScript-style flag letters into a
// Go regexp. Flags default to "i" when empty.
func Compile(pattern, flags string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("intent: empty pattern")
	}
	if flags == "" {
		flags = "i"
	}
	var goFlags strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(goFlags.String(), f) {
				goFlags.WriteRune(f)
			}
		case 'g', 'u', 'y':
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidFlags, flags)
		}
	}
	expr := pattern
	if goFlags.Len() > 0 {
		expr = "(?" + goFlags.String() + ")" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("intent: compile %q: %w", pattern, err)
	}
	return re, nil
}

// Classify returns the best-confidence intent for text, or unknown with zero
// confidence when nothing matches. Ties keep the first intent evaluated.
func (c *Classifier) Classify(text string) (string, float64) {
	normalized := textnorm.Normalize(text)
	total := utf8.RuneCountInString(normalized)
	best, bestConfidence := domain.IntentUnknown, 0.0
	if total == 0 {
		return best, bestConfidence
	}
	for _, entry := range c.table {
		for _, re := range entry.patterns {
			m := re.FindString(normalized)
			if m == "" && !re.MatchString(normalized) {
				continue
			}
			confidence := math.Min(maxConfidence, float64(utf8.RuneCountInString(m))/float64(total)+0.5)
			if confidence > bestConfidence {
				best, bestConfidence = entry.intent, confidence
			}
		}
	}
	return best, bestConfidence
}

// Intents lists the intents in evaluation order.
func (c *Classifier) Intents() []string {
	out := make([]string, 0, len(c.table))
	for _, e := range c.table {
		out = append(out, e.intent)
	}
	return out
}
