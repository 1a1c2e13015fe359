// Package dialog runs the multi-turn scheduling and rescheduling flows.
package dialog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/textnorm"
)

// minFuzzyInput keeps one- and two-letter replies from fuzzily matching
// every procedure name.
const minFuzzyInput = 3

// Classifier is the subset of the intent classifier the confirm step needs.
type Classifier interface {
	Classify(text string) (string, float64)
}

// Outcome is the result of one flow step.
type Outcome struct {
	Intent string
	Reply  string
	// Flow is the flow payload after the step; nil means the flow is closed.
	Flow domain.FlowState
	// Changed reports whether Flow must be persisted. Re-prompts leave it false.
	Changed bool
	Actions []domain.Action
}

// NextState is the tag of Flow, or "" when the flow closed.
func (o Outcome) NextState() domain.DialogState {
	if o.Flow == nil {
		return ""
	}
	return o.Flow.State()
}

// Machine is stateless; every step reads and returns the flow payload.
type Machine struct {
	classifier Classifier
	profile    domain.TenantProfile
	hours      BusinessHours
	now        func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithBusinessHours overrides DefaultBusinessHours.
func WithBusinessHours(h BusinessHours) Option {
	return func(m *Machine) { m.hours = h }
}

// WithClock sets the time source used to resolve relative dates.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine.
func New(classifier Classifier, profile domain.TenantProfile, opts ...Option) (*Machine, error) {
	if classifier == nil {
		return nil, errors.New("dialog: classifier must not be nil")
	}
	m := &Machine{
		classifier: classifier,
		profile:    profile,
		hours:      DefaultBusinessHours,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MaxOfferedProcedures caps the list offered when scheduling starts.
const MaxOfferedProcedures = 10

// StartScheduling opens the scheduling flow with the offered procedures bound
// into the payload. Callers must check procedures is non-empty.
func (m *Machine) StartScheduling(procedures []domain.Procedure) Outcome {
	if len(procedures) > MaxOfferedProcedures {
		procedures = procedures[:MaxOfferedProcedures:MaxOfferedProcedures]
	}
	return Outcome{
		Intent: domain.IntentSchedule,
		Reply: "📅 *Agendamento de Consulta*\n\nQual procedimento você deseja agendar?\n\n" +
			listProcedures(procedures) + "\n\n_Digite o número ou nome do procedimento_",
		Flow:    &domain.SchedulingState{Step: domain.StateSchedulingProcedure, Procedures: procedures},
		Changed: true,
	}
}

// StartRescheduling opens the rescheduling flow for an existing appointment.
func (m *Machine) StartRescheduling(appointment domain.Appointment) Outcome {
	return Outcome{
		Intent:  domain.IntentReschedule,
		Reply:   "🔄 *Reagendamento*\n\nPara qual data você gostaria de remarcar?\n\n_Informe a data desejada (ex: 15/01, próxima segunda)_",
		Flow:    &domain.ReschedulingState{AppointmentID: appointment.ID},
		Changed: true,
	}
}

// ContactReply is the plain reply used when a flow cannot start.
func (m *Machine) ContactReply(intent string) string {
	verb := "agendar"
	if intent == domain.IntentReschedule {
		verb = "reagendar"
	}
	return fmt.Sprintf("Para %s, entre em contato:\n📞 %s", verb, m.profile.Phone)
}

// Advance consumes text as the answer to the session's open flow. ok is false
// when the session has no flow this machine understands; the caller should
// clear the state and run the regular pipeline.
func (m *Machine) Advance(session domain.Session, text string) (Outcome, bool) {
	switch f := session.Flow.(type) {
	case *domain.SchedulingState:
		switch f.Step {
		case domain.StateSchedulingProcedure:
			return m.procedureStep(f, text), true
		case domain.StateSchedulingDate:
			return m.dateStep(f, text), true
		case domain.StateSchedulingTime:
			return m.timeStep(f, text), true
		case domain.StateSchedulingConfirm:
			return m.confirmStep(session, f, text), true
		}
	case *domain.ReschedulingState:
		return m.rescheduleStep(f, text), true
	}
	return Outcome{}, false
}

func (m *Machine) procedureStep(f *domain.SchedulingState, text string) Outcome {
	selected, ok := matchProcedure(f.Procedures, text)
	if !ok {
		return Outcome{
			Intent: domain.IntentSchedule,
			Reply:  "Não encontrei esse procedimento. Por favor, escolha uma opção da lista:\n\n" + listProcedures(f.Procedures),
			Flow:   f,
		}
	}
	next := *f
	next.Step = domain.StateSchedulingDate
	next.ProcedureID = selected.ID
	next.ProcedureName = selected.Name
	return Outcome{
		Intent:  domain.IntentSchedule,
		Reply:   fmt.Sprintf("✅ *%s*\n\nPara qual data você gostaria de agendar?\n\n_Informe a data desejada (ex: 15/01, próxima segunda, amanhã)_", selected.Name),
		Flow:    &next,
		Changed: true,
	}
}

func (m *Machine) dateStep(f *domain.SchedulingState, text string) Outcome {
	date, err := ParseDate(text, m.now())
	switch {
	case errors.Is(err, ErrPastDate):
		return Outcome{
			Intent: domain.IntentSchedule,
			Reply:  "A data precisa ser futura. Por favor, escolha outra data.",
			Flow:   f,
		}
	case err != nil:
		return Outcome{
			Intent: domain.IntentSchedule,
			Reply:  "Não consegui entender a data. Por favor, informe no formato:\n\n• DD/MM (ex: 15/01)\n• \"amanhã\"\n• \"próxima segunda\"",
			Flow:   f,
		}
	}
	next := *f
	next.Step = domain.StateSchedulingTime
	next.Date = ISODate(date)
	next.FormattedDate = FormatDate(date)
	return Outcome{
		Intent: domain.IntentSchedule,
		Reply: fmt.Sprintf("📅 *%s*\n\nQual horário você prefere?\n\n• Manhã (a partir das 09:00)\n• Tarde (a partir das 14:00)\n\n_Ou informe o horário específico (ex: 10:00, 15:30)_",
			capitalize(next.FormattedDate)),
		Flow:    &next,
		Changed: true,
	}
}

func (m *Machine) timeStep(f *domain.SchedulingState, text string) Outcome {
	clock, err := ParseTime(text, m.hours)
	switch {
	case errors.Is(err, ErrOutsideHours):
		return Outcome{
			Intent: domain.IntentSchedule,
			Reply: fmt.Sprintf("Esse horário não está disponível. Nosso atendimento é das %s às %s.\n\nPor favor, escolha outro horário.",
				m.hours.Open, m.hours.Close),
			Flow: f,
		}
	case err != nil:
		return Outcome{
			Intent: domain.IntentSchedule,
			Reply:  "Não consegui entender o horário. Informe, por exemplo, 10:00, 15:30, \"manhã\" ou \"tarde\".",
			Flow:   f,
		}
	}
	next := *f
	next.Step = domain.StateSchedulingConfirm
	next.Time = clock.String()
	return Outcome{
		Intent: domain.IntentSchedule,
		Reply: fmt.Sprintf("📋 *Confirme seu agendamento:*\n\n🏥 *Procedimento:* %s\n📅 *Data:* %s\n⏰ *Horário:* %s\n\nDeseja confirmar? Responda *SIM* ou *NÃO*",
			next.ProcedureName, next.FormattedDate, next.Time),
		Flow:    &next,
		Changed: true,
	}
}

func (m *Machine) confirmStep(session domain.Session, f *domain.SchedulingState, text string) Outcome {
	intent, _ := m.classifier.Classify(text)
	switch intent {
	case domain.IntentConfirm:
		return Outcome{
			Intent:  domain.IntentSchedule,
			Reply:   fmt.Sprintf("✅ *Agendamento Solicitado!*\n\nEm breve você receberá a confirmação.\n\nObrigado por agendar com a %s! 😊", m.profile.DisplayName()),
			Changed: true,
			Actions: []domain.Action{{
				Type: domain.ActionCreateAppointment,
				Data: map[string]any{
					"partyId":       session.PartyID,
					"address":       session.ChannelAddress,
					"procedureId":   f.ProcedureID,
					"procedureName": f.ProcedureName,
					"date":          f.Date,
					"time":          f.Time,
				},
			}},
		}
	case domain.IntentCancel:
		return Outcome{
			Intent:  domain.IntentCancel,
			Reply:   "❌ Agendamento cancelado.\n\nSe precisar de algo, é só chamar!",
			Changed: true,
		}
	}
	return Outcome{
		Intent: domain.IntentSchedule,
		Reply:  "Por favor, responda *SIM* para confirmar ou *NÃO* para cancelar.",
		Flow:   f,
	}
}

// rescheduleStep never parses the date; the request always goes to a human.
func (m *Machine) rescheduleStep(f *domain.ReschedulingState, text string) Outcome {
	return Outcome{
		Intent:  domain.IntentReschedule,
		Reply:   fmt.Sprintf("🔄 Solicitação de reagendamento recebida!\n\nEntraremos em contato para confirmar o novo horário.\n\n📞 Ou ligue: %s", m.profile.Phone),
		Changed: true,
		Actions: []domain.Action{{
			Type: domain.ActionTransferToHuman,
			Data: map[string]any{
				"reason":        "reschedule_request",
				"appointmentId": f.AppointmentID,
				"requestedDate": text,
			},
		}},
	}
}

func matchProcedure(procedures []domain.Procedure, text string) (domain.Procedure, bool) {
	input := textnorm.Normalize(text)
	if input == "" {
		return domain.Procedure{}, false
	}
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(procedures) {
			return procedures[n-1], true
		}
		return domain.Procedure{}, false
	}
	names := make([]string, len(procedures))
	for i, p := range procedures {
		names[i] = textnorm.Normalize(p.Name)
		if strings.Contains(names[i], input) {
			return p, true
		}
	}
	if len([]rune(input)) < minFuzzyInput {
		return domain.Procedure{}, false
	}
	if matches := fuzzy.Find(input, names); len(matches) > 0 {
		return procedures[matches[0].Index], true
	}
	return domain.Procedure{}, false
}

func listProcedures(procedures []domain.Procedure) string {
	lines := make([]string, len(procedures))
	for i, p := range procedures {
		lines[i] = fmt.Sprintf("%d. %s", i+1, p.Name)
	}
	return strings.Join(lines, "\n")
}
