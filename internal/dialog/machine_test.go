package dialog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/intent"
)

var testProcedures = []domain.Procedure{
	{ID: "p1", Name: "Limpeza"},
	{ID: "p2", Name: "Clareamento Dental"},
	{ID: "p3", Name: "Avaliação Ortodôntica"},
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(intent.NewClassifier(nil, nil), domain.TenantProfile{Name: "Sorriso", Phone: "1133334444"},
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return m
}

func sessionWith(flow domain.FlowState) domain.Session {
	return domain.Session{ID: "acme#5511", PartyID: "party-1", ChannelAddress: "5511", Flow: flow}
}

func TestNew_NilClassifier(t *testing.T) {
	_, err := New(nil, domain.TenantProfile{})
	require.Error(t, err)
}

func TestStartScheduling_ListsProcedures(t *testing.T) {
	out := newTestMachine(t).StartScheduling(testProcedures)
	require.True(t, out.Changed)
	require.Equal(t, domain.StateSchedulingProcedure, out.NextState())
	require.Contains(t, out.Reply, "1. Limpeza")
	require.Contains(t, out.Reply, "3. Avaliação Ortodôntica")
	require.Equal(t, testProcedures, out.Flow.(*domain.SchedulingState).Procedures)
}

func TestStartScheduling_CapsOfferedProcedures(t *testing.T) {
	var catalog []domain.Procedure
	for i := 1; i <= 25; i++ {
		catalog = append(catalog, domain.Procedure{ID: fmt.Sprintf("p%d", i), Name: fmt.Sprintf("Procedimento %d", i)})
	}
	out := newTestMachine(t).StartScheduling(catalog)

	offered := out.Flow.(*domain.SchedulingState).Procedures
	require.Len(t, offered, MaxOfferedProcedures)
	require.Equal(t, "p10", offered[9].ID)
	require.Contains(t, out.Reply, "10. Procedimento 10")
	require.NotContains(t, out.Reply, "Procedimento 11")
}

func TestSchedulingFlow_HappyPath(t *testing.T) {
	m := newTestMachine(t)
	flow := m.StartScheduling(testProcedures).Flow

	out, ok := m.Advance(sessionWith(flow), "2")
	require.True(t, ok)
	require.Equal(t, domain.StateSchedulingDate, out.NextState())
	require.Contains(t, out.Reply, "Clareamento Dental")

	out, ok = m.Advance(sessionWith(out.Flow), "amanhã")
	require.True(t, ok)
	require.Equal(t, domain.StateSchedulingTime, out.NextState())
	require.Contains(t, out.Reply, "Segunda-feira, 19 de outubro")

	out, ok = m.Advance(sessionWith(out.Flow), "15:30")
	require.True(t, ok)
	require.Equal(t, domain.StateSchedulingConfirm, out.NextState())
	require.Contains(t, out.Reply, "15:30")

	out, ok = m.Advance(sessionWith(out.Flow), "sim")
	require.True(t, ok)
	require.True(t, out.Changed)
	require.Nil(t, out.Flow)
	require.Len(t, out.Actions, 1)
	require.Equal(t, domain.ActionCreateAppointment, out.Actions[0].Type)
	require.Equal(t, map[string]any{
		"partyId":       "party-1",
		"address":       "5511",
		"procedureId":   "p2",
		"procedureName": "Clareamento Dental",
		"date":          "2026-10-19",
		"time":          "15:30",
	}, out.Actions[0].Data)
	require.Contains(t, out.Reply, "Sorriso")
}

func TestProcedureStep_MatchesByName(t *testing.T) {
	m := newTestMachine(t)
	flow := m.StartScheduling(testProcedures).Flow

	out, _ := m.Advance(sessionWith(flow), "limpeza")
	require.Equal(t, "p1", out.Flow.(*domain.SchedulingState).ProcedureID)

	out, _ = m.Advance(sessionWith(flow), "avaliacao")
	require.Equal(t, "p3", out.Flow.(*domain.SchedulingState).ProcedureID)

	out, _ = m.Advance(sessionWith(flow), "clrmnto")
	require.Equal(t, "p2", out.Flow.(*domain.SchedulingState).ProcedureID)
}

func TestProcedureStep_InvalidInputRepromptsWithSameList(t *testing.T) {
	m := newTestMachine(t)
	flow := m.StartScheduling(testProcedures).Flow

	for _, text := range []string{"9", "0", "xyz", "qq"} {
		out, ok := m.Advance(sessionWith(flow), text)
		require.True(t, ok)
		require.False(t, out.Changed, "text=%q", text)
		require.Same(t, flow, out.Flow)
		require.Contains(t, out.Reply, "2. Clareamento Dental")
	}
}

func TestDateStep_RejectionsKeepState(t *testing.T) {
	m := newTestMachine(t)
	flow := &domain.SchedulingState{Step: domain.StateSchedulingDate, Procedures: testProcedures, ProcedureID: "p1"}

	out, _ := m.Advance(sessionWith(flow), "15/01")
	require.False(t, out.Changed)
	require.Equal(t, domain.StateSchedulingDate, out.NextState())
	require.Contains(t, out.Reply, "futura")

	out, _ = m.Advance(sessionWith(flow), "qualquer dia")
	require.False(t, out.Changed)
	require.Equal(t, domain.StateSchedulingDate, out.NextState())
	require.Contains(t, out.Reply, "DD/MM")
}

func TestTimeStep_OutsideHours(t *testing.T) {
	m := newTestMachine(t)
	flow := &domain.SchedulingState{Step: domain.StateSchedulingTime}

	out, _ := m.Advance(sessionWith(flow), "22:00")
	require.False(t, out.Changed)
	require.Contains(t, out.Reply, "07:00 às 20:00")
}

func TestTimeStep_CustomHours(t *testing.T) {
	m, err := New(intent.NewClassifier(nil, nil), domain.TenantProfile{},
		WithBusinessHours(BusinessHours{Open: Clock{Hour: 8}, Close: Clock{Hour: 12}}))
	require.NoError(t, err)
	flow := &domain.SchedulingState{Step: domain.StateSchedulingTime}

	out, _ := m.Advance(sessionWith(flow), "tarde")
	require.False(t, out.Changed)

	out, _ = m.Advance(sessionWith(flow), "manhã")
	require.True(t, out.Changed)
	require.Equal(t, "09:00", out.Flow.(*domain.SchedulingState).Time)
}

func TestConfirmStep(t *testing.T) {
	m := newTestMachine(t)
	flow := &domain.SchedulingState{Step: domain.StateSchedulingConfirm, ProcedureID: "p1"}

	out, _ := m.Advance(sessionWith(flow), "não")
	require.True(t, out.Changed)
	require.Nil(t, out.Flow)
	require.Empty(t, out.Actions)
	require.Equal(t, domain.IntentCancel, out.Intent)

	out, _ = m.Advance(sessionWith(flow), "talvez")
	require.False(t, out.Changed)
	require.Equal(t, domain.StateSchedulingConfirm, out.NextState())
	require.Contains(t, out.Reply, "*SIM*")
}

func TestRescheduling(t *testing.T) {
	m := newTestMachine(t)
	start := m.StartRescheduling(domain.Appointment{ID: "a-7"})
	require.Equal(t, domain.StateWaitingRescheduleDate, start.NextState())

	out, ok := m.Advance(sessionWith(start.Flow), "dia 30 de manhã")
	require.True(t, ok)
	require.True(t, out.Changed)
	require.Nil(t, out.Flow)
	require.Equal(t, []domain.Action{{
		Type: domain.ActionTransferToHuman,
		Data: map[string]any{
			"reason":        "reschedule_request",
			"appointmentId": "a-7",
			"requestedDate": "dia 30 de manhã",
		},
	}}, out.Actions)
}

func TestAdvance_UnknownFlow(t *testing.T) {
	m := newTestMachine(t)
	_, ok := m.Advance(sessionWith(nil), "oi")
	require.False(t, ok)

	_, ok = m.Advance(sessionWith(&domain.SchedulingState{Step: "bogus"}), "oi")
	require.False(t, ok)
}

func TestContactReply(t *testing.T) {
	m := newTestMachine(t)
	require.Contains(t, m.ContactReply(domain.IntentSchedule), "Para agendar")
	require.Contains(t, m.ContactReply(domain.IntentReschedule), "Para reagendar")
	require.Contains(t, m.ContactReply(domain.IntentReschedule), "1133334444")
}
