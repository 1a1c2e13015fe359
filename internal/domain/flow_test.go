package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlowRoundTrip_Scheduling(t *testing.T) {
	in := &SchedulingState{
		Step:          StateSchedulingTime,
		Procedures:    []Procedure{{ID: "p1", Name: "Limpeza"}},
		ProcedureID:   "p1",
		ProcedureName: "Limpeza",
		Date:          "2026-10-20",
	}
	state, data, err := EncodeFlow(in)
	require.NoError(t, err)
	require.Equal(t, StateSchedulingTime, state)

	out, err := DecodeFlow(state, data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeFlow_Empty(t *testing.T) {
	f, err := DecodeFlow("", nil)
	require.NoError(t, err)
	require.Nil(t, f)

	state, data, err := EncodeFlow(nil)
	require.NoError(t, err)
	require.Empty(t, state)
	require.Nil(t, data)
}

func TestDecodeFlow_UnknownState(t *testing.T) {
	_, err := DecodeFlow("waiting_payment", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownDialogState)
}

func TestDecodeFlow_Rescheduling(t *testing.T) {
	f, err := DecodeFlow(StateWaitingRescheduleDate, []byte(`{"appointmentId":"a-9"}`))
	require.NoError(t, err)
	require.Equal(t, &ReschedulingState{AppointmentID: "a-9"}, f)
}

func TestNormalizeAddress(t *testing.T) {
	require.Equal(t, "+5511999998888", NormalizeAddress("+55 (11) 99999-8888"))
	require.Equal(t, "5511999998888", NormalizeAddress("5511999998888@s.whatsapp.net"))
	require.Equal(t, "acme#+5511", SessionID("acme", "+5511"))
}
