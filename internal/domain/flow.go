package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DialogState is the tag of the current step of an open flow.
type DialogState string

const (
	StateSchedulingProcedure   DialogState = "scheduling_procedure"
	StateSchedulingDate        DialogState = "scheduling_date"
	StateSchedulingTime        DialogState = "scheduling_time"
	StateSchedulingConfirm     DialogState = "scheduling_confirm"
	StateWaitingRescheduleDate DialogState = "waiting_reschedule_date"
)

// ErrUnknownDialogState is returned by DecodeFlow for a tag no flow owns.
var ErrUnknownDialogState = errors.New("domain: unknown dialog state")

// FlowState is the payload of an open multi-step flow. Exactly one of
// *SchedulingState or *ReschedulingState.
type FlowState interface {
	State() DialogState
}

// SchedulingState accumulates the answers of the scheduling flow.
type SchedulingState struct {
	Step          DialogState `json:"-"`
	Procedures    []Procedure `json:"procedures"`
	ProcedureID   string      `json:"procedureId,omitempty"`
	ProcedureName string      `json:"procedureName,omitempty"`
	Date          string      `json:"date,omitempty"`
	FormattedDate string      `json:"formattedDate,omitempty"`
	Time          string      `json:"time,omitempty"`
}

func (s *SchedulingState) State() DialogState { return s.Step }

// ReschedulingState holds the appointment being rescheduled.
type ReschedulingState struct {
	AppointmentID string `json:"appointmentId"`
}

func (s *ReschedulingState) State() DialogState { return StateWaitingRescheduleDate }

// EncodeFlow serializes a flow payload for the session store. A nil flow
// encodes to an empty tag and nil data.
func EncodeFlow(f FlowState) (DialogState, []byte, error) {
	if f == nil {
		return "", nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", nil, fmt.Errorf("domain: encode flow %q: %w", f.State(), err)
	}
	return f.State(), data, nil
}

// DecodeFlow is the inverse of EncodeFlow.
func DecodeFlow(state DialogState, data []byte) (FlowState, error) {
	if state == "" {
		return nil, nil
	}
	var f FlowState
	switch state {
	case StateSchedulingProcedure, StateSchedulingDate, StateSchedulingTime, StateSchedulingConfirm:
		f = &SchedulingState{Step: state}
	case StateWaitingRescheduleDate:
		f = &ReschedulingState{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialogState, state)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("domain: decode flow %q: %w", state, err)
		}
	}
	return f, nil
}
