package domain

// ActionType names a side effect the caller is expected to execute.
type ActionType string

const (
	ActionCreateAppointment      ActionType = "create_appointment"
	ActionNotifyDoctorUrgency    ActionType = "notify_doctor_urgency"
	ActionTransferToHuman        ActionType = "transfer_to_human"
	ActionNotifyOperator         ActionType = "notify_operator"
	ActionDeliverOutboundMessage ActionType = "deliver_outbound_message"
)

// Action is emitted by the engine and executed by external collaborators.
type Action struct {
	Type ActionType     `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}
