package domain

// Intent labels produced by the classifier.
const (
	IntentGreeting    = "greeting"
	IntentConfirm     = "confirm"
	IntentCancel      = "cancel"
	IntentReschedule  = "reschedule"
	IntentSchedule    = "schedule"
	IntentPrice       = "price"
	IntentLocation    = "location"
	IntentHours       = "hours"
	IntentEmergency   = "emergency"
	IntentThanks      = "thanks"
	IntentGoodbye     = "goodbye"
	IntentTalkToHuman = "talk_to_human"
	IntentReview      = "review"
	IntentUnknown     = "unknown"

	// Pseudo intents reported for takeover results.
	IntentHumanResponse = "human_response"
	IntentWaitingHuman  = "waiting_human"
)

// IntentPattern is a tenant-scoped custom pattern.
type IntentPattern struct {
	Intent  string `yaml:"intent"`
	Pattern string `yaml:"pattern"`
	Flags   string `yaml:"flags"`
}
