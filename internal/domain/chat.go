package domain

// Chat roles shared by the engine, the session store and the backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the engine
// and generation backends.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what the generation gateway hands to a single backend.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	GPU         int
}

// Completion is a single backend answer.
type Completion struct {
	Content     string
	TotalTokens int
}
