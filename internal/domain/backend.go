package domain

// BackendType identifies the wire protocol of a generation backend.
type BackendType string

const (
	BackendOllama   BackendType = "ollama"
	BackendLMStudio BackendType = "lmstudio"
	BackendOpenAI   BackendType = "openai"
	BackendGroq     BackendType = "groq"
)

// Local reports whether the backend is locally hosted and therefore actively
// health-probed.
func (t BackendType) Local() bool {
	return t == BackendOllama || t == BackendLMStudio
}

// BackendDescriptor is the static configuration of a generation backend.
type BackendDescriptor struct {
	ID          string
	Name        string
	Type        BackendType
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Priority    int
	GPU         int
}
