package usecase

import (
	"fmt"
	"net/http"

	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/generation"
	"clinic-assistant/internal/integrations/ollama"
	"clinic-assistant/internal/integrations/openai"
)

// ProviderFactory builds the wire client for a backend descriptor.
type ProviderFactory func(desc domain.BackendDescriptor) (generation.Provider, error)

// HTTPProviders speaks the Ollama protocol to ollama backends and the
// OpenAI-compatible protocol to everything else. httpClient may be nil.
func HTTPProviders(httpClient *http.Client) ProviderFactory {
	return func(desc domain.BackendDescriptor) (generation.Provider, error) {
		switch desc.Type {
		case domain.BackendOllama:
			var opts []ollama.Option
			if httpClient != nil {
				opts = append(opts, ollama.WithHTTPClient(httpClient))
			}
			return ollama.NewClient(desc.Endpoint, opts...), nil
		case domain.BackendLMStudio, domain.BackendOpenAI, domain.BackendGroq:
			opts := []openai.Option{openai.WithBaseURL(desc.Endpoint)}
			if httpClient != nil {
				opts = append(opts, openai.WithHTTPClient(httpClient))
			}
			return openai.NewClient(desc.APIKey, opts...), nil
		default:
			return nil, fmt.Errorf("usecase: unsupported backend type %q", desc.Type)
		}
	}
}
