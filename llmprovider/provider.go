package llmprovider

import (
	"fmt"

	"github.com/petal-labs/iris/providers"
	// Auto-register the providers backing the LLM node types.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/gemini"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/flowforge/core"
)

// NewClient creates a core.LLMClient for the named provider authenticated with apiKey.
// It delegates to the iris provider registry to instantiate the underlying provider.
func NewClient(name, apiKey string) (core.LLMClient, error) {
	provider, err := providers.Create(name, apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisAdapter{provider: provider}, nil
}

// ProviderName maps a credential type to its iris provider name.
func ProviderName(t core.CredentialType) string {
	switch t {
	case core.CredentialOpenAI:
		return "openai"
	case core.CredentialAnthropic:
		return "anthropic"
	case core.CredentialGemini:
		return "gemini"
	}
	return ""
}
