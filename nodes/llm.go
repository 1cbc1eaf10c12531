package nodes

import (
	"context"
	"fmt"

	"github.com/petal-labs/flowforge/core"
)

// DefaultSystemPrompt is used when a node does not configure one.
const DefaultSystemPrompt = "You are a helpful assistant."

// ClientFactory builds an LLM client for a provider and API key.
type ClientFactory func(provider, apiKey string) (core.LLMClient, error)

// LLMConfig describes one LLM node family.
type LLMConfig struct {
	Name           string              // display name used in error messages, e.g. "OpenAi"
	Provider       string              // provider name passed to the ClientFactory
	CredentialType core.CredentialType // expected credential type
	DefaultModel   string
	Channel        string
	StepLabel      string
}

// GeminiConfig returns the configuration of GEMINI nodes.
func GeminiConfig() LLMConfig {
	return LLMConfig{
		Name:           "Gemini",
		Provider:       "gemini",
		CredentialType: core.CredentialGemini,
		DefaultModel:   "gemini-2.0-flash",
		Channel:        ChannelGemini,
		StepLabel:      StepGemini,
	}
}

// OpenAIConfig returns the configuration of OPENAI nodes.
func OpenAIConfig() LLMConfig {
	return LLMConfig{
		Name:           "OpenAi",
		Provider:       "openai",
		CredentialType: core.CredentialOpenAI,
		DefaultModel:   "gpt-4",
		Channel:        ChannelOpenAI,
		StepLabel:      StepOpenAI,
	}
}

// AnthropicConfig returns the configuration of ANTHROPIC nodes.
func AnthropicConfig() LLMConfig {
	return LLMConfig{
		Name:           "Anthropic",
		Provider:       "anthropic",
		CredentialType: core.CredentialAnthropic,
		DefaultModel:   "claude-3-haiku-20240307",
		Channel:        ChannelAnthropic,
		StepLabel:      StepAnthropic,
	}
}

// LLMNodeConfig is the parsed configuration of an LLM node.
type LLMNodeConfig struct {
	VariableName string
	SystemPrompt string
	UserPrompt   string
	CredentialID string
	Model        string
}

// LLMExecutor generates text with a language model and stores it under the
// node's variable name as {text}.
type LLMExecutor struct {
	cfg         LLMConfig
	credentials core.CredentialLookup
	clients     ClientFactory
}

// NewLLMExecutor creates an executor for one LLM node family.
func NewLLMExecutor(cfg LLMConfig, credentials core.CredentialLookup, clients ClientFactory) *LLMExecutor {
	return &LLMExecutor{cfg: cfg, credentials: credentials, clients: clients}
}

// Channel returns the status channel of the executor.
func (e *LLMExecutor) Channel() string { return e.cfg.Channel }

// ParseConfig validates node data. Missing fields are reported in the order
// variable name, user prompt, credential.
func (e *LLMExecutor) ParseConfig(data map[string]any) (LLMNodeConfig, error) {
	cfg := LLMNodeConfig{
		VariableName: configString(data, "variableName"),
		SystemPrompt: configRaw(data, "systemPrompt"),
		UserPrompt:   configRaw(data, "userPrompt"),
		CredentialID: configString(data, "credentialId"),
		Model:        configString(data, "model"),
	}
	if cfg.VariableName == "" {
		return cfg, core.NewNonRetriable("%s node: Variable name not configured", e.cfg.Name)
	}
	if cfg.UserPrompt == "" {
		return cfg, core.NewNonRetriable("%s node: User prompt is missing", e.cfg.Name)
	}
	if cfg.CredentialID == "" {
		return cfg, core.NewNonRetriable("%s node: Credential is required", e.cfg.Name)
	}
	if cfg.Model == "" {
		cfg.Model = e.cfg.DefaultModel
	}
	return cfg, nil
}

// Execute renders the prompts, resolves the credential and calls the model
// inside the node family's step.
func (e *LLMExecutor) Execute(ctx context.Context, in core.ExecuteInput) (core.WorkflowContext, error) {
	st := newStatus(in, e.cfg.Channel)
	st.loading(ctx)

	cfg, err := e.ParseConfig(in.Data)
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	prefix := e.cfg.Name + " node"
	system := DefaultSystemPrompt
	if cfg.SystemPrompt != "" {
		if system, err = render(prefix, "system prompt", cfg.SystemPrompt, in.Context); err != nil {
			return nil, st.fail(ctx, err)
		}
	}
	user, err := render(prefix, "user prompt", cfg.UserPrompt, in.Context)
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	apiKey, err := e.resolveKey(ctx, in.UserID, cfg.CredentialID)
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	text, err := core.RunStep(ctx, in.Step, e.cfg.StepLabel, func(ctx context.Context) (string, error) {
		client, err := e.clients(e.cfg.Provider, apiKey)
		if err != nil {
			return "", &core.NonRetriableError{Message: prefix + ": Provider unavailable", Cause: err}
		}
		resp, err := client.Complete(ctx, core.LLMRequest{
			Model:    cfg.Model,
			System:   system,
			Messages: []core.LLMMessage{{Role: "user", Content: user}},
		})
		if err != nil {
			return "", fmt.Errorf("%s: %w", prefix, err)
		}
		return resp.Text, nil
	})
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	st.success(ctx)
	return in.Context.With(cfg.VariableName, map[string]any{"text": text}), nil
}

func (e *LLMExecutor) resolveKey(ctx context.Context, userID, credentialID string) (string, error) {
	if e.credentials == nil {
		return "", core.NewNonRetriable("%s node: Credential not found", e.cfg.Name)
	}
	cred, ok, err := e.credentials.GetCredential(ctx, userID, credentialID)
	if err != nil {
		return "", fmt.Errorf("%s node: load credential: %w", e.cfg.Name, err)
	}
	if !ok {
		return "", core.NewNonRetriable("%s node: Credential not found", e.cfg.Name)
	}
	if cred.Type != "" && cred.Type != e.cfg.CredentialType {
		return "", core.NewNonRetriable("%s node: Credential type %s does not match %s", e.cfg.Name, cred.Type, e.cfg.CredentialType)
	}
	return cred.Value, nil
}

var _ core.Executor = (*LLMExecutor)(nil)
