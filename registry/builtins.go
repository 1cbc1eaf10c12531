package registry

import (
	"fmt"
	"time"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/nodes"
)

// Deps are the collaborators the built-in executors need.
type Deps struct {
	HTTPClient  nodes.HTTPClient
	HTTPTimeout time.Duration
	Credentials core.CredentialLookup
	LLMClients  nodes.ClientFactory
}

// Builtin builds the registry of every built-in node type. It fails if any
// member of core.AllNodeTypes has no executor.
func Builtin(deps Deps) (*Registry, error) {
	types := core.AllNodeTypes()
	entries := make([]Entry, 0, len(types))
	for _, t := range types {
		e, err := builtinEntry(t, deps)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return New(entries...)
}

func builtinEntry(t core.NodeType, deps Deps) (Entry, error) {
	llm := func(cfg nodes.LLMConfig, desc string) Entry {
		return Entry{
			Def: NodeTypeDef{
				Type:            t,
				Category:        "ai",
				DisplayName:     cfg.Name,
				Description:     desc,
				Channel:         cfg.Channel,
				RequiredFields:  []string{"variableName", "userPrompt", "credentialId"},
				NeedsCredential: true,
			},
			Executor: nodes.NewLLMExecutor(cfg, deps.Credentials, deps.LLMClients),
		}
	}

	switch t {
	case core.NodeTypeInitial:
		return Entry{
			Def: NodeTypeDef{
				Type:        t,
				Category:    "trigger",
				DisplayName: "Initial",
				Description: "Placeholder start node of a new workflow",
				Channel:     nodes.ChannelManualTrigger,
			},
			Executor: nodes.NewManualTriggerExecutor(),
		}, nil
	case core.NodeTypeManualTrigger:
		return Entry{
			Def: NodeTypeDef{
				Type:        t,
				Category:    "trigger",
				DisplayName: "Manual Trigger",
				Description: "Start the workflow on demand",
				Channel:     nodes.ChannelManualTrigger,
			},
			Executor: nodes.NewManualTriggerExecutor(),
		}, nil
	case core.NodeTypeGoogleFormTrigger:
		return Entry{
			Def: NodeTypeDef{
				Type:        t,
				Category:    "trigger",
				DisplayName: "Google Form",
				Description: "Start the workflow when a Google Form is submitted",
				Channel:     nodes.ChannelGoogleFormTrigger,
			},
			Executor: nodes.NewGoogleFormTriggerExecutor(),
		}, nil
	case core.NodeTypeStripeTrigger:
		return Entry{
			Def: NodeTypeDef{
				Type:        t,
				Category:    "trigger",
				DisplayName: "Stripe Event",
				Description: "Start the workflow when a Stripe event is received",
				Channel:     nodes.ChannelStripeTrigger,
			},
			Executor: nodes.NewStripeTriggerExecutor(),
		}, nil
	case core.NodeTypeHTTPRequest:
		opts := []nodes.HTTPRequestOption{nodes.WithHTTPClient(deps.HTTPClient)}
		if deps.HTTPTimeout > 0 {
			opts = append(opts, nodes.WithHTTPTimeout(deps.HTTPTimeout))
		}
		return Entry{
			Def: NodeTypeDef{
				Type:           t,
				Category:       "action",
				DisplayName:    "HTTP Request",
				Description:    "Call an HTTP endpoint and store the response",
				Channel:        nodes.ChannelHTTPRequest,
				RequiredFields: []string{"endpoint", "variableName", "method"},
			},
			Executor: nodes.NewHTTPRequestExecutor(opts...),
		}, nil
	case core.NodeTypeGemini:
		return llm(nodes.GeminiConfig(), "Generate text with Google Gemini"), nil
	case core.NodeTypeOpenAI:
		return llm(nodes.OpenAIConfig(), "Generate text with OpenAI"), nil
	case core.NodeTypeAnthropic:
		return llm(nodes.AnthropicConfig(), "Generate text with Anthropic Claude"), nil
	case core.NodeTypeDiscord:
		return Entry{
			Def: NodeTypeDef{
				Type:           t,
				Category:       "messaging",
				DisplayName:    "Discord",
				Description:    "Post a message to a Discord webhook",
				Channel:        nodes.ChannelDiscord,
				RequiredFields: []string{"content", "webhookUrl", "variableName"},
			},
			Executor: nodes.NewDiscordExecutor(deps.HTTPClient),
		}, nil
	case core.NodeTypeSlack:
		return Entry{
			Def: NodeTypeDef{
				Type:           t,
				Category:       "messaging",
				DisplayName:    "Slack",
				Description:    "Post a message to a Slack webhook",
				Channel:        nodes.ChannelSlack,
				RequiredFields: []string{"content", "webhookUrl", "variableName"},
			},
			Executor: nodes.NewSlackExecutor(deps.HTTPClient),
		}, nil
	}
	return Entry{}, fmt.Errorf("registry: no built-in executor for node type %s", t)
}
