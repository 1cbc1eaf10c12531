package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/templating"
)

// DiscordMaxContent is Discord's maximum message length in characters.
const DiscordMaxContent = 2000

// ChatWebhookConfig is the parsed configuration of a DISCORD or SLACK node.
type ChatWebhookConfig struct {
	Content      string
	WebhookURL   string
	VariableName string
	Username     string
}

// chatFlavor captures the differences between chat webhook targets.
type chatFlavor struct {
	name      string
	channel   string
	label     string
	maxChars  int
	username  bool
	buildBody func(content, username string) map[string]any
}

var discordFlavor = chatFlavor{
	name:     "Discord",
	channel:  ChannelDiscord,
	label:    StepDiscord,
	maxChars: DiscordMaxContent,
	username: true,
	buildBody: func(content, username string) map[string]any {
		body := map[string]any{"content": content}
		if username != "" {
			body["username"] = username
		}
		return body
	},
}

var slackFlavor = chatFlavor{
	name:    "Slack",
	channel: ChannelSlack,
	label:   StepSlack,
	buildBody: func(content, _ string) map[string]any {
		// "text" for incoming webhooks, "content" for workflow webhooks.
		return map[string]any{"text": content, "content": content}
	},
}

// ChatWebhookExecutor posts a rendered message to a chat webhook and stores
// the sent text under the node's variable name as {messageContent}.
type ChatWebhookExecutor struct {
	flavor  chatFlavor
	client  HTTPClient
	timeout time.Duration
}

// NewDiscordExecutor creates the executor for DISCORD nodes.
func NewDiscordExecutor(client HTTPClient) *ChatWebhookExecutor {
	return newChatWebhookExecutor(discordFlavor, client)
}

// NewSlackExecutor creates the executor for SLACK nodes.
func NewSlackExecutor(client HTTPClient) *ChatWebhookExecutor {
	return newChatWebhookExecutor(slackFlavor, client)
}

func newChatWebhookExecutor(f chatFlavor, client HTTPClient) *ChatWebhookExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &ChatWebhookExecutor{flavor: f, client: client, timeout: defaultHTTPTimeout}
}

// Channel returns the status channel of the executor.
func (e *ChatWebhookExecutor) Channel() string { return e.flavor.channel }

// ParseConfig validates node data. Missing fields are reported in the order
// content, webhook URL, variable name.
func (e *ChatWebhookExecutor) ParseConfig(data map[string]any) (ChatWebhookConfig, error) {
	cfg := ChatWebhookConfig{
		Content:      configRaw(data, "content"),
		WebhookURL:   configString(data, "webhookUrl"),
		VariableName: configString(data, "variableName"),
	}
	if e.flavor.username {
		cfg.Username = configString(data, "username")
		if cfg.Username == "" {
			cfg.Username = configString(data, "userName")
		}
	}
	if cfg.Content == "" {
		return cfg, core.NewNonRetriable("%s node: Message content is missing", e.flavor.name)
	}
	if cfg.WebhookURL == "" {
		return cfg, core.NewNonRetriable("%s node: Webhook URL is required", e.flavor.name)
	}
	if cfg.VariableName == "" {
		return cfg, core.NewNonRetriable("%s node: Variable name not configured", e.flavor.name)
	}
	return cfg, nil
}

// Execute renders the message and posts it inside the family's step.
func (e *ChatWebhookExecutor) Execute(ctx context.Context, in core.ExecuteInput) (core.WorkflowContext, error) {
	st := newStatus(in, e.flavor.channel)
	st.loading(ctx)

	cfg, err := e.ParseConfig(in.Data)
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	prefix := e.flavor.name + " node"
	rendered, err := render(prefix, "content", cfg.Content, in.Context)
	if err != nil {
		return nil, st.fail(ctx, err)
	}
	content := truncate(templating.DecodeEntities(rendered), e.flavor.maxChars)

	var username string
	if cfg.Username != "" {
		if username, err = render(prefix, "username", cfg.Username, in.Context); err != nil {
			return nil, st.fail(ctx, err)
		}
		username = templating.DecodeEntities(username)
	}

	sent, err := core.RunStep(ctx, in.Step, e.flavor.label, func(ctx context.Context) (string, error) {
		if err := e.post(ctx, cfg.WebhookURL, e.flavor.buildBody(content, username)); err != nil {
			return "", err
		}
		return content, nil
	})
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	st.success(ctx)
	return in.Context.With(cfg.VariableName, map[string]any{"messageContent": sent}), nil
}

func (e *ChatWebhookExecutor) post(ctx context.Context, url string, payload map[string]any) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s node: marshal payload: %w", e.flavor.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &core.NonRetriableError{Message: e.flavor.name + " node: Invalid webhook URL", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s node: %w", e.flavor.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%s node: Webhook returned status %d", e.flavor.name, resp.StatusCode)
		if permanentStatus(resp.StatusCode) {
			return &core.NonRetriableError{Cause: statusErr}
		}
		return statusErr
	}
	return nil
}

// truncate cuts s to at most max characters. max <= 0 means unlimited.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

var _ core.Executor = (*ChatWebhookExecutor)(nil)
