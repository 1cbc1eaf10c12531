// Package nodes provides the executors behind each workflow node type.
//
// Every executor follows the same sequence: publish "loading", validate its
// configuration, render templated fields against the context, perform its
// side effect inside a durable step, then publish "success" and return the
// context extended with its result. Failures publish "error" first.
package nodes

import (
	"context"
	"net/http"
	"strings"

	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/templating"
)

// Status channels, one per node-type family.
const (
	ChannelManualTrigger     = "manual-trigger-execution"
	ChannelGoogleFormTrigger = "google-form-trigger-execution"
	ChannelStripeTrigger     = "stripe-trigger-execution"
	ChannelHTTPRequest       = "http-request-execution"
	ChannelGemini            = "gemini-execution"
	ChannelOpenAI            = "openai-execution"
	ChannelAnthropic         = "anthropic-execution"
	ChannelDiscord           = "discord-execution"
	ChannelSlack             = "slack-execution"
)

// Step labels used for durable memoization.
const (
	StepManualTrigger     = "manual-trigger"
	StepGoogleFormTrigger = "google-form-trigger"
	StepStripeTrigger     = "stripe-trigger"
	StepHTTPRequest       = "http-request"
	StepGemini            = "gemini-generate-text"
	StepOpenAI            = "openai-generate-text"
	StepAnthropic         = "anthropic-generate-text"
	StepDiscord           = "discord-webhook"
	StepSlack             = "slack-webhook"
)

// HTTPClient abstracts outbound HTTP execution.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// status publishes node states on a single channel.
type status struct {
	channel string
	nodeID  string
	publish core.PublishFunc
}

func newStatus(in core.ExecuteInput, channel string) status {
	return status{channel: channel, nodeID: in.NodeID, publish: in.Publish}
}

func (s status) set(ctx context.Context, st core.NodeStatus) {
	if s.publish == nil {
		return
	}
	s.publish(ctx, s.channel, s.nodeID, st)
}

func (s status) loading(ctx context.Context) { s.set(ctx, core.NodeStatusLoading) }
func (s status) success(ctx context.Context) { s.set(ctx, core.NodeStatusSuccess) }

// fail publishes "error" and returns err unchanged.
func (s status) fail(ctx context.Context, err error) error {
	s.set(ctx, core.NodeStatusError)
	return err
}

func configString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

// configRaw returns a string field without trimming, for templates whose
// whitespace is significant.
func configRaw(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// render renders a template against the context. A template that does not
// compile is a configuration error.
func render(prefix, field, src string, wctx core.WorkflowContext) (string, error) {
	out, err := templating.Render(src, wctx)
	if err != nil {
		return "", &core.NonRetriableError{Message: prefix + ": Invalid template in " + field, Cause: err}
	}
	return out, nil
}
