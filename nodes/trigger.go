package nodes

import (
	"context"

	"github.com/petal-labs/flowforge/core"
)

// TriggerExecutor passes the context through unchanged. Trigger nodes only
// mark where a run starts; the event payload has already seeded the context.
type TriggerExecutor struct {
	channel string
	label   string
}

// NewTriggerExecutor creates a pass-through executor publishing on channel.
func NewTriggerExecutor(channel, label string) *TriggerExecutor {
	return &TriggerExecutor{channel: channel, label: label}
}

// NewManualTriggerExecutor serves MANUAL_TRIGGER and INITIAL nodes.
func NewManualTriggerExecutor() *TriggerExecutor {
	return NewTriggerExecutor(ChannelManualTrigger, StepManualTrigger)
}

// NewGoogleFormTriggerExecutor serves GOOGLE_FORM_TRIGGER nodes.
func NewGoogleFormTriggerExecutor() *TriggerExecutor {
	return NewTriggerExecutor(ChannelGoogleFormTrigger, StepGoogleFormTrigger)
}

// NewStripeTriggerExecutor serves STRIPE_TRIGGER nodes.
func NewStripeTriggerExecutor() *TriggerExecutor {
	return NewTriggerExecutor(ChannelStripeTrigger, StepStripeTrigger)
}

// Channel returns the status channel of the executor.
func (e *TriggerExecutor) Channel() string { return e.channel }

// Execute publishes loading and success around a pass-through step.
func (e *TriggerExecutor) Execute(ctx context.Context, in core.ExecuteInput) (core.WorkflowContext, error) {
	st := newStatus(in, e.channel)
	st.loading(ctx)

	out, err := core.RunStep(ctx, in.Step, e.label, func(context.Context) (core.WorkflowContext, error) {
		return in.Context.Clone(), nil
	})
	if err != nil {
		return nil, st.fail(ctx, err)
	}
	if out == nil {
		out = core.WorkflowContext{}
	}

	st.success(ctx)
	return out, nil
}

var _ core.Executor = (*TriggerExecutor)(nil)
