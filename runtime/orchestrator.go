// Package runtime runs workflow executions: it orders a workflow's nodes,
// dispatches each one to its executor and records the outcome.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petal-labs/flowforge/bus"
	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/graph"
)

// Step labels of the orchestrator's own durable steps.
const (
	StepCreateExecution = "create-execution"
	StepPrepareWorkflow = "prepare-workflow"
	StepFindUserID      = "find-user-id"
	StepUpdateExecution = "update-execution"
)

// ChannelWorkflow carries status for nodes whose type has no channel of its own.
const ChannelWorkflow = "workflow-execution"

const defaultPublishTimeout = 2 * time.Second

// WorkflowSource loads workflows for execution. A missing workflow must be
// reported with an error matching core.ErrWorkflowNotFound; it fails the run
// without retries.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (core.Workflow, error)
	WorkflowOwner(ctx context.Context, id string) (string, error)
}

// ExecutionRecorder persists the execution record. FailExecution reports an
// unknown event with an error matching core.ErrExecutionNotFound.
type ExecutionRecorder interface {
	CreateExecution(ctx context.Context, workflowID, eventID string) (core.Execution, error)
	CompleteExecution(ctx context.Context, eventID string, output json.RawMessage) error
	FailExecution(ctx context.Context, eventID, message, stack string) error
}

// ExecutorLookup resolves node types to executors.
type ExecutorLookup interface {
	Get(t core.NodeType) (core.Executor, error)
}

// channelLookup is implemented by lookups that know each type's status channel.
type channelLookup interface {
	Channel(t core.NodeType) string
}

// SequenceSource reports the last status sequence number of an execution.
type SequenceSource interface {
	LatestSeq(ctx context.Context, executionID string) (uint64, error)
}

// Config configures an Orchestrator.
type Config struct {
	Workflows  WorkflowSource
	Executions ExecutionRecorder
	Executors  ExecutorLookup

	// Publisher receives node status messages. Nil discards them.
	Publisher bus.Publisher

	// Sequence seeds status sequence numbers so retries continue counting.
	Sequence SequenceSource

	// EventHandler receives lifecycle events.
	EventHandler EventHandler

	// PublishTimeout bounds a single status publish (default: 2s).
	PublishTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator executes workflows one node at a time.
type Orchestrator struct {
	workflows      WorkflowSource
	executions     ExecutionRecorder
	executors      ExecutorLookup
	publisher      bus.Publisher
	sequence       SequenceSource
	handler        EventHandler
	publishTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Workflows == nil {
		return nil, errors.New("runtime: workflow source is required")
	}
	if cfg.Executions == nil {
		return nil, errors.New("runtime: execution recorder is required")
	}
	if cfg.Executors == nil {
		return nil, errors.New("runtime: executor lookup is required")
	}
	o := &Orchestrator{
		workflows:      cfg.Workflows,
		executions:     cfg.Executions,
		executors:      cfg.Executors,
		publisher:      cfg.Publisher,
		sequence:       cfg.Sequence,
		handler:        cfg.EventHandler,
		publishTimeout: cfg.PublishTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if o.publishTimeout <= 0 {
		o.publishTimeout = defaultPublishTimeout
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// preparedWorkflow is the recorded result of the prepare-workflow step.
type preparedWorkflow struct {
	Name  string      `json:"name"`
	Nodes []core.Node `json:"nodes"`
}

// Run executes the workflow named by evt. It is the durable function body:
// side effects happen inside step so a retried attempt replays them.
func (o *Orchestrator) Run(ctx context.Context, evt core.Event, step core.StepRunner) error {
	if strings.TrimSpace(evt.ID) == "" {
		return core.NewNonRetriable("Event ID or workflow ID is missing")
	}
	workflowID := strings.TrimSpace(evt.Data.WorkflowID)
	if workflowID == "" {
		return core.NewNonRetriable("Event ID or workflow ID is missing")
	}

	exec, err := core.RunStep(ctx, step, StepCreateExecution, func(ctx context.Context) (core.Execution, error) {
		exec, err := o.executions.CreateExecution(ctx, workflowID, evt.ID)
		if errors.Is(err, core.ErrWorkflowNotFound) {
			return exec, &core.NonRetriableError{Message: "Workflow not found", Cause: err}
		}
		return exec, err
	})
	if err != nil {
		return err
	}

	seq := o.newSequence(ctx, exec.ID)
	start := o.now()
	emit := o.emitter(exec.ID, evt.ID, workflowID)
	emit(NewEvent(EventExecutionStarted, exec.ID).WithPayload("workflow_id", workflowID))

	final, err := o.execute(ctx, evt, exec, step, seq, emit, start)

	finished := NewEvent(EventExecutionFinished, exec.ID).WithElapsed(o.now().Sub(start))
	if err != nil {
		finished = finished.WithPayload("status", "failed").WithPayload("error", err.Error())
	} else {
		finished = finished.WithPayload("status", "completed").WithPayload("nodes", final)
	}
	emit(finished)
	return err
}

// execute runs the prepared workflow and returns the number of nodes run.
func (o *Orchestrator) execute(
	ctx context.Context,
	evt core.Event,
	exec core.Execution,
	step core.StepRunner,
	seq *seqGen,
	emit func(Event),
	start time.Time,
) (int, error) {
	workflowID := exec.WorkflowID
	if workflowID == "" {
		workflowID = evt.Data.WorkflowID
	}

	prepared, err := core.RunStep(ctx, step, StepPrepareWorkflow, func(ctx context.Context) (preparedWorkflow, error) {
		wf, err := o.workflows.GetWorkflow(ctx, workflowID)
		if errors.Is(err, core.ErrWorkflowNotFound) {
			return preparedWorkflow{}, &core.NonRetriableError{Message: "Workflow not found", Cause: err}
		}
		if err != nil {
			return preparedWorkflow{}, err
		}
		sorted, err := graph.Sort(wf.Nodes, wf.Connections)
		if err != nil {
			return preparedWorkflow{}, err
		}
		return preparedWorkflow{Name: wf.Name, Nodes: sorted}, nil
	})
	if err != nil {
		return 0, err
	}

	userID, err := core.RunStep(ctx, step, StepFindUserID, func(ctx context.Context) (string, error) {
		owner, err := o.workflows.WorkflowOwner(ctx, workflowID)
		if errors.Is(err, core.ErrWorkflowNotFound) {
			return "", &core.NonRetriableError{Message: "Workflow not found", Cause: err}
		}
		return owner, err
	})
	if err != nil {
		return 0, err
	}

	o.logger.Info("execution started",
		"execution_id", exec.ID,
		"event_id", evt.ID,
		"workflow_id", workflowID,
		"nodes", len(prepared.Nodes),
	)

	publish := o.publishFunc(exec.ID, seq)
	wctx := core.NewWorkflowContext(evt.Data.InitialData)
	for _, node := range prepared.Nodes {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		wctx, err = o.runNode(ctx, node, wctx, userID, step, publish, emit, start)
		if err != nil {
			o.logger.Warn("node failed",
				"execution_id", exec.ID,
				"node_id", node.ID,
				"node_type", node.Type,
				"error", err,
			)
			return 0, err
		}
	}

	output, err := json.Marshal(wctx)
	if err != nil {
		return 0, &core.NonRetriableError{Message: "encode execution output", Cause: err}
	}
	if _, err := step.Run(ctx, StepUpdateExecution, func(ctx context.Context) (any, error) {
		return true, o.executions.CompleteExecution(ctx, evt.ID, output)
	}); err != nil {
		return 0, err
	}

	o.logger.Info("execution completed", "execution_id", exec.ID, "event_id", evt.ID)
	return len(prepared.Nodes), nil
}

func (o *Orchestrator) runNode(
	ctx context.Context,
	node core.Node,
	wctx core.WorkflowContext,
	userID string,
	step core.StepRunner,
	publish core.PublishFunc,
	emit func(Event),
	start time.Time,
) (core.WorkflowContext, error) {
	nodeStart := o.now()
	emit(NewEvent(EventNodeStarted, "").
		WithNode(node.ID, node.Type).
		WithElapsed(nodeStart.Sub(start)))

	executor, err := o.executors.Get(node.Type)
	if err != nil {
		publish(ctx, o.channel(node.Type), node.ID, core.NodeStatusError)
		o.nodeFailed(emit, node, nodeStart, err)
		return wctx, err
	}

	out, err := executor.Execute(ctx, core.ExecuteInput{
		Data:    node.Data,
		NodeID:  node.ID,
		UserID:  userID,
		Context: wctx,
		Step:    step,
		Publish: publish,
	})
	if err != nil {
		o.nodeFailed(emit, node, nodeStart, err)
		return wctx, err
	}
	if out == nil {
		out = wctx
	}

	emit(NewEvent(EventNodeFinished, "").
		WithNode(node.ID, node.Type).
		WithElapsed(o.now().Sub(nodeStart)))
	return out, nil
}

func (o *Orchestrator) nodeFailed(emit func(Event), node core.Node, nodeStart time.Time, err error) {
	emit(NewEvent(EventNodeFailed, "").
		WithNode(node.ID, node.Type).
		WithElapsed(o.now().Sub(nodeStart)).
		WithPayload("error", err.Error()).
		WithPayload("retriable", !core.IsNonRetriable(err)))
}

// HandleFailure marks the execution of evt as failed. It is called once the
// durable runtime gives up on the event.
func (o *Orchestrator) HandleFailure(ctx context.Context, evt core.Event, cause error) {
	if cause == nil || strings.TrimSpace(evt.ID) == "" {
		return
	}
	err := o.executions.FailExecution(ctx, evt.ID, cause.Error(), ErrorStack(cause))
	switch {
	case errors.Is(err, core.ErrExecutionNotFound):
		o.logger.Warn("no execution to mark failed", "event_id", evt.ID, "error", cause)
	case err != nil:
		o.logger.Error("failed to record execution failure", "event_id", evt.ID, "error", err)
	default:
		o.logger.Error("execution failed",
			"event_id", evt.ID,
			"workflow_id", evt.Data.WorkflowID,
			"error", cause,
		)
	}
}

// ErrorStack renders the wrapping chain of err, outermost first, one error
// per line with its concrete type.
func ErrorStack(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s%T: %s", strings.Repeat("  ", depth), err, err.Error())

		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			errs := x.Unwrap()
			if len(errs) == 0 {
				return b.String()
			}
			err = errs[0]
		default:
			err = errors.Unwrap(err)
		}
	}
	return b.String()
}

// publishFunc builds the status publisher handed to executors. Publish
// failures are logged and never reach the executor.
func (o *Orchestrator) publishFunc(executionID string, seq *seqGen) core.PublishFunc {
	return func(ctx context.Context, channel, nodeID string, status core.NodeStatus) {
		if o.publisher == nil {
			return
		}
		msg := core.StatusMessage{
			Channel:     channel,
			Topic:       core.StatusTopic,
			NodeID:      nodeID,
			Status:      status,
			ExecutionID: executionID,
			Seq:         seq.Next(),
			Time:        o.now().UTC(),
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.publishTimeout)
		defer cancel()
		if err := o.publisher.Publish(pctx, msg); err != nil {
			o.logger.Warn("failed to publish node status",
				"execution_id", executionID,
				"node_id", nodeID,
				"status", status,
				"error", err,
			)
		}
	}
}

func (o *Orchestrator) newSequence(ctx context.Context, executionID string) *seqGen {
	if o.sequence == nil {
		return newSeqGen()
	}
	last, err := o.sequence.LatestSeq(ctx, executionID)
	if err != nil {
		o.logger.Warn("failed to load status sequence", "execution_id", executionID, "error", err)
		return newSeqGen()
	}
	return newSeqGenFrom(last)
}

func (o *Orchestrator) channel(t core.NodeType) string {
	if cl, ok := o.executors.(channelLookup); ok {
		if ch := cl.Channel(t); ch != "" {
			return ch
		}
	}
	return ChannelWorkflow
}

func (o *Orchestrator) emitter(executionID, eventID, workflowID string) func(Event) {
	seq := newSeqGen()
	return func(e Event) {
		if o.handler == nil {
			return
		}
		e.ExecutionID = executionID
		e.EventID = eventID
		e.WorkflowID = workflowID
		e.Time = o.now()
		e.Seq = seq.Next()
		o.handler(e)
	}
}
