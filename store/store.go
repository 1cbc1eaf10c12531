// Package store persists workflows, executions, credentials, schedules and
// the durable step log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petal-labs/flowforge/core"
)

var (
	ErrWorkflowNotFound   = core.ErrWorkflowNotFound
	ErrExecutionNotFound  = core.ErrExecutionNotFound
	ErrCredentialNotFound = errors.New("credential not found")
	ErrScheduleNotFound   = errors.New("workflow schedule not found")
)

const (
	DefaultPage     = 1
	DefaultPageSize = 5
	MinPageSize     = 1
	MaxPageSize     = 100
)

// ListOptions selects one page of a user's records.
type ListOptions struct {
	Page     int
	PageSize int
	Search   string // case-insensitive substring of the name
}

// Normalize applies defaults and clamps the page size.
func (o ListOptions) Normalize() ListOptions {
	if o.Page < 1 {
		o.Page = DefaultPage
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize < MinPageSize {
		o.PageSize = MinPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	return o
}

func (o ListOptions) offset() int { return (o.Page - 1) * o.PageSize }

// Page is one page of results.
type Page[T any] struct {
	Items           []T  `json:"items"`
	Page            int  `json:"page"`
	PageSize        int  `json:"pageSize"`
	TotalCount      int  `json:"totalCount"`
	TotalPages      int  `json:"totalPages"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
}

// NewPage computes the paging fields for items out of total.
func NewPage[T any](items []T, opts ListOptions, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := (total + opts.PageSize - 1) / opts.PageSize
	return Page[T]{
		Items:           items,
		Page:            opts.Page,
		PageSize:        opts.PageSize,
		TotalCount:      total,
		TotalPages:      totalPages,
		HasNextPage:     opts.Page < totalPages,
		HasPreviousPage: opts.Page > 1,
	}
}

// WorkflowStore manages workflows and their graphs.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, userID, name string) (core.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (core.Workflow, error)
	ListWorkflows(ctx context.Context, userID string, opts ListOptions) (Page[core.Workflow], error)
	RenameWorkflow(ctx context.Context, id, name string) (core.Workflow, error)
	ReplaceGraph(ctx context.Context, id string, nodes []core.Node, connections []core.Connection) (core.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	WorkflowOwner(ctx context.Context, id string) (string, error)
}

// ExecutionStore manages execution records.
type ExecutionStore interface {
	// CreateExecution inserts a RUNNING execution for eventID, or returns the
	// existing one if the event was already recorded.
	CreateExecution(ctx context.Context, workflowID, eventID string) (core.Execution, error)
	// CompleteExecution marks the execution of eventID SUCCESS. It is a no-op
	// once the execution is terminal.
	CompleteExecution(ctx context.Context, eventID string, output json.RawMessage) error
	// FailExecution marks the execution of eventID FAILED. It is a no-op
	// once the execution is terminal.
	FailExecution(ctx context.Context, eventID, message, stack string) error
	GetExecution(ctx context.Context, id string) (core.Execution, error)
	GetExecutionByEvent(ctx context.Context, eventID string) (core.Execution, error)
	ListExecutions(ctx context.Context, userID string, opts ListOptions) (Page[core.Execution], error)
}

// CredentialStore manages user secrets. Values are encrypted at rest.
type CredentialStore interface {
	core.CredentialLookup
	CreateCredential(ctx context.Context, cred core.Credential) (core.Credential, error)
	ListCredentials(ctx context.Context, userID string, opts ListOptions) (Page[core.Credential], error)
	UpdateCredential(ctx context.Context, cred core.Credential) (core.Credential, error)
	DeleteCredential(ctx context.Context, userID, id string) error
}

// Schedule is a cron trigger for a workflow.
type Schedule struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflowId"`
	Cron        string         `json:"cron"`
	Enabled     bool           `json:"enabled"`
	InitialData map[string]any `json:"initialData,omitempty"`

	NextRunAt   time.Time  `json:"nextRunAt"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	LastEventID string     `json:"lastEventId,omitempty"`
	LastError   string     `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ScheduleStore provides CRUD and due-schedule queries.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s Schedule) (Schedule, error)
	GetSchedule(ctx context.Context, workflowID, id string) (Schedule, error)
	ListSchedules(ctx context.Context, workflowID string) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, workflowID, id string) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}
