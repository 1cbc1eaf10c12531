package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/flowforge/core"
)

// CreateWorkflow inserts a workflow holding a single INITIAL node. An empty
// name is replaced with a generated slug.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, userID, name string) (core.Workflow, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.Workflow{}, errors.New("sqlite store create workflow: user id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = GenerateName()
	}

	now := s.timestamp()
	wf := core.Workflow{
		ID:     uuid.NewString(),
		Name:   name,
		UserID: userID,
		Nodes: []core.Node{{
			ID:        uuid.NewString(),
			Name:      string(core.NodeTypeInitial),
			Type:      core.NodeTypeInitial,
			CreatedAt: now,
			UpdatedAt: now,
		}},
		Connections: []core.Connection{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	wf.Nodes[0].WorkflowID = wf.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store create workflow: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO workflows (id, user_id, name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, formatTime(now), formatTime(now),
	); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store create workflow: %w", err)
	}
	if err := insertNodes(ctx, tx, wf.ID, wf.Nodes); err != nil {
		return core.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store create workflow commit: %w", err)
	}
	return wf, nil
}

// GetWorkflow loads a workflow with its nodes and connections.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (core.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, name, created_at, updated_at
FROM workflows
WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Workflow{}, ErrWorkflowNotFound
	}
	if err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store get workflow: %w", err)
	}

	if wf.Nodes, err = s.loadNodes(ctx, id); err != nil {
		return core.Workflow{}, err
	}
	if wf.Connections, err = s.loadConnections(ctx, id); err != nil {
		return core.Workflow{}, err
	}
	return wf, nil
}

// ListWorkflows returns one page of a user's workflows, most recently
// updated first. The graph is not loaded.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, userID string, opts ListOptions) (Page[core.Workflow], error) {
	opts = opts.Normalize()
	where := "user_id = ?"
	args := []any{userID}
	if strings.TrimSpace(opts.Search) != "" {
		where += ` AND lower(name) LIKE ? ESCAPE '\'`
		args = append(args, likePattern(opts.Search))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows WHERE "+where, args...).Scan(&total); err != nil {
		return Page[core.Workflow]{}, fmt.Errorf("sqlite store count workflows: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, created_at, updated_at
FROM workflows
WHERE `+where+`
ORDER BY updated_at DESC, seq DESC
LIMIT ? OFFSET ?`, append(args, opts.PageSize, opts.offset())...)
	if err != nil {
		return Page[core.Workflow]{}, fmt.Errorf("sqlite store list workflows: %w", err)
	}
	defer rows.Close()

	var items []core.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return Page[core.Workflow]{}, fmt.Errorf("sqlite store list workflows: %w", err)
		}
		items = append(items, wf)
	}
	if err := rows.Err(); err != nil {
		return Page[core.Workflow]{}, fmt.Errorf("sqlite store list workflows: %w", err)
	}
	return NewPage(items, opts, total), nil
}

// RenameWorkflow changes a workflow's name.
func (s *SQLiteStore) RenameWorkflow(ctx context.Context, id, name string) (core.Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Workflow{}, errors.New("sqlite store rename workflow: name is required")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows SET name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(s.timestamp()), id)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store rename workflow: %w", err)
	}
	if err := requireAffected(res, ErrWorkflowNotFound); err != nil {
		return core.Workflow{}, err
	}
	return s.GetWorkflow(ctx, id)
}

// ReplaceGraph atomically replaces every node and connection of a workflow.
func (s *SQLiteStore) ReplaceGraph(ctx context.Context, id string, nodes []core.Node, connections []core.Connection) (core.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store replace graph: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.timestamp()
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET updated_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store replace graph: %w", err)
	}
	if err := requireAffected(res, ErrWorkflowNotFound); err != nil {
		return core.Workflow{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE workflow_id = ?`, id); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store delete connections: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE workflow_id = ?`, id); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store delete nodes: %w", err)
	}

	stamped := make([]core.Node, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.CreatedAt, n.UpdatedAt = now, now
		stamped[i] = n
	}
	if err := insertNodes(ctx, tx, id, stamped); err != nil {
		return core.Workflow{}, err
	}
	for _, c := range connections {
		c = c.WithDefaults()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO connections (id, workflow_id, from_node_id, to_node_id, from_output, to_input)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
			c.ID, id, c.FromNodeID, c.ToNodeID, c.FromOutput, c.ToInput,
		); err != nil {
			return core.Workflow{}, fmt.Errorf("sqlite store insert connection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return core.Workflow{}, fmt.Errorf("sqlite store replace graph commit: %w", err)
	}
	return s.GetWorkflow(ctx, id)
}

// DeleteWorkflow removes a workflow and everything that references it.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store delete workflow: %w", err)
	}
	return requireAffected(res, ErrWorkflowNotFound)
}

// WorkflowOwner returns the user id that owns a workflow.
func (s *SQLiteStore) WorkflowOwner(ctx context.Context, id string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM workflows WHERE id = ?`, id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrWorkflowNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite store workflow owner: %w", err)
	}
	return userID, nil
}

func insertNodes(ctx context.Context, tx *sql.Tx, workflowID string, nodes []core.Node) error {
	for _, n := range nodes {
		data, err := marshalMap(n.Data)
		if err != nil {
			return fmt.Errorf("sqlite store encode node %s data: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO nodes (id, workflow_id, name, type, data_json, position_x, position_y, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, workflowID, n.Name, string(n.Type), data, n.Position.X, n.Position.Y,
			formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
		); err != nil {
			return fmt.Errorf("sqlite store insert node %s: %w", n.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadNodes(ctx context.Context, workflowID string) ([]core.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, type, data_json, position_x, position_y, created_at, updated_at
FROM nodes
WHERE workflow_id = ?
ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store load nodes: %w", err)
	}
	defer rows.Close()

	nodes := []core.Node{}
	for rows.Next() {
		var (
			n                    core.Node
			nodeType             string
			data                 []byte
			createdAt, updatedAt string
		)
		if err := rows.Scan(&n.ID, &n.Name, &nodeType, &data, &n.Position.X, &n.Position.Y, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite store scan node: %w", err)
		}
		n.WorkflowID = workflowID
		n.Type = core.NodeType(nodeType)
		if n.Data, err = unmarshalMap(data); err != nil {
			return nil, fmt.Errorf("sqlite store decode node %s data: %w", n.ID, err)
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("sqlite store parse node created_at: %w", err)
		}
		if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite store parse node updated_at: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) loadConnections(ctx context.Context, workflowID string) ([]core.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, from_node_id, to_node_id, from_output, to_input
FROM connections
WHERE workflow_id = ?
ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store load connections: %w", err)
	}
	defer rows.Close()

	conns := []core.Connection{}
	for rows.Next() {
		c := core.Connection{WorkflowID: workflowID}
		if err := rows.Scan(&c.ID, &c.FromNodeID, &c.ToNodeID, &c.FromOutput, &c.ToInput); err != nil {
			return nil, fmt.Errorf("sqlite store scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (core.Workflow, error) {
	var (
		wf                   core.Workflow
		createdAt, updatedAt string
	)
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &createdAt, &updatedAt); err != nil {
		return core.Workflow{}, err
	}
	var err error
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Workflow{}, fmt.Errorf("parse created_at: %w", err)
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Workflow{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return wf, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
