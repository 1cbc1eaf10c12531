package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/flowforge/core"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "flowforge.sqlite")
	store, err := NewSQLiteStore(SQLiteConfig{DSN: path, SecretKey: "test-key"})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestCreateWorkflow_SeedsInitialNode(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	wf, err := s.CreateWorkflow(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if !regexp.MustCompile(`^[a-z]+-[a-z]+-[a-z]+$`).MatchString(wf.Name) {
		t.Errorf("generated name = %q", wf.Name)
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.UserID != "user-1" || got.Name != wf.Name {
		t.Errorf("workflow = %+v", got)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].Type != core.NodeTypeInitial {
		t.Fatalf("nodes = %+v, want one INITIAL node", got.Nodes)
	}
	if len(got.Connections) != 0 {
		t.Errorf("connections = %+v", got.Connections)
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.GetWorkflow(context.Background(), "missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestReplaceGraph(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, "user-1", "graph")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	nodes := []core.Node{
		{ID: "a", Name: "Trigger", Type: core.NodeTypeManualTrigger, Position: core.Position{X: 1, Y: 2}},
		{ID: "b", Name: "Fetch", Type: core.NodeTypeHTTPRequest, Data: map[string]any{"endpoint": "https://example.com"}},
	}
	conns := []core.Connection{
		{FromNodeID: "a", ToNodeID: "b"},
		{FromNodeID: "a", ToNodeID: "b"}, // duplicate collapses
	}
	got, err := s.ReplaceGraph(ctx, wf.ID, nodes, conns)
	if err != nil {
		t.Fatalf("ReplaceGraph: %v", err)
	}
	if len(got.Nodes) != 2 || got.Nodes[0].ID != "a" || got.Nodes[1].ID != "b" {
		t.Fatalf("nodes = %+v", got.Nodes)
	}
	if got.Nodes[0].Position != (core.Position{X: 1, Y: 2}) {
		t.Errorf("position = %+v", got.Nodes[0].Position)
	}
	if got.Nodes[1].Data["endpoint"] != "https://example.com" {
		t.Errorf("data = %+v", got.Nodes[1].Data)
	}
	if len(got.Connections) != 1 {
		t.Fatalf("connections = %+v", got.Connections)
	}
	if c := got.Connections[0]; c.FromOutput != core.DefaultPort || c.ToInput != core.DefaultPort {
		t.Errorf("ports = %q/%q", c.FromOutput, c.ToInput)
	}

	// A second save replaces everything.
	got, err = s.ReplaceGraph(ctx, wf.ID, nodes[:1], nil)
	if err != nil {
		t.Fatalf("ReplaceGraph second: %v", err)
	}
	if len(got.Nodes) != 1 || len(got.Connections) != 0 {
		t.Fatalf("after replace: %d nodes, %d connections", len(got.Nodes), len(got.Connections))
	}

	if _, err := s.ReplaceGraph(ctx, "missing", nodes, nil); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("missing workflow err = %v", err)
	}
}

func TestListWorkflows_PaginationAndSearch(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := s.CreateWorkflow(ctx, "user-1", fmt.Sprintf("flow-%d", i)); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
	}
	if _, err := s.CreateWorkflow(ctx, "user-1", "Billing Sync"); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if _, err := s.CreateWorkflow(ctx, "user-2", "flow-other"); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	page, err := s.ListWorkflows(ctx, "user-1", ListOptions{})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if page.TotalCount != 8 || page.PageSize != DefaultPageSize || len(page.Items) != DefaultPageSize {
		t.Fatalf("page = %+v", page)
	}
	if page.TotalPages != 2 || !page.HasNextPage || page.HasPreviousPage {
		t.Errorf("paging = %+v", page)
	}

	page, err = s.ListWorkflows(ctx, "user-1", ListOptions{Page: 2})
	if err != nil {
		t.Fatalf("ListWorkflows page 2: %v", err)
	}
	if len(page.Items) != 3 || page.HasNextPage || !page.HasPreviousPage {
		t.Errorf("page 2 = %+v", page)
	}

	page, err = s.ListWorkflows(ctx, "user-1", ListOptions{Search: "billing"})
	if err != nil {
		t.Fatalf("ListWorkflows search: %v", err)
	}
	if page.TotalCount != 1 || page.Items[0].Name != "Billing Sync" {
		t.Errorf("search = %+v", page)
	}

	page, err = s.ListWorkflows(ctx, "user-1", ListOptions{Search: "100%"})
	if err != nil {
		t.Fatalf("ListWorkflows wildcard: %v", err)
	}
	if page.TotalCount != 0 || page.Items == nil {
		t.Errorf("wildcard search = %+v", page)
	}
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		in   ListOptions
		want ListOptions
	}{
		{ListOptions{}, ListOptions{Page: 1, PageSize: 5}},
		{ListOptions{Page: -3, PageSize: 500}, ListOptions{Page: 1, PageSize: 100}},
		{ListOptions{Page: 4, PageSize: -1}, ListOptions{Page: 4, PageSize: 1}},
		{ListOptions{Page: 2, PageSize: 20, Search: "x"}, ListOptions{Page: 2, PageSize: 20, Search: "x"}},
	}
	for _, tt := range tests {
		if got := tt.in.Normalize(); got != tt.want {
			t.Errorf("Normalize(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestRenameAndDeleteWorkflow(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, "user-1", "old")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	renamed, err := s.RenameWorkflow(ctx, wf.ID, "  new  ")
	if err != nil {
		t.Fatalf("RenameWorkflow: %v", err)
	}
	if renamed.Name != "new" {
		t.Errorf("name = %q", renamed.Name)
	}
	if _, err := s.RenameWorkflow(ctx, wf.ID, " "); err == nil {
		t.Error("expected error for blank name")
	}

	owner, err := s.WorkflowOwner(ctx, wf.ID)
	if err != nil || owner != "user-1" {
		t.Fatalf("WorkflowOwner = %q, %v", owner, err)
	}

	exec, err := s.CreateExecution(ctx, wf.ID, "evt-1")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}
	if _, err := s.GetExecution(ctx, exec.ID); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("execution survived delete: %v", err)
	}
	if err := s.DeleteWorkflow(ctx, wf.ID); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("second delete err = %v", err)
	}
	if _, err := s.WorkflowOwner(ctx, wf.ID); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("owner after delete err = %v", err)
	}
}

func TestExecutions_Lifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, "user-1", "runs")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	first, err := s.CreateExecution(ctx, wf.ID, "evt-1")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if first.Status != core.ExecutionRunning || first.CompletedAt != nil || first.WorkflowName != "runs" {
		t.Fatalf("execution = %+v", first)
	}

	again, err := s.CreateExecution(ctx, wf.ID, "evt-1")
	if err != nil {
		t.Fatalf("CreateExecution replay: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("replayed event created a second execution: %s != %s", again.ID, first.ID)
	}

	if err := s.CompleteExecution(ctx, "evt-1", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	// Terminal executions do not transition again.
	if err := s.FailExecution(ctx, "evt-1", "boom", "stack"); err != nil {
		t.Fatalf("FailExecution after success: %v", err)
	}

	got, err := s.GetExecution(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != core.ExecutionSuccess || got.CompletedAt == nil || got.Error != "" {
		t.Errorf("execution = %+v", got)
	}
	if string(got.Output) != `{"a":1}` {
		t.Errorf("output = %s", got.Output)
	}

	if err := s.FailExecution(ctx, "missing", "boom", ""); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("fail missing err = %v", err)
	}
	if _, err := s.CreateExecution(ctx, "no-such-workflow", "evt-2"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("create for missing workflow err = %v", err)
	}
}

func TestListExecutions_ScopedToUser(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "flowforge.sqlite")
	s, err := NewSQLiteStore(SQLiteConfig{DSN: path, Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	mine, _ := s.CreateWorkflow(ctx, "user-1", "mine")
	theirs, _ := s.CreateWorkflow(ctx, "user-2", "theirs")
	for i := 0; i < 3; i++ {
		if _, err := s.CreateExecution(ctx, mine.ID, fmt.Sprintf("mine-%d", i)); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}
	if _, err := s.CreateExecution(ctx, theirs.ID, "theirs-0"); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.FailExecution(ctx, "mine-0", "Workflow contains a cycle", ""); err != nil {
		t.Fatalf("FailExecution: %v", err)
	}

	page, err := s.ListExecutions(ctx, "user-1", ListOptions{PageSize: 10})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if page.TotalCount != 3 {
		t.Fatalf("total = %d", page.TotalCount)
	}
	if page.Items[0].EventID != "mine-2" || page.Items[2].EventID != "mine-0" {
		t.Errorf("order = %s, %s, %s", page.Items[0].EventID, page.Items[1].EventID, page.Items[2].EventID)
	}
	if page.Items[2].Status != core.ExecutionFailed || page.Items[2].Error != "Workflow contains a cycle" {
		t.Errorf("failed execution = %+v", page.Items[2])
	}
}

func TestCredentials_EncryptedAtRest(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cred, err := s.CreateCredential(ctx, core.Credential{
		Name: "My OpenAI", Type: core.CredentialOpenAI, Value: "sk-secret", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	var raw string
	if err := s.db.QueryRow(`SELECT value FROM credentials WHERE id = ?`, cred.ID).Scan(&raw); err != nil {
		t.Fatalf("select raw value: %v", err)
	}
	if !strings.HasPrefix(raw, encryptedValuePrefix) || strings.Contains(raw, "sk-secret") {
		t.Fatalf("stored value not encrypted: %q", raw)
	}

	got, ok, err := s.GetCredential(ctx, "user-1", cred.ID)
	if err != nil || !ok {
		t.Fatalf("GetCredential = %v, %v", ok, err)
	}
	if got.Value != "sk-secret" || got.Type != core.CredentialOpenAI {
		t.Errorf("credential = %+v", got)
	}

	if _, ok, err := s.GetCredential(ctx, "user-2", cred.ID); ok || err != nil {
		t.Errorf("other user lookup = %v, %v", ok, err)
	}

	page, err := s.ListCredentials(ctx, "user-1", ListOptions{})
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if page.TotalCount != 1 || page.Items[0].Value != "" {
		t.Errorf("list = %+v", page)
	}

	cred.Value = "sk-rotated"
	cred.Type = core.CredentialAnthropic
	updated, err := s.UpdateCredential(ctx, cred)
	if err != nil {
		t.Fatalf("UpdateCredential: %v", err)
	}
	if updated.Value != "sk-rotated" || updated.Type != core.CredentialAnthropic {
		t.Errorf("updated = %+v", updated)
	}

	if err := s.DeleteCredential(ctx, "user-2", cred.ID); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("delete by other user err = %v", err)
	}
	if err := s.DeleteCredential(ctx, "user-1", cred.ID); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
}

func TestCreateCredential_Validation(t *testing.T) {
	s := newTestSQLiteStore(t)
	tests := []struct {
		name string
		cred core.Credential
	}{
		{"missing user", core.Credential{Name: "n", Type: core.CredentialGemini, Value: "v"}},
		{"missing name", core.Credential{UserID: "u", Type: core.CredentialGemini, Value: "v"}},
		{"bad type", core.Credential{UserID: "u", Name: "n", Type: "AZURE", Value: "v"}},
		{"missing value", core.Credential{UserID: "u", Name: "n", Type: core.CredentialGemini}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateCredential(context.Background(), tt.cred); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSteps_FirstResultWins(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadStep(ctx, "evt", "create-execution"); ok || err != nil {
		t.Fatalf("LoadStep empty = %v, %v", ok, err)
	}
	if err := s.SaveStep(ctx, "evt", "create-execution", json.RawMessage(`"first"`)); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}
	if err := s.SaveStep(ctx, "evt", "create-execution", json.RawMessage(`"second"`)); err != nil {
		t.Fatalf("SaveStep again: %v", err)
	}
	out, ok, err := s.LoadStep(ctx, "evt", "create-execution")
	if err != nil || !ok || string(out) != `"first"` {
		t.Fatalf("LoadStep = %s, %v, %v", out, ok, err)
	}

	if err := s.DeleteSteps(ctx, "evt"); err != nil {
		t.Fatalf("DeleteSteps: %v", err)
	}
	if _, ok, _ := s.LoadStep(ctx, "evt", "create-execution"); ok {
		t.Error("step survived DeleteSteps")
	}
}

func TestSchedules_CRUDAndDue(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, "user-1", "cron")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	due, err := s.CreateSchedule(ctx, Schedule{
		WorkflowID: wf.ID, Cron: "*/5 * * * *", Enabled: true,
		InitialData: map[string]any{"source": "cron"},
		NextRunAt:   now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if _, err := s.CreateSchedule(ctx, Schedule{
		WorkflowID: wf.ID, Cron: "0 * * * *", Enabled: true, NextRunAt: now.Add(500 * time.Millisecond),
	}); err != nil {
		t.Fatalf("CreateSchedule future: %v", err)
	}
	if _, err := s.CreateSchedule(ctx, Schedule{
		WorkflowID: wf.ID, Cron: "0 * * * *", Enabled: false, NextRunAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("CreateSchedule disabled: %v", err)
	}

	list, err := s.ListDueSchedules(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDueSchedules: %v", err)
	}
	if len(list) != 1 || list[0].ID != due.ID {
		t.Fatalf("due = %+v", list)
	}
	if list[0].InitialData["source"] != "cron" {
		t.Errorf("initial data = %+v", list[0].InitialData)
	}

	ran := now
	due.LastRunAt = &ran
	due.LastEventID = "evt-1"
	due.NextRunAt = now.Add(5 * time.Minute)
	if err := s.UpdateSchedule(ctx, due); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	got, err := s.GetSchedule(ctx, wf.ID, due.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.LastEventID != "evt-1" || got.LastRunAt == nil || !got.NextRunAt.Equal(due.NextRunAt) {
		t.Errorf("schedule = %+v", got)
	}

	all, err := s.ListSchedules(ctx, wf.ID)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListSchedules = %d, %v", len(all), err)
	}

	if err := s.DeleteSchedule(ctx, wf.ID, due.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule(ctx, wf.ID, due.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("get deleted err = %v", err)
	}
	if _, err := s.CreateSchedule(ctx, Schedule{WorkflowID: "missing", Cron: "* * * * *"}); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("schedule for missing workflow err = %v", err)
	}
}

func TestSecretCodec(t *testing.T) {
	codec, err := NewSecretCodec("key-a")
	if err != nil {
		t.Fatalf("NewSecretCodec: %v", err)
	}
	enc, err := codec.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if again, _ := codec.Encrypt(enc); again != enc {
		t.Error("encrypting an encrypted value should be a no-op")
	}
	dec, err := codec.Decrypt(enc)
	if err != nil || dec != "hello" {
		t.Fatalf("Decrypt = %q, %v", dec, err)
	}
	if plain, _ := codec.Decrypt("plain"); plain != "plain" {
		t.Errorf("Decrypt(plain) = %q", plain)
	}

	other, _ := NewSecretCodec("key-b")
	if _, err := other.Decrypt(enc); err == nil {
		t.Error("decrypt with wrong key should fail")
	}
}

func TestSecretKeyConfigured(t *testing.T) {
	t.Setenv(SecretKeyEnv, "")
	if SecretKeyConfigured("  ") {
		t.Error("blank key with no env should not count as configured")
	}
	if !SecretKeyConfigured("key-a") {
		t.Error("explicit key should count as configured")
	}
	t.Setenv(SecretKeyEnv, "from-env")
	if !SecretKeyConfigured("") {
		t.Error("env key should count as configured")
	}
}
