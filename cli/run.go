package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/flowforge/bus"
	"github.com/petal-labs/flowforge/core"
	"github.com/petal-labs/flowforge/durable"
	"github.com/petal-labs/flowforge/graph"
	"github.com/petal-labs/flowforge/llmprovider"
	"github.com/petal-labs/flowforge/loader"
	"github.com/petal-labs/flowforge/registry"
	"github.com/petal-labs/flowforge/runtime"
	"github.com/petal-labs/flowforge/store"
)

// localUserID owns everything created by a local run.
const localUserID = "local"

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow file locally",
		Long: "Execute a JSON or YAML workflow definition in process, with an in-memory " +
			"store, and print the final workflow context as JSON.",
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial data as inline JSON object")
	cmd.Flags().StringP("input-file", "f", "", "Initial data from a JSON or YAML file")
	cmd.Flags().StringP("output", "o", "", "Write the final context to file (default: stdout)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Uint("max-attempts", 1, "Attempts before the run is marked failed")
	cmd.Flags().StringArray("credential", nil, "Credential available to LLM nodes, as id=TYPE:value (repeatable)")
	cmd.Flags().Bool("stream", false, "Print node status messages to stderr as they happen")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := loadDefinitionForRun(cmd, args[0])
	if err != nil {
		return err
	}

	input, err := buildRunInput(cmd, def.InitialData)
	if err != nil {
		return err
	}
	creds, err := parseCredentialFlags(cmd)
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	local, err := newLocalRunner(cmd, creds)
	if err != nil {
		return exitError(exitRuntime, "preparing run: %v", err)
	}
	defer local.close()

	exec, runErr := local.run(ctx, def, input)
	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return exitError(exitTimeout, "execution timed out after %s", timeout)
		}
		return exitError(exitRuntime, "execution failed: %v", runErr)
	}
	return writeRunOutput(cmd, exec.Output)
}

func loadDefinitionForRun(cmd *cobra.Command, filePath string) (*loader.Definition, error) {
	def, err := loader.LoadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	diags := def.Validate()
	if graph.HasErrors(diags) {
		printDiagnosticsText(cmd.ErrOrStderr(), diags)
		return nil, exitError(exitValidation, "validation failed")
	}
	for _, d := range graph.Warnings(diags) {
		slog.Warn("workflow warning", "code", d.Code, "message", d.Message)
	}
	return def, nil
}

// buildRunInput layers the definition's initialData, then --input-file, then
// --input. Later layers replace top-level keys.
func buildRunInput(cmd *cobra.Command, defaults map[string]any) (map[string]any, error) {
	input := make(map[string]any, len(defaults))
	for k, v := range defaults {
		input[k] = v
	}

	if path, _ := cmd.Flags().GetString("input-file"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path from caller
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "input file not found: %s", path)
			}
			return nil, exitError(exitInputParse, "reading input file: %v", err)
		}
		fileInput, err := loader.DecodeObject(data, loader.DetectFormat(data, path))
		if err != nil {
			return nil, exitError(exitInputParse, "parsing input file: %v", err)
		}
		for k, v := range fileInput {
			input[k] = v
		}
	}

	if inline, _ := cmd.Flags().GetString("input"); strings.TrimSpace(inline) != "" {
		inlineInput, err := loader.DecodeObject([]byte(inline), loader.FormatJSON)
		if err != nil {
			return nil, exitError(exitInputParse, "parsing --input: %v", err)
		}
		for k, v := range inlineInput {
			input[k] = v
		}
	}
	return input, nil
}

// parseCredentialFlags reads --credential id=TYPE:value entries.
func parseCredentialFlags(cmd *cobra.Command) ([]core.Credential, error) {
	raw, _ := cmd.Flags().GetStringArray("credential")
	creds := make([]core.Credential, 0, len(raw))
	for _, entry := range raw {
		id, rest, ok := strings.Cut(entry, "=")
		typ, value, ok2 := strings.Cut(rest, ":")
		id, typ = strings.TrimSpace(id), strings.ToUpper(strings.TrimSpace(typ))
		if !ok || !ok2 || id == "" || value == "" {
			return nil, exitError(exitInputParse, "invalid --credential %q: want id=TYPE:value", entry)
		}
		credType := core.CredentialType(typ)
		if !credType.Valid() {
			return nil, exitError(exitInputParse, "invalid --credential %q: unknown type %q", entry, typ)
		}
		creds = append(creds, core.Credential{
			ID:     id,
			Name:   id,
			Type:   credType,
			Value:  value,
			UserID: localUserID,
		})
	}
	return creds, nil
}

// localRunner executes one workflow against an in-memory SQLite store.
type localRunner struct {
	store  *store.SQLiteStore
	engine *durable.Engine
}

func newLocalRunner(cmd *cobra.Command, creds []core.Credential) (*localRunner, error) {
	st, err := store.NewSQLiteStore(store.SQLiteConfig{DSN: ":memory:", SecretKey: uuid.NewString()})
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		if _, err := st.CreateCredential(cmd.Context(), cred); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("registering credential %q: %w", cred.ID, err)
		}
	}

	reg, err := registry.Builtin(registry.Deps{
		Credentials: st,
		LLMClients:  llmprovider.NewClient,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var publisher bus.Publisher
	if stream, _ := cmd.Flags().GetBool("stream"); stream {
		publisher = statusPrinter(cmd.ErrOrStderr())
	}

	orch, err := runtime.New(runtime.Config{
		Workflows:  st,
		Executions: st,
		Executors:  reg,
		Publisher:  publisher,
		Logger:     slog.Default(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	maxAttempts, _ := cmd.Flags().GetUint("max-attempts")
	engine, err := durable.NewEngine(orch.Run, durable.EngineConfig{
		Steps:          durable.NewMemoryStepStore(),
		MaxAttempts:    maxAttempts,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		OnFailure:      orch.HandleFailure,
		Logger:         slog.Default(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &localRunner{store: st, engine: engine}, nil
}

func (r *localRunner) run(ctx context.Context, def *loader.Definition, input map[string]any) (core.Execution, error) {
	wf, err := r.store.CreateWorkflow(ctx, localUserID, def.Name)
	if err != nil {
		return core.Execution{}, err
	}
	if _, err := r.store.ReplaceGraph(ctx, wf.ID, def.Nodes, def.Connections); err != nil {
		return core.Execution{}, err
	}

	evt := core.Event{
		ID:   uuid.NewString(),
		Name: core.ExecuteEventName,
		Data: core.EventData{WorkflowID: wf.ID, InitialData: input},
	}
	if err := r.engine.Execute(ctx, evt); err != nil {
		return core.Execution{}, err
	}
	return r.store.GetExecutionByEvent(context.WithoutCancel(ctx), evt.ID)
}

func (r *localRunner) close() {
	_ = r.store.Close()
}

// statusPrinter writes one line per node status message.
func statusPrinter(w io.Writer) bus.Publisher {
	return bus.PublisherFunc(func(_ context.Context, msg core.StatusMessage) error {
		_, err := fmt.Fprintf(w, "[%d] %s %s (%s)\n", msg.Seq, msg.NodeID, msg.Status, msg.Channel)
		return err
	})
}

func writeRunOutput(cmd *cobra.Command, output json.RawMessage) error {
	var value any = map[string]any{}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &value); err != nil {
			return exitError(exitRuntime, "decoding output: %v", err)
		}
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding output: %v", err)
	}
	data = append(data, '\n')

	if path, _ := cmd.Flags().GetString("output"); path != "" {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return exitError(exitRuntime, "writing output: %v", err)
		}
		return nil
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
