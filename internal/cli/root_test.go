package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/store"
)

var testEpoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// execute runs the root command with args and returns what it wrote to
// stdout. Logs and diagnostics are discarded.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedDatabase writes a database holding two pending operations (one
// already retried) and one failed sale.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "till.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	ops := []ir.Operation{
		{
			ID: "op-1", Seq: 1, EntityType: ir.EntityExpenses, EntityID: "temp_lunch",
			Kind: ir.KindCreate, Payload: ir.IRObject{"amount": ir.IRInt(1200)},
			IdempotencyKey: "key-1", CreatedAt: testEpoch, Status: ir.StatusPending,
		},
		{
			ID: "op-2", Seq: 2, EntityType: ir.EntityInventory, EntityID: "inv-1",
			Kind: ir.KindUpdate, Payload: ir.IRObject{"quantity": ir.IRInt(4)},
			IdempotencyKey: "key-2", CreatedAt: testEpoch, NotBefore: testEpoch.Add(2 * time.Second),
			Attempts: 2, LastError: "remote unavailable", Status: ir.StatusPending,
		},
		{
			ID: "op-3", Seq: 3, EntityType: ir.EntitySales, EntityID: "S-9",
			Kind: ir.KindCustom, Action: "record_sale", Payload: ir.IRObject{"total": ir.IRInt(300)},
			IdempotencyKey: "key-3", CreatedAt: testEpoch, Attempts: 5,
			LastError: "business rule: sale rejected", Status: ir.StatusFailed, Critical: true,
		},
	}
	for _, op := range ops {
		require.NoError(t, st.InsertOperation(ctx, op))
	}
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tillsync", cmd.Use)
	assert.Equal(t, ir.EngineVersion, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"status", "queue", "sync", "serve", "scenario"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
			assert.Contains(t, subCmd.Long, "Exit codes:")
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "log-file"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
	offline := serveCmd.Flags().Lookup("offline")
	require.NotNil(t, offline)
	assert.Equal(t, "false", offline.DefValue)
}

func TestErrorsPrintWithoutUsage(t *testing.T) {
	for _, args := range [][]string{
		{"bogus"},
		{"--no-such-flag"},
		{"status", "--format", "yaml"},
	} {
		t.Run(args[0], func(t *testing.T) {
			cmd := NewRootCommand()
			out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
			cmd.SetOut(out)
			cmd.SetErr(errOut)
			cmd.SetArgs(args)

			require.Error(t, cmd.Execute())
			assert.NotContains(t, out.String(), "Usage:")
			assert.NotContains(t, errOut.String(), "Usage:")
			assert.NotContains(t, errOut.String(), "Error:", "the caller prints the error once")
		})
	}
}

func TestRunClosesLogFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	cmd, opts := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{
		"status",
		"--db", filepath.Join(dir, "nope.db"),
		"--log-file", filepath.Join(dir, "tillsync.log"),
	})

	err := run(cmd, opts)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, opts.Config, "configuration was loaded, so a log file was opened")
	assert.Nil(t, opts.logFile)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "status", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatus_MissingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.db")
	out, err := execute(t, "status", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [LOCAL_STORAGE]: failed to open database")
}

func TestStatus_Text(t *testing.T) {
	path := seedDatabase(t)

	out, err := execute(t, "status", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "database:  "+path+"\n")
	assert.Contains(t, out, "online:    unknown\n")
	assert.Contains(t, out, "pending:   2 (1 retrying)\n")
	assert.Contains(t, out, "in flight: 0\n")
	assert.Contains(t, out, "failed:    1\n")
}

func TestStatus_JSON(t *testing.T) {
	path := seedDatabase(t)

	out, err := execute(t, "status", "--db", path, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   StatusReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, StatusReport{Database: path, Pending: 2, Retrying: 1, Failed: 1}, resp.Data)
}

func TestQueue_Golden(t *testing.T) {
	path := seedDatabase(t)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))

	out, err := execute(t, "queue", "--db", path)
	require.NoError(t, err)
	g.Assert(t, "queue_pending", []byte(out))

	out, err = execute(t, "queue", "--db", path, "--failed")
	require.NoError(t, err)
	g.Assert(t, "queue_failed", []byte(out))
}

func TestQueue_StatusFilter(t *testing.T) {
	path := seedDatabase(t)

	out, err := execute(t, "queue", "--db", path, "--status", "failed", "--status", "pending", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data []QueueEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, "op-1", resp.Data[0].ID)
	assert.Equal(t, "failed", resp.Data[2].Status)
	assert.True(t, resp.Data[2].Critical)

	out, err = execute(t, "queue", "--db", path, "--status", "done")
	require.NoError(t, err)
	assert.Equal(t, "No operations.\n", out)
}

func TestQueue_InvalidStatus(t *testing.T) {
	path := seedDatabase(t)

	out, err := execute(t, "queue", "--db", path, "--status", "stuck")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [CONFIG]: invalid --status")
}

func TestSync_RequiresServer(t *testing.T) {
	path := seedDatabase(t)
	t.Setenv("TILLSYNC_POSTGRES_DSN", "")

	out, err := execute(t, "sync", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [REMOTE]: failed to connect to server")
}

func TestScenario_Pass(t *testing.T) {
	out, err := execute(t, "scenario", "testdata/scenarios/pass")
	require.NoError(t, err)
	assert.Equal(t, "PASS offline_expense_syncs\n\n1 passed, 0 failed, 1 total\n", out)
}

func TestScenario_ShowGolden(t *testing.T) {
	out, err := execute(t, "scenario", "testdata/scenarios/pass", "--show")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "scenario_show", []byte(out))
}

func TestScenario_Fail(t *testing.T) {
	out, err := execute(t, "scenario", "testdata/scenarios/fail/expense_row_count.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL expense_row_count\n")
	assert.Contains(t, out, "    Assertion failed: remote_rows\n")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total\n")
}

func TestScenario_JSON(t *testing.T) {
	out, err := execute(t, "scenario", "testdata/scenarios", "--format", "json")
	// The directory itself holds no *.yaml files.
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeScenario, resp.Error.Code)

	out, err = execute(t, "scenario", "testdata/scenarios/pass", "--format", "json")
	require.NoError(t, err)
	var ok struct {
		Data ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ok))
	assert.Equal(t, 1, ok.Data.Passed)
	require.Len(t, ok.Data.Results, 1)
	assert.True(t, ok.Data.Results[0].Pass)
}
