package swarm

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantheon-agents/pantheon/pkg/models"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestBudgetExhaustion(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	status, err := c.Spend("T1", 60, "reasoning")
	require.NoError(t, err)
	assert.Equal(t, models.BudgetOK, status)

	status, err = c.Spend("T1", 40, "generation")
	require.NoError(t, err)
	assert.Equal(t, models.BudgetExhausted, status)

	_, err = c.Spend("T1", 1, "extra")
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	summary, err := c.CloseTask("T1")
	require.NoError(t, err)
	assert.Equal(t, 100, summary.TokensUsed)
	assert.Equal(t, models.BudgetExhausted, summary.Status)

	reasons, err := c.SpendReasons("T1")
	require.NoError(t, err)
	assert.Len(t, reasons, 2)
}

func TestBudgetThresholds(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	cases := []struct {
		spend int
		want  models.BudgetStatus
	}{
		{79, models.BudgetOK},
		{1, models.BudgetWarning},    // 80
		{10, models.BudgetCritical},  // 90
		{10, models.BudgetExhausted}, // 100
	}
	for _, tc := range cases {
		status, err := c.Spend("T1", tc.spend, "step")
		require.NoError(t, err)
		assert.Equal(t, tc.want, status)
	}
}

func TestSpendFailureDoesNotMutate(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 50, nil))

	_, err := c.Spend("T1", 60, "too much")
	require.ErrorIs(t, err, ErrBudgetExhausted)

	info, err := c.Task("T1")
	require.NoError(t, err)
	assert.Zero(t, info.TokensUsed)
}

func TestPermissionDenyScenario(t *testing.T) {
	dir := t.TempDir()
	c := newTestCoordinator(t, Config{
		DataDir: dir,
		Risk:    map[string]float64{"PAYMENTS": 0.9},
	})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	decision, err := c.Evaluate("T1", "actor", "PAYMENTS", "do it", "")
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, decision.Granted)
	assert.InDelta(t, 0.30, decision.Score, 0.05)

	// Exactly one audit line, with the inputs and computed score.
	entries := readAudit(t, dir)
	require.Len(t, entries, 1)
	assert.Equal(t, "actor", entries[0].AgentID)
	assert.Equal(t, "PAYMENTS", entries[0].Resource)
	assert.Equal(t, 0.5, entries[0].Trust)
	assert.Equal(t, 0.9, entries[0].Risk)
	assert.Equal(t, "deny", entries[0].Decision)
	assert.InDelta(t, decision.Score, entries[0].Score, 1e-9)
}

func TestPermissionGrantAtThreshold(t *testing.T) {
	c := newTestCoordinator(t, Config{
		Trust: map[string]float64{"sovereign": 1.0},
	})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	// trust 1.0, empty justification, default risk 0.5:
	// 0.4*1.0 + 0.4*0 + 0.2*0.5 = 0.5, exactly at the threshold.
	decision, err := c.Evaluate("T1", "sovereign", "FILES", "", "")
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	assert.InDelta(t, 0.5, decision.Score, 1e-9)
	assert.True(t, c.Granted("sovereign", "FILES"))
}

func TestJustificationQuality(t *testing.T) {
	short := justificationQuality("do it")
	causal := justificationQuality("because the report pipeline needs the table refreshed before the morning run")
	long := justificationQuality("this is a moderately detailed explanation of the requested access and its purpose")

	assert.InDelta(t, 0.17, short, 0.03)
	assert.Greater(t, causal, long)
	assert.Greater(t, long, short)
	assert.LessOrEqual(t, causal, 1.0)

	// Monotonic in length.
	assert.GreaterOrEqual(t,
		justificationQuality("a longer justification with more words in it"),
		justificationQuality("short one"))
	assert.Zero(t, justificationQuality("   "))
}

func TestGrantCountsOnSummary(t *testing.T) {
	c := newTestCoordinator(t, Config{
		Trust: map[string]float64{"trusted": 0.95},
		Risk:  map[string]float64{"PAYMENTS": 0.9},
	})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	_, err := c.Evaluate("T1", "trusted", "FILES", "because nightly batch requires read access", "")
	require.NoError(t, err)
	_, err = c.Evaluate("T1", "stranger", "PAYMENTS", "do it", "")
	require.ErrorIs(t, err, ErrPermissionDenied)

	summary, err := c.CloseTask("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PermissionsGrants)
	assert.Equal(t, 1, summary.PermissionsDenied)
}

func TestBlackboardKeyspace(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	require.NoError(t, c.BBWrite("T1", "task:T1:plan", "step one"))
	require.NoError(t, c.BBWrite("T1", "agent:researcher:result", "found it"))

	err := c.BBWrite("T1", "global:plan", "nope")
	assert.ErrorIs(t, err, ErrForbiddenKey)
	err = c.BBWrite("T1", "task:T2:plan", "wrong task")
	assert.ErrorIs(t, err, ErrForbiddenKey)
	err = c.BBWrite("T1", "agent:", "missing name")
	assert.ErrorIs(t, err, ErrForbiddenKey)

	value, ok, err := c.BBRead("T1", "task:T1:plan")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "step one", value)

	_, ok, err = c.BBRead("T1", "task:T1:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlackboardLastWriteWins(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	require.NoError(t, c.BBWrite("T1", "task:T1:draft", "v1"))
	require.NoError(t, c.BBWrite("T1", "task:T1:draft", "v2"))

	value, ok, err := c.BBRead("T1", "task:T1:draft")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", value)
}

func TestReopenResetsTaskState(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))
	_, err := c.Spend("T1", 50, "work")
	require.NoError(t, err)
	require.NoError(t, c.BBWrite("T1", "task:T1:note", "old"))
	_, err = c.CloseTask("T1")
	require.NoError(t, err)

	require.NoError(t, c.OpenTask("T1", 200, nil))
	info, err := c.Task("T1")
	require.NoError(t, err)
	assert.Zero(t, info.TokensUsed)
	assert.Equal(t, 200, info.TokenLimit)
	assert.Zero(t, info.BlackboardKeys)
}

func TestReopenActiveTaskFails(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))
	assert.ErrorIs(t, c.OpenTask("T1", 100, nil), ErrTaskActive)
}

func TestClosedTaskRejectsOperations(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))
	_, err := c.CloseTask("T1")
	require.NoError(t, err)

	_, err = c.Spend("T1", 1, "late")
	assert.ErrorIs(t, err, ErrTaskClosed)
	err = c.BBWrite("T1", "task:T1:late", "x")
	assert.ErrorIs(t, err, ErrTaskClosed)
	_, err = c.CloseTask("T1")
	assert.ErrorIs(t, err, ErrTaskClosed)
}

func TestUnknownTask(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	_, err := c.Spend("ghost", 1, "x")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFailTaskSetsFailureKind(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	require.NoError(t, c.OpenTask("T1", 100, nil))

	summary, err := c.FailTask("T1", "permission_denied")
	require.NoError(t, err)
	assert.Equal(t, "permission_denied", summary.FailureKind)
}

func TestStateFilesWritten(t *testing.T) {
	dir := t.TempDir()
	c := newTestCoordinator(t, Config{DataDir: dir})
	require.NoError(t, c.OpenTask("T1", 100, nil))
	_, err := c.Spend("T1", 10, "step")
	require.NoError(t, err)
	require.NoError(t, c.BBWrite("T1", "task:T1:plan", "outline"))
	_, err = c.Evaluate("T1", "actor", "FILES",
		"because the summary needs the source document", "")
	require.NoError(t, err)

	var budgets map[string]budgetRecord
	data, err := os.ReadFile(filepath.Join(dir, "budgets.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &budgets))
	assert.Equal(t, 10, budgets["T1"].Used)
	require.Len(t, budgets["T1"].Reasons, 1)
	assert.Equal(t, "step", budgets["T1"].Reasons[0].Reason)

	var grants map[string]grant
	data, err = os.ReadFile(filepath.Join(dir, "grants.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &grants))
	assert.Contains(t, grants, "actor:FILES")

	board, err := os.ReadFile(filepath.Join(dir, "blackboard.md"))
	require.NoError(t, err)
	assert.Contains(t, string(board), "task:T1:plan: outline")

	// No temp files survive the atomic writes.
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestGrantsRestoredAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c := newTestCoordinator(t, Config{DataDir: dir, Trust: map[string]float64{"actor": 0.9}})
	require.NoError(t, c.OpenTask("T1", 100, nil))
	_, err := c.Evaluate("T1", "actor", "FILES", "because the task needs file access", "")
	require.NoError(t, err)

	revived := newTestCoordinator(t, Config{DataDir: dir})
	assert.True(t, revived.Granted("actor", "FILES"))
}

func readAudit(t *testing.T, dir string) []auditEntry {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var entries []auditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry auditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}
