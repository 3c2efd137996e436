package swarm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pantheon-agents/pantheon/pkg/models"
)

// stateFiles owns the coordinator's on-disk state: budgets.json and
// grants.json rewritten atomically, audit.jsonl append-only, and a
// human-readable blackboard.md.
type stateFiles struct {
	dir string
}

func newStateFiles(dir string) (*stateFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &stateFiles{dir: dir}, nil
}

type budgetRecord struct {
	Limit   int                 `json:"limit"`
	Used    int                 `json:"used"`
	Status  models.BudgetStatus `json:"status"`
	Closed  bool                `json:"closed"`
	Reasons []models.SpendEntry `json:"reasons"`
}

type auditEntry struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id,omitempty"`
	AgentID       string    `json:"agent_id"`
	Resource      string    `json:"resource"`
	Justification string    `json:"justification"`
	Scope         string    `json:"scope,omitempty"`
	Trust         float64   `json:"trust"`
	Quality       float64   `json:"quality"`
	Risk          float64   `json:"risk"`
	Score         float64   `json:"score"`
	Decision      string    `json:"decision"`
	Timestamp     time.Time `json:"timestamp"`
}

// writeAtomic writes data to name via a temp file and rename, so a
// crash never leaves a half-written file.
func (s *stateFiles) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *stateFiles) saveBudgets(budgets map[string]budgetRecord) error {
	data, err := json.MarshalIndent(budgets, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic("budgets.json", data)
}

func (s *stateFiles) saveGrants(grants map[string]grant) error {
	data, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic("grants.json", data)
}

func (s *stateFiles) loadGrants(into map[string]grant) error {
	data, err := os.ReadFile(filepath.Join(s.dir, "grants.json"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &into)
}

func (s *stateFiles) appendAudit(entry auditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "audit.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// saveBlackboard renders every task's blackboard as key: value lines
// under a per-task heading.
func (s *stateFiles) saveBlackboard(boards map[string]map[string]string) error {
	taskIDs := make([]string, 0, len(boards))
	for id := range boards {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	var b strings.Builder
	b.WriteString("# Blackboard\n")
	for _, id := range taskIDs {
		fmt.Fprintf(&b, "\n## task %s\n\n", id)
		keys := make([]string, 0, len(boards[id]))
		for k := range boards[id] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, boards[id][k])
		}
	}
	return s.writeAtomic("blackboard.md", []byte(b.String()))
}

// The persist helpers below run with the coordinator lock held and
// never fail the calling operation: a write error is logged and the
// in-memory state stays authoritative.

func (c *Coordinator) persistBudgetsLocked() {
	if c.files == nil {
		return
	}
	budgets := make(map[string]budgetRecord, len(c.tasks))
	for id, t := range c.tasks {
		budgets[id] = budgetRecord{
			Limit:   t.limit,
			Used:    t.used,
			Status:  models.StatusForUsage(t.used, t.limit),
			Closed:  t.closed,
			Reasons: t.reasons,
		}
	}
	if err := c.files.saveBudgets(budgets); err != nil {
		slog.Error("Failed to persist budgets", "error", err)
	}
}

func (c *Coordinator) persistGrantsLocked() {
	if c.files == nil {
		return
	}
	if err := c.files.saveGrants(c.grants); err != nil {
		slog.Error("Failed to persist grants", "error", err)
	}
}

func (c *Coordinator) appendAuditLocked(entry auditEntry) {
	if c.files == nil {
		return
	}
	if err := c.files.appendAudit(entry); err != nil {
		slog.Error("Failed to append audit entry", "error", err)
	}
}

func (c *Coordinator) persistBlackboardLocked() {
	if c.files == nil {
		return
	}
	boards := make(map[string]map[string]string, len(c.tasks))
	for id, t := range c.tasks {
		if len(t.blackboard) > 0 {
			boards[id] = t.blackboard
		}
	}
	if err := c.files.saveBlackboard(boards); err != nil {
		slog.Error("Failed to persist blackboard", "error", err)
	}
}
