// Package swarm coordinates multi-agent tasks: token budgets with
// status thresholds, deterministic permission scoring with an
// append-only audit trail, and a prefix-guarded shared blackboard.
package swarm

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pantheon-agents/pantheon/pkg/bus"
	"github.com/pantheon-agents/pantheon/pkg/models"
)

const (
	// GrantThreshold is the minimum permission score for a grant.
	GrantThreshold = 0.5

	defaultTrust = 0.5
	defaultRisk  = 0.5
)

// Config configures a coordinator.
type Config struct {
	// DataDir holds budgets.json, grants.json, audit.jsonl, and
	// blackboard.md. Empty disables on-disk persistence.
	DataDir string

	// Trust maps agent ids to trust scores in [0,1]; missing agents
	// default to 0.5.
	Trust map[string]float64

	// Risk maps resource kinds to risk scores in [0,1]; missing
	// resources default to 0.5.
	Risk map[string]float64

	// Bus, when set, receives task lifecycle broadcasts.
	Bus *bus.Bus
}

type task struct {
	id         string
	limit      int
	used       int
	reasons    []models.SpendEntry
	required   []string
	granted    int
	denied     int
	blackboard map[string]string
	openedAt   time.Time
	closed     bool
}

type grant struct {
	AgentID   string    `json:"agent_id"`
	Resource  string    `json:"resource"`
	Scope     string    `json:"scope,omitempty"`
	Score     float64   `json:"score"`
	GrantedAt time.Time `json:"granted_at"`
}

// Coordinator owns task state. All operations on one task are
// serialized by the coordinator lock, so debits are never interleaved.
type Coordinator struct {
	mu    sync.Mutex
	tasks map[string]*task

	trust  map[string]float64
	risk   map[string]float64
	grants map[string]grant // keyed {agent_id}:{resource}

	files *stateFiles // nil when persistence is disabled
	bus   *bus.Bus
	now   func() time.Time
}

// New builds a coordinator and restores persisted grants when a data
// directory is configured.
func New(cfg Config) (*Coordinator, error) {
	c := &Coordinator{
		tasks:  make(map[string]*task),
		trust:  cfg.Trust,
		risk:   cfg.Risk,
		grants: make(map[string]grant),
		bus:    cfg.Bus,
		now:    time.Now,
	}
	if c.trust == nil {
		c.trust = make(map[string]float64)
	}
	if c.risk == nil {
		c.risk = make(map[string]float64)
	}
	if cfg.DataDir != "" {
		files, err := newStateFiles(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare coordinator state dir: %w", err)
		}
		c.files = files
		if err := files.loadGrants(c.grants); err != nil {
			slog.Warn("Could not restore grants", "error", err)
		}
	}
	return c, nil
}

// OpenTask creates a task context with a token budget and a list of
// required permission resources. Reopening a closed id resets all task
// state; reopening an active id fails.
func (c *Coordinator) OpenTask(id string, budget int, required []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.tasks[id]; ok && !existing.closed {
		return fmt.Errorf("%w: %s", ErrTaskActive, id)
	}
	c.tasks[id] = &task{
		id:         id,
		limit:      budget,
		required:   required,
		blackboard: make(map[string]string),
		openedAt:   c.now(),
	}
	c.persistBudgetsLocked()

	slog.Info("Task opened", "task_id", id, "budget", budget)
	c.announce("task.opened", map[string]any{"task_id": id, "budget": budget})
	return nil
}

// Spend debits tokens against a task budget and returns the resulting
// status. A debit that would exceed the limit fails without mutating.
func (c *Coordinator) Spend(taskID string, tokens int, reason string) (models.BudgetStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeTask(taskID)
	if err != nil {
		return "", err
	}
	if t.used+tokens > t.limit {
		return models.StatusForUsage(t.used, t.limit),
			fmt.Errorf("%w: task %s: used %d + %d exceeds limit %d",
				ErrBudgetExhausted, taskID, t.used, tokens, t.limit)
	}

	t.used += tokens
	t.reasons = append(t.reasons, models.SpendEntry{
		Delta:     tokens,
		Reason:    reason,
		Timestamp: c.now(),
	})
	c.persistBudgetsLocked()

	status := models.StatusForUsage(t.used, t.limit)
	if status != models.BudgetOK {
		slog.Warn("Budget threshold crossed",
			"task_id", taskID, "used", t.used, "limit", t.limit, "status", status)
	}
	return status, nil
}

// Decision is the outcome of one permission evaluation.
type Decision struct {
	Granted bool    `json:"granted"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
	AuditID string  `json:"audit_id"`
}

// Evaluate scores a permission request and records it in the audit
// log. A denial also returns ErrPermissionDenied alongside the
// populated decision.
func (c *Coordinator) Evaluate(taskID, agentID, resource, justification, scope string) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trust := lookupOrDefault(c.trust, agentID, defaultTrust)
	risk := lookupOrDefault(c.risk, resource, defaultRisk)
	quality := justificationQuality(justification)

	score := 0.4*trust + 0.4*quality + 0.2*(1-risk)
	granted := score >= GrantThreshold

	decision := Decision{
		Granted: granted,
		Score:   score,
		AuditID: uuid.NewString(),
	}
	if granted {
		decision.Reason = fmt.Sprintf("score %.2f meets threshold %.2f", score, GrantThreshold)
	} else {
		decision.Reason = fmt.Sprintf("score %.2f below threshold %.2f", score, GrantThreshold)
	}

	if t, ok := c.tasks[taskID]; ok && !t.closed {
		if granted {
			t.granted++
		} else {
			t.denied++
		}
	}

	if granted {
		c.grants[agentID+":"+resource] = grant{
			AgentID:   agentID,
			Resource:  resource,
			Scope:     scope,
			Score:     score,
			GrantedAt: c.now(),
		}
		c.persistGrantsLocked()
	}

	c.appendAuditLocked(auditEntry{
		ID:            decision.AuditID,
		TaskID:        taskID,
		AgentID:       agentID,
		Resource:      resource,
		Justification: justification,
		Scope:         scope,
		Trust:         trust,
		Quality:       quality,
		Risk:          risk,
		Score:         score,
		Decision:      decisionWord(granted),
		Timestamp:     c.now(),
	})

	if !granted {
		return decision, fmt.Errorf("%w: agent %s on %s: %s",
			ErrPermissionDenied, agentID, resource, decision.Reason)
	}
	return decision, nil
}

// BBWrite stores a value on the task blackboard. Keys must live in the
// task:{id}: or agent:{name}: keyspace.
func (c *Coordinator) BBWrite(taskID, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeTask(taskID)
	if err != nil {
		return err
	}
	if !allowedKey(taskID, key) {
		return fmt.Errorf("%w: %s", ErrForbiddenKey, key)
	}
	t.blackboard[key] = value
	c.persistBlackboardLocked()
	return nil
}

// BBRead returns the last committed value for a key, with ok=false
// when the key was never written.
func (c *Coordinator) BBRead(taskID, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeTask(taskID)
	if err != nil {
		return "", false, err
	}
	if !allowedKey(taskID, key) {
		return "", false, fmt.Errorf("%w: %s", ErrForbiddenKey, key)
	}
	value, ok := t.blackboard[key]
	return value, ok, nil
}

// CloseTask closes a task and emits its summary.
func (c *Coordinator) CloseTask(taskID string) (models.TaskSummary, error) {
	return c.closeTask(taskID, "")
}

// FailTask closes a task with a typed failure kind on the summary.
func (c *Coordinator) FailTask(taskID, failureKind string) (models.TaskSummary, error) {
	return c.closeTask(taskID, failureKind)
}

func (c *Coordinator) closeTask(taskID, failureKind string) (models.TaskSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeTask(taskID)
	if err != nil {
		return models.TaskSummary{}, err
	}
	t.closed = true

	summary := models.TaskSummary{
		TaskID:            t.id,
		TokensUsed:        t.used,
		TokenLimit:        t.limit,
		Status:            models.StatusForUsage(t.used, t.limit),
		PermissionsGrants: t.granted,
		PermissionsDenied: t.denied,
		BlackboardKeys:    len(t.blackboard),
		Duration:          c.now().Sub(t.openedAt),
		FailureKind:       failureKind,
	}
	c.persistBudgetsLocked()

	slog.Info("Task closed",
		"task_id", taskID,
		"tokens_used", summary.TokensUsed,
		"status", summary.Status,
		"failure_kind", failureKind)
	c.announce("task.closed", map[string]any{
		"task_id": taskID,
		"status":  string(summary.Status),
	})
	return summary, nil
}

// SpendReasons returns a copy of the debit log for a task, open or
// closed.
func (c *Coordinator) SpendReasons(taskID string) ([]models.SpendEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	out := make([]models.SpendEntry, len(t.reasons))
	copy(out, t.reasons)
	return out, nil
}

// TaskInfo is a live view of one task for status reporting.
type TaskInfo struct {
	TaskID         string              `json:"task_id"`
	TokensUsed     int                 `json:"tokens_used"`
	TokenLimit     int                 `json:"token_limit"`
	Status         models.BudgetStatus `json:"status"`
	Closed         bool                `json:"closed"`
	BlackboardKeys int                 `json:"blackboard_keys"`
}

// Task returns the live view of a task.
func (c *Coordinator) Task(taskID string) (TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return TaskInfo{
		TaskID:         t.id,
		TokensUsed:     t.used,
		TokenLimit:     t.limit,
		Status:         models.StatusForUsage(t.used, t.limit),
		Closed:         t.closed,
		BlackboardKeys: len(t.blackboard),
	}, nil
}

// Granted reports whether an agent currently holds a grant on a
// resource.
func (c *Coordinator) Granted(agentID, resource string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.grants[agentID+":"+resource]
	return ok
}

func (c *Coordinator) activeTask(taskID string) (*task, error) {
	t, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.closed {
		return nil, fmt.Errorf("%w: %s", ErrTaskClosed, taskID)
	}
	return t, nil
}

func (c *Coordinator) announce(kind string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	msg := models.NewMessage("coordinator", models.Broadcast, kind, payload)
	c.bus.Broadcast(msg, "")
}

func allowedKey(taskID, key string) bool {
	if strings.HasPrefix(key, "task:"+taskID+":") {
		return true
	}
	rest, ok := strings.CutPrefix(key, "agent:")
	if !ok {
		return false
	}
	name, _, ok := strings.Cut(rest, ":")
	return ok && name != ""
}

func lookupOrDefault(table map[string]float64, key string, fallback float64) float64 {
	if v, ok := table[key]; ok {
		return v
	}
	return fallback
}

func decisionWord(granted bool) string {
	if granted {
		return "grant"
	}
	return "deny"
}

// justificationQuality scores free-text justifications in [0,1]:
// monotonic in length up to 120 characters, with a bonus for causal
// language.
func justificationQuality(justification string) float64 {
	j := strings.TrimSpace(justification)
	if j == "" {
		return 0
	}
	quality := 0.15 + 0.45*math.Min(float64(len(j))/120, 1)

	lower := strings.ToLower(j)
	for _, marker := range []string{"because", "why", "in order to", "so that", "need"} {
		if strings.Contains(lower, marker) {
			quality += 0.2
			break
		}
	}
	if quality > 1 {
		quality = 1
	}
	return quality
}
