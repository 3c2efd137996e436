package models

import "time"

// BudgetStatus classifies how much of a task's token budget is consumed.
type BudgetStatus string

const (
	BudgetOK        BudgetStatus = "ok"        // < 80%
	BudgetWarning   BudgetStatus = "warning"   // 80–89%
	BudgetCritical  BudgetStatus = "critical"  // 90–99%
	BudgetExhausted BudgetStatus = "exhausted" // >= 100%
)

// StatusForUsage maps a used/limit ratio onto a BudgetStatus.
func StatusForUsage(used, limit int) BudgetStatus {
	if limit <= 0 {
		return BudgetExhausted
	}
	pct := float64(used) / float64(limit) * 100
	switch {
	case pct >= 100:
		return BudgetExhausted
	case pct >= 90:
		return BudgetCritical
	case pct >= 80:
		return BudgetWarning
	default:
		return BudgetOK
	}
}

// SpendEntry is one debit against a task budget.
type SpendEntry struct {
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskSummary is emitted when a task closes, successfully or not.
type TaskSummary struct {
	TaskID            string        `json:"task_id"`
	TokensUsed        int           `json:"tokens_used"`
	TokenLimit        int           `json:"token_limit"`
	Status            BudgetStatus  `json:"status"`
	PermissionsGrants int           `json:"permissions_granted"`
	PermissionsDenied int           `json:"permissions_denied"`
	BlackboardKeys    int           `json:"blackboard_keys"`
	Duration          time.Duration `json:"duration"`
	FailureKind       string        `json:"failure_kind,omitempty"`
}
