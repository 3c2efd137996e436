package swarm

import "errors"

var (
	// ErrBudgetExhausted is returned when a debit would push a task over
	// its token limit.
	ErrBudgetExhausted = errors.New("task budget exhausted")

	// ErrPermissionDenied is returned when a permission evaluation
	// scores below the grant threshold.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrForbiddenKey is returned for blackboard keys outside the
	// task:{id}: and agent:{name}: keyspaces.
	ErrForbiddenKey = errors.New("forbidden blackboard key")

	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskClosed is returned for operations on a closed task.
	ErrTaskClosed = errors.New("task is closed")

	// ErrTaskActive is returned when opening a task id that is already
	// open.
	ErrTaskActive = errors.New("task is already open")
)
