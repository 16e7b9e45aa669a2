// Package repository stores settlement outcomes and failures per task.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/settlement"
)

// StatusFailed marks a task whose settlement returned an error.
const StatusFailed = "failed"

// Record is the stored result of one settlement run.
type Record struct {
	TaskID    string              `json:"task_id"`
	RunID     uuid.UUID           `json:"run_id"`
	Status    string              `json:"status"`
	Outcome   *settlement.Outcome `json:"outcome,omitempty"`
	Error     string              `json:"error,omitempty"`
	SettledAt time.Time           `json:"settled_at"`
}

// Summary aggregates the store contents.
type Summary struct {
	Total        int     `json:"total"`
	Settled      int     `json:"settled"`
	Escalated    int     `json:"escalated"`
	Failed       int     `json:"failed"`
	TotalSlashed float64 `json:"total_slashed"`
}

// Store provides read/write access to settlement results.
type Store interface {
	// Save stores a computed outcome, replacing any earlier record for the task.
	Save(ctx context.Context, out settlement.Outcome) error

	// SaveFailure stores a failed run.
	SaveFailure(ctx context.Context, taskID string, cause error) error

	// Get returns the record for a task or ErrNotFound.
	Get(ctx context.Context, taskID string) (Record, error)

	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) int
}
