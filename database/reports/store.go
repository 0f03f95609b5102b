// Package reports implements the report store: keyed persistence of
// analysis report records with a one-active-run-per-key guarantee.
//
// TryStart and Commit are the only mutation paths and both are atomic per
// key. Commit is a compare-and-commit on the generation token: a run whose
// token was superseded writes nothing, its result is silently discarded.
package reports

import (
	"context"

	"ashare-copilot/database"
	"ashare-copilot/llm"
	"ashare-copilot/quant"
)

// Outcome is the terminal result a pipeline run tries to commit
type Outcome struct {
	Status      database.ReportStatus // READY or FAILED
	Score       *quant.ScoreBreakdown
	Narrative   *llm.NarrativePayload
	ErrorReason string
}

// StartResult is the answer to a TryStart call
type StartResult struct {
	Token   int64
	Created bool // true when a fresh PENDING record now owns the key
}

// Store is the persistence contract the orchestrator runs against.
// Implementations must make TryStart and Commit atomic with respect to a
// given key; a non-atomic read-then-write breaks the no-double-run
// guarantee.
type Store interface {
	// Get returns the current record for the key, or a NotFoundError.
	Get(ctx context.Context, key database.ReportKey) (*database.ReportRecord, error)

	// TryStart atomically claims the key: if no record exists, the latest
	// is terminal, or a non-terminal record has stalled past the ceiling,
	// it creates/replaces a fresh PENDING record under a new token and
	// reports Created=true. Otherwise it returns the live token untouched.
	TryStart(ctx context.Context, key database.ReportKey) (StartResult, error)

	// MarkRunning moves a PENDING record to RUNNING. A stale token is a
	// silent no-op; the superseded run fails its commit later anyway.
	MarkRunning(ctx context.Context, key database.ReportKey, token int64) error

	// Commit writes the terminal outcome only while token still owns the
	// record. Returns false when the result was discarded as stale.
	Commit(ctx context.Context, key database.ReportKey, token int64, outcome Outcome) (bool, error)

	// AppendValidation attaches a backtest result to an already-READY
	// record. It never touches score or narrative.
	AppendValidation(ctx context.Context, key database.ReportKey, result *database.ValidationResult) error

	// List returns recent records, newest report date first, optionally
	// filtered by kind.
	List(ctx context.Context, kind database.ReportKind, limit int) ([]database.ReportRecord, error)
}
