package reports

import (
	"context"
	"sort"
	"sync"
	"time"

	"ashare-copilot/database"
)

// MemoryStore is an in-process Store with the same semantics as the
// PostgreSQL repository. It backs the engine when no database is
// configured and the engine's tests. A single mutex plays the role of the
// per-key row lock; all mutations happen inside it.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[database.ReportKey]*database.ReportRecord
	staleAfter time.Duration
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory report store
func NewMemoryStore(staleAfter time.Duration) *MemoryStore {
	return &MemoryStore{
		records:    make(map[database.ReportKey]*database.ReportRecord),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Get returns a copy of the current record for the key
func (m *MemoryStore) Get(ctx context.Context, key database.ReportKey) (*database.ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, database.NewNotFoundErrorWithID("report", key.String())
	}
	cp := *rec
	return &cp, nil
}

// TryStart atomically claims the key for a new run
func (m *MemoryStore) TryStart(ctx context.Context, key database.ReportKey) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if ok {
		status := database.ReportStatus(rec.Status)
		if !status.Terminal() && !m.stalled(rec) {
			return StartResult{Token: rec.Token, Created: false}, nil
		}
		// Supersede in place with a fresh token
		next := rec.Token + 1
		*rec = database.ReportRecord{
			ID:         rec.ID,
			ReportKind: string(key.Kind),
			ReportDate: key.Date,
			Subject:    key.Subject,
			Status:     string(database.StatusPending),
			Token:      next,
			CreatedAt:  m.now(),
			UpdatedAt:  m.now(),
		}
		return StartResult{Token: next, Created: true}, nil
	}

	m.records[key] = &database.ReportRecord{
		ID:         int64(len(m.records) + 1),
		ReportKind: string(key.Kind),
		ReportDate: key.Date,
		Subject:    key.Subject,
		Status:     string(database.StatusPending),
		Token:      1,
		CreatedAt:  m.now(),
		UpdatedAt:  m.now(),
	}
	return StartResult{Token: 1, Created: true}, nil
}

// MarkRunning moves PENDING to RUNNING while token still owns the record
func (m *MemoryStore) MarkRunning(ctx context.Context, key database.ReportKey, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.Token != token || database.ReportStatus(rec.Status) != database.StatusPending {
		return nil // stale or gone, no-op
	}
	rec.Status = string(database.StatusRunning)
	rec.UpdatedAt = m.now()
	return nil
}

// Commit writes the terminal outcome iff token matches
func (m *MemoryStore) Commit(ctx context.Context, key database.ReportKey, token int64, outcome Outcome) (bool, error) {
	if !outcome.Status.Terminal() {
		return false, database.NewValidationErrorWithValue("status", "commit requires a terminal status", outcome.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.Token != token {
		return false, nil // superseded, discard
	}

	if err := rec.SetScore(outcome.Score); err != nil {
		return false, err
	}
	if err := rec.SetNarrative(outcome.Narrative); err != nil {
		return false, err
	}
	now := m.now()
	rec.Status = string(outcome.Status)
	rec.ErrorReason = outcome.ErrorReason
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	return true, nil
}

// AppendValidation attaches a backtest verdict to a READY record
func (m *MemoryStore) AppendValidation(ctx context.Context, key database.ReportKey, result *database.ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return database.NewNotFoundErrorWithID("report", key.String())
	}
	if database.ReportStatus(rec.Status) != database.StatusReady {
		return database.NewValidationErrorWithValue("status", "validation only applies to READY records", rec.Status)
	}
	if err := rec.SetValidation(result); err != nil {
		return err
	}
	rec.UpdatedAt = m.now()
	return nil
}

// List returns recent records, newest report date first
func (m *MemoryStore) List(ctx context.Context, kind database.ReportKind, limit int) ([]database.ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []database.ReportRecord
	for _, rec := range m.records {
		if kind != "" && rec.ReportKind != string(kind) {
			continue
		}
		recs = append(recs, *rec)
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ReportDate != recs[j].ReportDate {
			return recs[i].ReportDate > recs[j].ReportDate
		}
		return recs[i].Subject < recs[j].Subject
	})

	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *MemoryStore) stalled(rec *database.ReportRecord) bool {
	if m.staleAfter <= 0 {
		return false
	}
	return m.now().Sub(rec.UpdatedAt) > m.staleAfter
}
