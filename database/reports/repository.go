package reports

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ashare-copilot/database"
)

// Repository is the PostgreSQL-backed Store. Atomicity per key comes from
// a transaction holding a row lock (SELECT ... FOR UPDATE) on the report
// row for the duration of each mutation; the unique index on
// (report_kind, report_date, subject) closes the insert race.
type Repository struct {
	db         *database.Database
	staleAfter time.Duration
	now        func() time.Time
}

// NewRepository creates a report repository. staleAfter is the ceiling
// after which a PENDING/RUNNING record counts as abandoned and may be
// replaced by a new run.
func NewRepository(db *database.Database, staleAfter time.Duration) *Repository {
	return &Repository{
		db:         db,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Get returns the current record for the key
func (r *Repository) Get(ctx context.Context, key database.ReportKey) (*database.ReportRecord, error) {
	var rec database.ReportRecord
	err := r.db.DB().WithContext(ctx).
		Where("report_kind = ? AND report_date = ? AND subject = ?", key.Kind, key.Date, key.Subject).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.NewNotFoundErrorWithID("report", key.String())
	}
	if err != nil {
		return nil, database.WrapDBError("Get", err)
	}
	return &rec, nil
}

// TryStart atomically claims the key for a new run
func (r *Repository) TryStart(ctx context.Context, key database.ReportKey) (StartResult, error) {
	var result StartResult

	err := r.db.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec database.ReportRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("report_kind = ? AND report_date = ? AND subject = ?", key.Kind, key.Date, key.Subject).
			First(&rec).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			fresh := database.ReportRecord{
				ReportKind: string(key.Kind),
				ReportDate: key.Date,
				Subject:    key.Subject,
				Status:     string(database.StatusPending),
				Token:      1,
				CreatedAt:  r.now(),
				UpdatedAt:  r.now(),
			}
			if cerr := tx.Create(&fresh).Error; cerr != nil {
				return cerr
			}
			result = StartResult{Token: 1, Created: true}
			return nil
		}
		if err != nil {
			return err
		}

		status := database.ReportStatus(rec.Status)
		if !status.Terminal() && !r.stalled(&rec) {
			// Live run owns the key
			result = StartResult{Token: rec.Token, Created: false}
			return nil
		}

		// Terminal or abandoned: supersede in place with a fresh token
		newToken := rec.Token + 1
		updates := map[string]interface{}{
			"status":       string(database.StatusPending),
			"token":        newToken,
			"created_at":   r.now(),
			"updated_at":   r.now(),
			"completed_at": nil,
			"score":        nil,
			"narrative":    nil,
			"validation":   nil,
			"signals":      nil,
			"error_reason": "",
		}
		if uerr := tx.Model(&database.ReportRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; uerr != nil {
			return uerr
		}
		result = StartResult{Token: newToken, Created: true}
		return nil
	})

	if err != nil {
		// Lost the insert race to a concurrent TryStart: the winner's
		// record now holds the live token
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			rec, gerr := r.Get(ctx, key)
			if gerr != nil {
				return StartResult{}, gerr
			}
			return StartResult{Token: rec.Token, Created: false}, nil
		}
		return StartResult{}, database.WrapDBError("TryStart", err)
	}
	return result, nil
}

// MarkRunning moves PENDING to RUNNING while token still owns the record
func (r *Repository) MarkRunning(ctx context.Context, key database.ReportKey, token int64) error {
	err := r.db.DB().WithContext(ctx).Model(&database.ReportRecord{}).
		Where("report_kind = ? AND report_date = ? AND subject = ? AND token = ? AND status = ?",
			key.Kind, key.Date, key.Subject, token, database.StatusPending).
		Updates(map[string]interface{}{
			"status":     string(database.StatusRunning),
			"updated_at": r.now(),
		}).Error
	return database.WrapDBError("MarkRunning", err)
}

// Commit writes the terminal outcome iff token matches (compare-and-commit)
func (r *Repository) Commit(ctx context.Context, key database.ReportKey, token int64, outcome Outcome) (bool, error) {
	if !outcome.Status.Terminal() {
		return false, database.NewValidationErrorWithValue("status", "commit requires a terminal status", outcome.Status)
	}

	committed := false
	err := r.db.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec database.ReportRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("report_kind = ? AND report_date = ? AND subject = ?", key.Kind, key.Date, key.Subject).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // record gone, discard
		}
		if err != nil {
			return err
		}

		if rec.Token != token {
			return nil // superseded, discard silently
		}

		if serr := rec.SetScore(outcome.Score); serr != nil {
			return serr
		}
		if serr := rec.SetNarrative(outcome.Narrative); serr != nil {
			return serr
		}
		now := r.now()
		rec.Status = string(outcome.Status)
		rec.ErrorReason = outcome.ErrorReason
		rec.CompletedAt = &now
		rec.UpdatedAt = now

		if uerr := tx.Save(&rec).Error; uerr != nil {
			return uerr
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, database.WrapDBError("Commit", err)
	}
	return committed, nil
}

// AppendValidation attaches a backtest verdict to a READY record
func (r *Repository) AppendValidation(ctx context.Context, key database.ReportKey, result *database.ValidationResult) error {
	err := r.db.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec database.ReportRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("report_kind = ? AND report_date = ? AND subject = ?", key.Kind, key.Date, key.Subject).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.NewNotFoundErrorWithID("report", key.String())
		}
		if err != nil {
			return err
		}

		if database.ReportStatus(rec.Status) != database.StatusReady {
			return database.NewValidationErrorWithValue("status", "validation only applies to READY records", rec.Status)
		}

		if serr := rec.SetValidation(result); serr != nil {
			return serr
		}
		rec.UpdatedAt = r.now()
		return tx.Save(&rec).Error
	})
	if err != nil && !database.IsNotFound(err) && !database.IsValidation(err) {
		return database.WrapDBError("AppendValidation", err)
	}
	return err
}

// List returns recent records, newest first
func (r *Repository) List(ctx context.Context, kind database.ReportKind, limit int) ([]database.ReportRecord, error) {
	var recs []database.ReportRecord
	query := r.db.DB().WithContext(ctx).Order("report_date DESC, subject ASC")
	if kind != "" {
		query = query.Where("report_kind = ?", kind)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, database.WrapDBError("List", err)
	}
	return recs, nil
}

// stalled reports whether a non-terminal record has exceeded the ceiling
func (r *Repository) stalled(rec *database.ReportRecord) bool {
	if r.staleAfter <= 0 {
		return false
	}
	return r.now().Sub(rec.UpdatedAt) > r.staleAfter
}
