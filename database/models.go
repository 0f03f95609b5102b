// Package database provides persistence for the analysis report engine.
//
// Reports are stored in a single table keyed by (report_kind, report_date,
// subject) with a token column used as an optimistic-concurrency guard:
// a run may only commit its result while it still owns the current token.
package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"

	"ashare-copilot/llm"
	"ashare-copilot/quant"
)

// ReportKind identifies the type of analysis report
type ReportKind string

const (
	KindIntradayChart  ReportKind = "INTRADAY_CHART"  // 盘中图表分析
	KindLimitUpReview  ReportKind = "LIMIT_UP_REVIEW" // 涨停复盘
	KindOpeningOutlook ReportKind = "OPENING_OUTLOOK" // 开盘分析
)

// DisplayName returns the Chinese report title used in listings
func (k ReportKind) DisplayName() string {
	switch k {
	case KindIntradayChart:
		return "盘中分析报告"
	case KindLimitUpReview:
		return "涨停复盘报告"
	case KindOpeningOutlook:
		return "开盘分析报告"
	default:
		return "分析报告"
	}
}

// ParseReportKind validates a report kind string
func ParseReportKind(s string) (ReportKind, error) {
	switch ReportKind(s) {
	case KindIntradayChart, KindLimitUpReview, KindOpeningOutlook:
		return ReportKind(s), nil
	default:
		return "", NewValidationErrorWithValue("report_kind", "unknown report kind", s)
	}
}

// ReportStatus is the lifecycle state of a report record
type ReportStatus string

const (
	StatusPending ReportStatus = "PENDING"
	StatusRunning ReportStatus = "RUNNING"
	StatusReady   ReportStatus = "READY"
	StatusFailed  ReportStatus = "FAILED"
)

// Terminal reports whether no further automatic transitions occur
func (s ReportStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// ReportKey is the lookup identity of one report slot. Two keys are equal
// iff all three fields match exactly; an empty Subject is a distinct key
// from any populated one.
type ReportKey struct {
	Kind    ReportKind `json:"report_kind"`
	Date    string     `json:"date"` // YYYY-MM-DD
	Subject string     `json:"subject,omitempty"`
}

// Validate checks the key before any store access
func (k ReportKey) Validate() error {
	if _, err := ParseReportKind(string(k.Kind)); err != nil {
		return err
	}
	if _, err := time.Parse("2006-01-02", k.Date); err != nil {
		return NewValidationErrorWithValue("date", "must be YYYY-MM-DD", k.Date)
	}
	if len(k.Subject) > 12 {
		return NewValidationErrorWithValue("subject", "symbol too long", k.Subject)
	}
	return nil
}

// Day returns the key's calendar date. Validate must have passed.
func (k ReportKey) Day() time.Time {
	d, _ := time.Parse("2006-01-02", k.Date)
	return d
}

// String renders the key for logging and cache keys
func (k ReportKey) String() string {
	if k.Subject == "" {
		return fmt.Sprintf("%s:%s", k.Kind, k.Date)
	}
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.Date, k.Subject)
}

// ValidationOutcome classifies a backtested recommendation
type ValidationOutcome string

const (
	OutcomeCorrect      ValidationOutcome = "CORRECT"
	OutcomeIncorrect    ValidationOutcome = "INCORRECT"
	OutcomeInconclusive ValidationOutcome = "INCONCLUSIVE"
)

// ValidationResult is the backtest verdict appended to a READY record
// for a past date. It never alters score or narrative.
type ValidationResult struct {
	RealizedMovePct float64           `json:"realized_move_pct"`
	Outcome         ValidationOutcome `json:"outcome"`
	LookaheadDays   int               `json:"lookahead_days"`
	EvaluatedAt     time.Time         `json:"evaluated_at"`
}

// ReportRecord is one analysis report slot. For a given key at most one
// record exists, and it is never in PENDING/RUNNING under two tokens at
// once; supersede replaces the row in place with a fresh token.
type ReportRecord struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ReportKind string `gorm:"size:32;not null;uniqueIndex:idx_report_key" json:"report_kind"`
	ReportDate string `gorm:"size:10;not null;uniqueIndex:idx_report_key" json:"report_date"`
	Subject    string `gorm:"size:12;not null;default:'';uniqueIndex:idx_report_key" json:"subject,omitempty"`

	Status string `gorm:"size:10;index;not null" json:"status"`
	Token  int64  `gorm:"not null" json:"token"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Score      datatypes.JSON `gorm:"type:jsonb" json:"score,omitempty"`
	Narrative  datatypes.JSON `gorm:"type:jsonb" json:"narrative,omitempty"`
	Validation datatypes.JSON `gorm:"type:jsonb" json:"validation,omitempty"`

	// Narrative signals denormalized for querying report history by signal
	Signals pq.StringArray `gorm:"type:text[]" json:"signals,omitempty"`

	ErrorReason string `gorm:"type:text" json:"error_reason,omitempty"`
}

// TableName specifies the table name for ReportRecord
func (ReportRecord) TableName() string {
	return "analysis_reports"
}

// Key reconstructs the report key from the record columns
func (r *ReportRecord) Key() ReportKey {
	return ReportKey{Kind: ReportKind(r.ReportKind), Date: r.ReportDate, Subject: r.Subject}
}

// SetScore encodes the score breakdown into the JSONB column
func (r *ReportRecord) SetScore(sb *quant.ScoreBreakdown) error {
	if sb == nil {
		r.Score = nil
		return nil
	}
	raw, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	r.Score = datatypes.JSON(raw)
	return nil
}

// DecodeScore decodes the JSONB score column, nil when absent
func (r *ReportRecord) DecodeScore() (*quant.ScoreBreakdown, error) {
	if len(r.Score) == 0 {
		return nil, nil
	}
	var sb quant.ScoreBreakdown
	if err := json.Unmarshal(r.Score, &sb); err != nil {
		return nil, fmt.Errorf("decode score: %w", err)
	}
	return &sb, nil
}

// SetNarrative encodes the narrative payload and mirrors its signals
// into the queryable array column
func (r *ReportRecord) SetNarrative(np *llm.NarrativePayload) error {
	if np == nil {
		r.Narrative = nil
		r.Signals = nil
		return nil
	}
	raw, err := json.Marshal(np)
	if err != nil {
		return fmt.Errorf("encode narrative: %w", err)
	}
	r.Narrative = datatypes.JSON(raw)
	r.Signals = pq.StringArray(np.Signals)
	return nil
}

// DecodeNarrative decodes the JSONB narrative column, nil when absent
func (r *ReportRecord) DecodeNarrative() (*llm.NarrativePayload, error) {
	if len(r.Narrative) == 0 {
		return nil, nil
	}
	var np llm.NarrativePayload
	if err := json.Unmarshal(r.Narrative, &np); err != nil {
		return nil, fmt.Errorf("decode narrative: %w", err)
	}
	return &np, nil
}

// SetValidation encodes the backtest result into the JSONB column
func (r *ReportRecord) SetValidation(vr *ValidationResult) error {
	if vr == nil {
		r.Validation = nil
		return nil
	}
	raw, err := json.Marshal(vr)
	if err != nil {
		return fmt.Errorf("encode validation: %w", err)
	}
	r.Validation = datatypes.JSON(raw)
	return nil
}

// DecodeValidation decodes the JSONB validation column, nil when absent
func (r *ReportRecord) DecodeValidation() (*ValidationResult, error) {
	if len(r.Validation) == 0 {
		return nil, nil
	}
	var vr ValidationResult
	if err := json.Unmarshal(r.Validation, &vr); err != nil {
		return nil, fmt.Errorf("decode validation: %w", err)
	}
	return &vr, nil
}
