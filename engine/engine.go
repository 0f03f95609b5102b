// Package engine drives an analysis request through the report pipeline:
// FETCH -> SCORE -> NARRATE -> VALIDATE (past dates only) -> COMMIT.
//
// Triggers are idempotent: a READY record is returned from cache, a live
// run is reported as in progress and never doubled, and a forced rerun
// supersedes a terminal record by minting a new generation token through
// the report store. A superseded run is not preempted; its late commit is
// discarded by the store's token check.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"ashare-copilot/config"
	"ashare-copilot/database"
	"ashare-copilot/database/reports"
	"ashare-copilot/llm"
	"ashare-copilot/marketdata"
	"ashare-copilot/quant"
)

// TriggerStatus is the immediate answer to a trigger request
type TriggerStatus string

const (
	TriggerCached     TriggerStatus = "CACHED"
	TriggerAccepted   TriggerStatus = "ACCEPTED"
	TriggerInProgress TriggerStatus = "IN_PROGRESS"
)

// TriggerOutcome carries the trigger decision. Record is set for CACHED,
// Token for ACCEPTED.
type TriggerOutcome struct {
	Status TriggerStatus
	Record *database.ReportRecord
	Token  int64
}

// Narrator is the slice of the llm narrator the pipeline needs
type Narrator interface {
	Narrate(ctx context.Context, facts quant.MarketFacts, score quant.ScoreBreakdown) (*llm.NarrativePayload, error)
}

// StatusPublisher receives report state transitions for the event stream
type StatusPublisher interface {
	PublishReportStatus(key database.ReportKey, status database.ReportStatus)
}

// QueryCache caches READY query responses
type QueryCache interface {
	GetReport(ctx context.Context, key database.ReportKey) (*database.ReportRecord, bool)
	SetReport(ctx context.Context, key database.ReportKey, rec *database.ReportRecord) error
	Invalidate(ctx context.Context, key database.ReportKey) error
}

// Engine owns the worker pool and the trigger/query surface
type Engine struct {
	cfg      config.EngineConfig
	store    reports.Store
	provider marketdata.Provider
	narrator Narrator

	publisher StatusPublisher // optional
	cache     QueryCache      // optional
	validator *Validator      // optional, built when lookahead > 0

	sem          chan struct{}
	wg           sync.WaitGroup
	fetchBackoff time.Duration
	now          func() time.Time
}

// New creates an engine over the given collaborators
func New(cfg config.EngineConfig, store reports.Store, provider marketdata.Provider, narrator Narrator) *Engine {
	workers := cfg.MaxConcurrentRuns
	if workers <= 0 {
		workers = 1
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		provider:     provider,
		narrator:     narrator,
		sem:          make(chan struct{}, workers),
		fetchBackoff: time.Second,
		now:          time.Now,
	}
	if cfg.BacktestLookaheadDays > 0 {
		e.validator = NewValidator(provider, cfg.BacktestLookaheadDays)
	}
	return e
}

// SetPublisher attaches the status event publisher
func (e *Engine) SetPublisher(p StatusPublisher) {
	e.publisher = p
}

// SetCache attaches the READY-report query cache
func (e *Engine) SetCache(c QueryCache) {
	e.cache = c
}

// Trigger handles one analysis request. It is synchronous and fast: the
// only work done inline is the store claim; the pipeline itself runs on
// the worker pool and completion is observed by polling Query.
func (e *Engine) Trigger(ctx context.Context, key database.ReportKey, forceRerun bool) (*TriggerOutcome, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rec, err := e.store.Get(ctx, key)
	if err != nil && !database.IsNotFound(err) {
		return nil, err
	}

	if rec != nil {
		status := database.ReportStatus(rec.Status)
		switch {
		case status == database.StatusReady && !forceRerun:
			return &TriggerOutcome{Status: TriggerCached, Record: rec}, nil
		case !status.Terminal() && !e.stalled(rec):
			// Never double-run a key, forced or not
			return &TriggerOutcome{Status: TriggerInProgress, Token: rec.Token}, nil
		case !status.Terminal() && !forceRerun:
			// Stalled, but takeover needs an explicit forceRerun
			return &TriggerOutcome{Status: TriggerInProgress, Token: rec.Token}, nil
		}
	}

	res, err := e.store.TryStart(ctx, key)
	if err != nil {
		return nil, err
	}
	if !res.Created {
		// Lost the claim race to a concurrent trigger
		return &TriggerOutcome{Status: TriggerInProgress, Token: res.Token}, nil
	}

	if e.cache != nil {
		if cerr := e.cache.Invalidate(ctx, key); cerr != nil {
			log.Printf("⚠️ Cache invalidation failed for %s: %v", key, cerr)
		}
	}
	e.publish(key, database.StatusPending)

	e.wg.Add(1)
	go e.run(key, res.Token)

	return &TriggerOutcome{Status: TriggerAccepted, Token: res.Token}, nil
}

// Query returns the current record for a key and whether it was served
// from the cache. Reads never populate the cache: only the committing run
// writes it, so a read raced by a forced rerun cannot resurrect a
// superseded record into the cache after the rerun's invalidation.
func (e *Engine) Query(ctx context.Context, key database.ReportKey) (*database.ReportRecord, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	if e.cache != nil {
		if rec, ok := e.cache.GetReport(ctx, key); ok {
			return rec, true, nil
		}
	}

	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// List returns recent report records for the history surface
func (e *Engine) List(ctx context.Context, kind database.ReportKind, limit int) ([]database.ReportRecord, error) {
	return e.store.List(ctx, kind, limit)
}

// Stop waits for all in-flight pipeline runs to finish
func (e *Engine) Stop() {
	e.wg.Wait()
}

// run executes one pipeline run. It owns its own context: callers never
// block on it and there is no end-to-end deadline, only per-stage ones.
func (e *Engine) run(key database.ReportKey, token int64) {
	defer e.wg.Done()

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	ctx := context.Background()

	if err := e.store.MarkRunning(ctx, key, token); err != nil {
		log.Printf("⚠️ MarkRunning failed for %s: %v", key, err)
	}
	e.publish(key, database.StatusRunning)

	outcome := e.executeStages(ctx, key)

	committed, err := e.store.Commit(ctx, key, token, outcome)
	if err != nil {
		log.Printf("❌ Commit failed for %s: %v", key, err)
		return
	}
	if !committed {
		log.Printf("🔁 Run for %s superseded, result discarded (token %d)", key, token)
		return
	}

	e.publish(key, outcome.Status)
	log.Printf("✅ Report %s committed as %s", key, outcome.Status)
	e.refreshCache(ctx, key, token, outcome.Status)

	// Best-effort backtest for past dates; failure just leaves the
	// validation null, it never reverts the READY commit
	if outcome.Status == database.StatusReady && e.validator != nil && e.isPastDate(key) {
		e.runValidation(ctx, key)
	}
}

// executeStages runs FETCH, SCORE and NARRATE and shapes the terminal outcome
func (e *Engine) executeStages(ctx context.Context, key database.ReportKey) reports.Outcome {
	facts, err := e.fetchWithRetry(ctx, key)
	if err != nil {
		return reports.Outcome{
			Status:      database.StatusFailed,
			ErrorReason: fmt.Sprintf("market data fetch failed: %v", err),
		}
	}

	score := quant.Score(*facts)

	narrateCtx, cancel := context.WithTimeout(ctx, e.cfg.NarrateTimeout)
	defer cancel()
	narrative, err := e.narrator.Narrate(narrateCtx, *facts, score)
	if err != nil {
		// Narrate only errors on cancellation; report availability still
		// wins, so degrade to the score-derived fallback
		log.Printf("⚠️ Narrative stage aborted for %s: %v, using fallback", key, err)
		narrative = llm.Fallback(*facts, score)
	}

	return reports.Outcome{
		Status:    database.StatusReady,
		Score:     &score,
		Narrative: narrative,
	}
}

// fetchWithRetry calls the market data provider with per-attempt timeout,
// retrying transient failures with increasing backoff
func (e *Engine) fetchWithRetry(ctx context.Context, key database.ReportKey) (*quant.MarketFacts, error) {
	attempts := e.cfg.FetchRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		facts, err := e.provider.FetchFacts(fetchCtx, key.Subject, key.Date)
		cancel()

		if err == nil {
			return facts, nil
		}
		lastErr = err

		if !marketdata.IsTransient(err) && fetchCtx.Err() == nil {
			return nil, err // not recoverable, fail the stage now
		}
		if attempt < attempts {
			log.Printf("⚠️ Fetch attempt %d/%d for %s failed: %v", attempt, attempts, key, err)
			select {
			case <-time.After(time.Duration(attempt) * e.fetchBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// runValidation backtests a freshly committed READY record
// refreshCache writes the committed record to the cache, re-reading the
// store and checking the generation token first: if a forced rerun claimed
// the key between commit and here, the entry belongs to that rerun and
// this run must not touch it. FAILED commits just drop any stale entry.
func (e *Engine) refreshCache(ctx context.Context, key database.ReportKey, token int64, status database.ReportStatus) {
	if e.cache == nil {
		return
	}
	if status != database.StatusReady {
		_ = e.cache.Invalidate(ctx, key)
		return
	}
	rec, err := e.store.Get(ctx, key)
	if err != nil || rec.Token != token {
		return
	}
	if cerr := e.cache.SetReport(ctx, key, rec); cerr != nil {
		log.Printf("⚠️ Cache store failed for %s: %v", key, cerr)
	}
}

func (e *Engine) runValidation(ctx context.Context, key database.ReportKey) {
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		log.Printf("⚠️ Validation read failed for %s: %v", key, err)
		return
	}

	result, err := e.validator.Validate(ctx, rec)
	if err != nil {
		log.Printf("⚠️ Backtest validation failed for %s: %v", key, err)
		return
	}

	if err := e.store.AppendValidation(ctx, key, result); err != nil {
		log.Printf("⚠️ Validation append failed for %s: %v", key, err)
		return
	}
	if e.cache != nil {
		_ = e.cache.Invalidate(ctx, key)
	}
	log.Printf("📊 Backtest for %s: %s (realized %.2f%%)", key, result.Outcome, result.RealizedMovePct)
}

func (e *Engine) publish(key database.ReportKey, status database.ReportStatus) {
	if e.publisher != nil {
		e.publisher.PublishReportStatus(key, status)
	}
}

func (e *Engine) stalled(rec *database.ReportRecord) bool {
	if e.cfg.StallCeiling <= 0 {
		return false
	}
	return e.now().Sub(rec.UpdatedAt) > e.cfg.StallCeiling
}

func (e *Engine) isPastDate(key database.ReportKey) bool {
	today := e.now().Format("2006-01-02")
	return key.Date < today
}
