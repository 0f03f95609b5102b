// Package marketdata fetches the market facts the analysis pipeline scores.
// It is the only component besides the reasoning service that performs
// external I/O; failures are classified so the orchestrator can retry the
// transient ones.
package marketdata

import (
	"context"
	"errors"
	"fmt"

	"ashare-copilot/quant"
)

// Provider fetches MarketFacts for one subject on one date. An empty
// subject asks for market-level facts (index history plus the limit-up
// pool), used by the dateless report kinds. Partial data is not an error:
// fields the upstream could not supply come back nil and the scoring
// engine degrades confidence instead of failing.
type Provider interface {
	FetchFacts(ctx context.Context, subject, date string) (*quant.MarketFacts, error)
}

// TransientError marks a recoverable fetch failure (network, rate limit,
// upstream 5xx). The orchestrator retries these with backoff; anything
// else fails the stage outright.
type TransientError struct {
	Err error
}

// Error implements the error interface
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient market data error: %v", e.Err)
}

// Unwrap returns the underlying error
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err wraps a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
