// Package retry is the single place raw step errors are translated into the
// two failure outcomes the workflow engine understands. The engine never
// inspects error types itself.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"pressbot/internal/domain"
)

// Tier selects which backoff schedule applies to a retryable failure.
type Tier int

const (
	TierStandard  Tier = iota // generic transient errors
	TierRateLimit             // quota signals: elevated schedule
)

// Controller classifies step errors and computes backoff delays.
type Controller struct {
	standard  []time.Duration
	rateLimit []time.Duration
	logger    *slog.Logger
}

// New builds a controller from the configured backoff schedules. Schedules
// are ordered per-attempt delays; attempts beyond the end reuse the last
// entry.
func New(standard, rateLimit []time.Duration, logger *slog.Logger) *Controller {
	if len(standard) == 0 {
		standard = []time.Duration{time.Second}
	}
	if len(rateLimit) == 0 {
		// Elevated tier defaults to 5x the standard schedule.
		rateLimit = make([]time.Duration, len(standard))
		for i, d := range standard {
			rateLimit[i] = 5 * d
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{standard: standard, rateLimit: rateLimit, logger: logger}
}

// Classify maps a raised error to a step outcome and backoff tier.
//
// Transient network errors, timeouts, and upstream 5xx responses are
// retryable. Rate-limit signals are retryable on the elevated tier.
// Validation and authorization errors are fatal: retrying cannot help.
// Anything unrecognized is fatal, so an unknown failure mode surfaces
// immediately instead of burning the retry budget.
func (c *Controller) Classify(err error) (domain.Outcome, Tier) {
	if err == nil {
		return domain.OutcomeSuccess, TierStandard
	}

	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		return domain.OutcomeRetryableFailure, TierRateLimit
	}

	var httpErr *domain.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			return domain.OutcomeRetryableFailure, TierRateLimit
		case httpErr.Status >= 500:
			return domain.OutcomeRetryableFailure, TierStandard
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return domain.OutcomeFatalFailure, TierStandard
		default:
			// Remaining 4xx: the request itself is bad.
			return domain.OutcomeFatalFailure, TierStandard
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.OutcomeRetryableFailure, TierStandard
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.OutcomeRetryableFailure, TierStandard
	}

	var transient *domain.TransientError
	if errors.As(err, &transient) {
		return domain.OutcomeRetryableFailure, TierStandard
	}

	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrEmptyBatch) {
		return domain.OutcomeFatalFailure, TierStandard
	}

	c.logger.Warn("unclassified step error treated as fatal", "err", err)
	return domain.OutcomeFatalFailure, TierStandard
}

// Backoff returns the delay before retry number attempt (1-based) on the
// given tier, clamped to the schedule's last entry.
func (c *Controller) Backoff(tier Tier, attempt int) time.Duration {
	schedule := c.standard
	if tier == TierRateLimit {
		schedule = c.rateLimit
	}
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// MaxDelay returns the largest configured backoff across both tiers, used to
// derive the whole-run wall-clock cap.
func (c *Controller) MaxDelay() time.Duration {
	max := time.Duration(0)
	for _, d := range c.standard {
		if d > max {
			max = d
		}
	}
	for _, d := range c.rateLimit {
		if d > max {
			max = d
		}
	}
	return max
}
