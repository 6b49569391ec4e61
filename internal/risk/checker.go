// Package risk gates order placement against per-user limits. The
// check runs after the fire decision and before the order, so a
// rejected fire still marks the trigger failed.
package risk

import (
	"context"
	"fmt"
	"time"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/apperrors"
)

// LimitsSource is the slice of the store the checker needs.
type LimitsSource interface {
	RiskLimits(ctx context.Context, userID string) (*core.RiskLimits, error)
}

// Checker implements core.IRiskChecker.
type Checker struct {
	store  LimitsSource
	logger core.ILogger
}

// New creates a risk checker.
func New(store LimitsSource, logger core.ILogger) *Checker {
	return &Checker{
		store:  store,
		logger: logger.WithField("component", "risk_checker"),
	}
}

// Check returns a wrapped apperrors.ErrRiskRejected naming the
// violated limit, or nil. A user with no limits row trades without
// constraints.
func (c *Checker) Check(ctx context.Context, userID string, now time.Time) error {
	limits, err := c.store.RiskLimits(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading risk limits for %s: %w", userID, err)
	}
	if limits == nil {
		return nil
	}

	if limits.KillSwitch {
		return fmt.Errorf("%w: kill switch engaged for user %s", apperrors.ErrRiskRejected, userID)
	}

	if limits.MaxDailyTrades > 0 && limits.DailyTradeCount >= limits.MaxDailyTrades {
		return fmt.Errorf("%w: daily trade cap %d reached", apperrors.ErrRiskRejected, limits.MaxDailyTrades)
	}

	if !limits.DailyLossFloor.IsZero() && limits.DailyPnL.LessThanOrEqual(limits.DailyLossFloor) {
		return fmt.Errorf("%w: daily loss floor %s breached (pnl %s)",
			apperrors.ErrRiskRejected, limits.DailyLossFloor.String(), limits.DailyPnL.String())
	}

	if limits.CutoffHour > 0 {
		cutoff := time.Date(now.Year(), now.Month(), now.Day(), limits.CutoffHour, limits.CutoffMinute, 0, 0, now.Location())
		if !now.Before(cutoff) {
			return fmt.Errorf("%w: past trading cutoff %02d:%02d", apperrors.ErrRiskRejected, limits.CutoffHour, limits.CutoffMinute)
		}
	}

	return nil
}
