package store

import (
	"context"
	"fmt"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/apperrors"
)

// State transitions. Every UPDATE here is conditional on the current
// status so a lost race is a no-op, never a double transition.

// Claim moves active -> processing. For a pair both rows are locked
// in id order and the claim fails if the sibling already left active,
// which is what makes the one-cancels-other promise hold across
// instances.
func (s *Store) Claim(ctx context.Context, id, parentID string) (bool, error) {
	if parentID == "" {
		tag, err := s.pool.Exec(ctx,
			`UPDATE triggers SET status = 'processing', updated_at = now()
			 WHERE id = $1 AND status = 'active'`, id)
		if err != nil {
			return false, fmt.Errorf("claiming trigger %s: %w", id, err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning claim for %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, status FROM triggers WHERE parent_id = $1 ORDER BY id FOR UPDATE`, parentID)
	if err != nil {
		return false, fmt.Errorf("locking pair %s: %w", parentID, err)
	}

	ownActive := false
	siblingBusy := false
	for rows.Next() {
		var rowID string
		var status core.TriggerStatus
		if err := rows.Scan(&rowID, &status); err != nil {
			rows.Close()
			return false, err
		}
		if rowID == id {
			ownActive = status == core.StatusActive
		} else if status == core.StatusProcessing || status == core.StatusTriggered {
			siblingBusy = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	if !ownActive || siblingBusy {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE triggers SET status = 'processing', updated_at = now() WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("claiming pair row %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing claim for %s: %w", id, err)
	}
	return true, nil
}

// Release undoes a claim whose fire did not reach a terminal state.
func (s *Store) Release(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE triggers SET status = 'active', updated_at = now()
		 WHERE id = $1 AND status = 'processing'`, id); err != nil {
		return fmt.Errorf("releasing trigger %s: %w", id, err)
	}
	return nil
}

// MarkTriggered finalizes a fired trigger with the leg, observed
// price and broker order id.
func (s *Store) MarkTriggered(ctx context.Context, id string, leg int, price string, orderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE triggers
		 SET status = 'triggered', triggered_leg = $2, triggered_price = $3,
		     order_id = $4, executed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`, id, leg, price, orderID)
	if err != nil {
		return fmt.Errorf("marking trigger %s triggered: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("marking trigger %s triggered: %w", id, apperrors.ErrTriggerNotActive)
	}
	return nil
}

// MarkFailed finalizes a fire whose order could not be placed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE triggers SET status = 'failed', error_message = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('processing', 'active')`, id, reason); err != nil {
		return fmt.Errorf("marking trigger %s failed: %w", id, err)
	}
	return nil
}

// Cancel moves active -> cancelled. Conditional, so cancelling a row
// that fired in the meantime is a reported no-op rather than an
// overwrite.
func (s *Store) Cancel(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE triggers SET status = 'cancelled', cancel_reason = $2, updated_at = now()
		 WHERE id = $1 AND status = 'active'`, id, reason)
	if err != nil {
		return false, fmt.Errorf("cancelling trigger %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendTradeLog writes the audit row for a fired trigger.
func (s *Store) AppendTradeLog(ctx context.Context, e core.TradeLogEntry) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO trade_logs (trigger_id, user_id, tradingsymbol, exchange, leg,
		                         transaction_type, quantity, observed_price, order_id, fired_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.TriggerID, e.UserID, e.TradingSymbol, e.Exchange, e.Leg,
		e.Side, e.Quantity, e.ObservedPrice.String(), e.OrderID, e.FiredAt); err != nil {
		return fmt.Errorf("appending trade log for %s: %w", e.TriggerID, err)
	}
	return nil
}
