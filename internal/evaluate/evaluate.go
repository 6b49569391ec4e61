// Package evaluate decides whether a tick fires a trigger. Pure
// functions over the trigger row and the observed price; no I/O.
package evaluate

import (
	"trigger_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Evaluate returns the execution descriptor for the leg the tick
// fired, or nil when no condition is met.
//
// Single triggers compare the last price against leg 1 in the
// direction of the order side: a BUY fires at or above the threshold,
// a SELL at or below. When a reference price is recorded the price
// must also have crossed the threshold since creation, so a trigger
// created already in the money does not fire on the first tick.
//
// Two-leg rows treat leg 1 as the stop-loss and leg 2 as the target
// of an exit order. A SELL exit protects a long position: the stop is
// below and the target above. A BUY exit inverts both. When one tick
// satisfies both legs, the stop wins.
func Evaluate(t *core.Trigger, tick core.Tick) *core.ExecutionDescriptor {
	if t == nil || t.Status != core.StatusActive || t.InstrumentToken != tick.InstrumentToken {
		return nil
	}

	var leg int
	switch t.ConditionType {
	case core.ConditionSingle:
		if firesToward(t.TransactionType, tick.LastPrice, t.Leg1.TriggerPrice, t.ReferencePrice) {
			leg = 1
		}
	case core.ConditionTwoLeg:
		if t.Leg2 == nil {
			return nil
		}
		// The stop sits on the adverse side of the exit, the target on
		// the favorable one. For a SELL exit the stop condition is the
		// SELL comparison, the target the BUY comparison.
		stopSide := t.TransactionType
		targetSide := t.TransactionType.Opposite()
		if firesToward(stopSide, tick.LastPrice, t.Leg1.TriggerPrice, t.ReferencePrice) {
			leg = 1
		} else if firesToward(targetSide, tick.LastPrice, t.Leg2.TriggerPrice, t.ReferencePrice) {
			leg = 2
		}
	default:
		return nil
	}

	if leg == 0 {
		return nil
	}

	attrs := t.LegAttrs(leg)
	return &core.ExecutionDescriptor{
		TriggerID:     t.ID,
		Leg:           leg,
		ObservedPrice: tick.LastPrice,
		Order: core.OrderPayload{
			TradingSymbol:   t.TradingSymbol,
			Exchange:        t.Exchange,
			TransactionType: t.TransactionType,
			Quantity:        attrs.Quantity,
			OrderType:       "MARKET",
			Product:         attrs.Product,
			Validity:        "DAY",
		},
	}
}

// firesToward reports whether the price satisfies the threshold in the
// direction implied by the side, honoring the reference-price crossing
// rule when a reference is present.
func firesToward(side core.TransactionType, ltp, threshold decimal.Decimal, ref *decimal.Decimal) bool {
	switch side {
	case core.TransactionBuy:
		if ltp.LessThan(threshold) {
			return false
		}
		return ref == nil || ref.LessThan(threshold)
	case core.TransactionSell:
		if ltp.GreaterThan(threshold) {
			return false
		}
		return ref == nil || ref.GreaterThan(threshold)
	}
	return false
}
