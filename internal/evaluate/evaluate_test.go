package evaluate

import (
	"testing"
	"time"
	"trigger_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func tick(token uint32, price string) core.Tick {
	return core.Tick{InstrumentToken: token, LastPrice: dec(price), Timestamp: time.Now()}
}

func singleTrigger(side core.TransactionType, threshold string) *core.Trigger {
	return &core.Trigger{
		ID:              "t1",
		Exchange:        "NFO",
		TradingSymbol:   "NIFTY25SEPFUT",
		InstrumentToken: 256265,
		ConditionType:   core.ConditionSingle,
		TransactionType: side,
		Leg1:            core.Leg{Product: "NRML", TriggerPrice: dec(threshold), Quantity: 50},
		Status:          core.StatusActive,
	}
}

func twoLegTrigger(exitSide core.TransactionType, stop, target string) *core.Trigger {
	return &core.Trigger{
		ID:              "t2",
		Exchange:        "NFO",
		TradingSymbol:   "NIFTY25SEPFUT",
		InstrumentToken: 256265,
		ConditionType:   core.ConditionTwoLeg,
		TransactionType: exitSide,
		Leg1:            core.Leg{Product: "MIS", TriggerPrice: dec(stop), Quantity: 50},
		Leg2:            &core.Leg{Product: "MIS", TriggerPrice: dec(target), Quantity: 50},
		ParentID:        "pair-1",
		Status:          core.StatusActive,
	}
}

func TestSingleBuyFiresAtOrAboveThreshold(t *testing.T) {
	tr := singleTrigger(core.TransactionBuy, "100.00")

	assert.Nil(t, Evaluate(tr, tick(256265, "99.95")))

	desc := Evaluate(tr, tick(256265, "100.00"))
	require.NotNil(t, desc, "exact threshold must fire")
	assert.Equal(t, 1, desc.Leg)
	assert.Equal(t, "MARKET", desc.Order.OrderType)
	assert.Equal(t, "DAY", desc.Order.Validity)
	assert.Equal(t, core.TransactionBuy, desc.Order.TransactionType)
	assert.Equal(t, 50, desc.Order.Quantity)

	assert.NotNil(t, Evaluate(tr, tick(256265, "104.10")))
}

func TestSingleSellFiresAtOrBelowThreshold(t *testing.T) {
	tr := singleTrigger(core.TransactionSell, "100.00")

	assert.Nil(t, Evaluate(tr, tick(256265, "100.05")))
	assert.NotNil(t, Evaluate(tr, tick(256265, "100.00")))
	assert.NotNil(t, Evaluate(tr, tick(256265, "95.00")))
}

func TestReferencePriceBlocksInTheMoneyCreation(t *testing.T) {
	// Created with the market already past the threshold: must not
	// fire until the price actually crosses.
	tr := singleTrigger(core.TransactionBuy, "100.00")
	tr.ReferencePrice = decPtr("105.00")

	assert.Nil(t, Evaluate(tr, tick(256265, "106.00")))

	// Reference below the threshold arms the trigger normally.
	tr.ReferencePrice = decPtr("98.00")
	assert.NotNil(t, Evaluate(tr, tick(256265, "100.00")))
}

func TestTwoLegSellExit(t *testing.T) {
	// Long position: SELL exit, stop below, target above.
	tr := twoLegTrigger(core.TransactionSell, "95.00", "110.00")

	assert.Nil(t, Evaluate(tr, tick(256265, "100.00")))

	stop := Evaluate(tr, tick(256265, "94.80"))
	require.NotNil(t, stop)
	assert.Equal(t, 1, stop.Leg)
	assert.Equal(t, core.TransactionSell, stop.Order.TransactionType)

	target := Evaluate(tr, tick(256265, "110.00"))
	require.NotNil(t, target)
	assert.Equal(t, 2, target.Leg)
	assert.Equal(t, core.TransactionSell, target.Order.TransactionType)
}

func TestTwoLegBuyExit(t *testing.T) {
	// Short position: BUY exit, stop above, target below.
	tr := twoLegTrigger(core.TransactionBuy, "105.00", "90.00")

	assert.Nil(t, Evaluate(tr, tick(256265, "100.00")))

	stop := Evaluate(tr, tick(256265, "105.50"))
	require.NotNil(t, stop)
	assert.Equal(t, 1, stop.Leg)

	target := Evaluate(tr, tick(256265, "89.00"))
	require.NotNil(t, target)
	assert.Equal(t, 2, target.Leg)
}

func TestTwoLegTieBreakPrefersStop(t *testing.T) {
	// Degenerate pair where one price satisfies both legs.
	tr := twoLegTrigger(core.TransactionSell, "100.00", "100.00")

	desc := Evaluate(tr, tick(256265, "100.00"))
	require.NotNil(t, desc)
	assert.Equal(t, 1, desc.Leg, "stop leg wins when both legs fire")
}

func TestTwoLegReferenceCrossing(t *testing.T) {
	tr := twoLegTrigger(core.TransactionSell, "95.00", "110.00")
	tr.ReferencePrice = decPtr("94.00")

	// Reference already below the stop: the stop must not fire, the
	// target still can.
	assert.Nil(t, Evaluate(tr, tick(256265, "94.50")))
	assert.NotNil(t, Evaluate(tr, tick(256265, "110.00")))
}

func TestEvaluateIgnoresWrongState(t *testing.T) {
	tr := singleTrigger(core.TransactionBuy, "100.00")

	other := tick(999999, "101.00")
	assert.Nil(t, Evaluate(tr, other), "wrong instrument token")

	tr.Status = core.StatusProcessing
	assert.Nil(t, Evaluate(tr, tick(256265, "101.00")), "non-active trigger")

	assert.Nil(t, Evaluate(nil, tick(256265, "101.00")))

	broken := twoLegTrigger(core.TransactionSell, "95.00", "110.00")
	broken.Leg2 = nil
	assert.Nil(t, Evaluate(broken, tick(256265, "94.00")), "two-leg without leg 2")
}

func TestDescriptorUsesFiredLegAttributes(t *testing.T) {
	tr := twoLegTrigger(core.TransactionSell, "95.00", "110.00")
	tr.Leg2.Quantity = 75
	tr.Leg2.Product = "NRML"

	desc := Evaluate(tr, tick(256265, "111.00"))
	require.NotNil(t, desc)
	assert.Equal(t, 75, desc.Order.Quantity)
	assert.Equal(t, "NRML", desc.Order.Product)
	assert.Equal(t, "111", desc.ObservedPrice.String())
}
