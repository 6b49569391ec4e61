package index

import (
	"testing"
	"trigger_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func active(id string, token uint32) *core.Trigger {
	return &core.Trigger{
		ID:              id,
		InstrumentToken: token,
		ConditionType:   core.ConditionSingle,
		TransactionType: core.TransactionBuy,
		Leg1:            core.Leg{TriggerPrice: decimal.NewFromInt(100), Quantity: 1},
		Status:          core.StatusActive,
	}
}

func pairRow(id, parent string, token uint32) *core.Trigger {
	t := active(id, token)
	t.ConditionType = core.ConditionTwoLeg
	t.ParentID = parent
	return t
}

func TestAddAndLookup(t *testing.T) {
	x := New()
	x.Add(active("a", 1))
	x.Add(active("b", 1))
	x.Add(active("c", 2))

	assert.Equal(t, 3, x.Count())
	assert.Len(t, x.ForInstrument(1), 2)
	assert.Len(t, x.ForInstrument(2), 1)
	assert.Empty(t, x.ForInstrument(3))
	assert.ElementsMatch(t, []uint32{1, 2}, x.SubscribedInstruments())
}

func TestAddNonActiveRemoves(t *testing.T) {
	x := New()
	x.Add(active("a", 1))

	done := active("a", 1)
	done.Status = core.StatusTriggered
	x.Add(done)

	assert.Equal(t, 0, x.Count())
	assert.Empty(t, x.ForInstrument(1))
}

func TestReAddWithChangedToken(t *testing.T) {
	x := New()
	x.Add(active("a", 1))

	moved := active("a", 2)
	x.Add(moved)

	assert.Equal(t, 1, x.Count())
	assert.Empty(t, x.ForInstrument(1))
	assert.Len(t, x.ForInstrument(2), 1)
	assert.ElementsMatch(t, []uint32{2}, x.SubscribedInstruments())
}

func TestRemoveIsIdempotent(t *testing.T) {
	x := New()
	x.Add(active("a", 1))
	x.Remove("a")
	x.Remove("a")
	x.Remove("never-existed")
	assert.Equal(t, 0, x.Count())
}

func TestMarkProcessingSingleFlight(t *testing.T) {
	x := New()
	x.Add(active("a", 1))

	require.True(t, x.MarkProcessing("a"))
	assert.False(t, x.MarkProcessing("a"), "second claim must lose")
	assert.Empty(t, x.ForInstrument(1), "in-flight triggers are not evaluated")

	x.UnmarkProcessing("a")
	assert.True(t, x.MarkProcessing("a"))
}

func TestMarkProcessingClaimsPair(t *testing.T) {
	x := New()
	x.Add(pairRow("stop", "p1", 1))
	x.Add(pairRow("target", "p1", 1))

	require.True(t, x.MarkProcessing("stop"))
	assert.False(t, x.MarkProcessing("target"), "sibling is claimed with the pair")
	assert.Empty(t, x.ForInstrument(1))

	x.UnmarkProcessing("stop")
	assert.True(t, x.MarkProcessing("target"))
}

func TestOCOSibling(t *testing.T) {
	x := New()
	x.Add(pairRow("stop", "p1", 1))
	x.Add(pairRow("target", "p1", 1))
	x.Add(active("lone", 2))

	assert.Equal(t, "target", x.OCOSibling("stop"))
	assert.Equal(t, "stop", x.OCOSibling("target"))
	assert.Equal(t, "", x.OCOSibling("lone"))
	assert.Equal(t, "", x.OCOSibling("missing"))
}

func TestClear(t *testing.T) {
	x := New()
	x.Add(active("a", 1))
	require.True(t, x.MarkProcessing("a"))

	x.Clear()
	assert.Equal(t, 0, x.Count())
	assert.Equal(t, 0, x.InFlightCount())
	assert.Empty(t, x.SubscribedInstruments())
}
