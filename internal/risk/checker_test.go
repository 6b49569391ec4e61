package risk

import (
	"context"
	"testing"
	"time"
	"trigger_engine/internal/core"
	"trigger_engine/internal/mock"
	"trigger_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 25, hour, minute, 0, 0, time.Local)
}

func TestCheckPassesWithoutLimitsRow(t *testing.T) {
	c := New(mock.NewStore(), mock.NewLogger())
	assert.NoError(t, c.Check(context.Background(), "u1", at(10, 0)))
}

func TestCheckKillSwitch(t *testing.T) {
	s := mock.NewStore()
	s.Limits["u1"] = &core.RiskLimits{UserID: "u1", KillSwitch: true}
	c := New(s, mock.NewLogger())

	err := c.Check(context.Background(), "u1", at(10, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRiskRejected)
}

func TestCheckDailyTradeCap(t *testing.T) {
	s := mock.NewStore()
	s.Limits["u1"] = &core.RiskLimits{UserID: "u1", MaxDailyTrades: 2, DailyTradeCount: 2}
	c := New(s, mock.NewLogger())

	assert.ErrorIs(t, c.Check(context.Background(), "u1", at(10, 0)), apperrors.ErrRiskRejected)

	s.Limits["u1"].DailyTradeCount = 1
	assert.NoError(t, c.Check(context.Background(), "u1", at(10, 0)))
}

func TestCheckDailyLossFloor(t *testing.T) {
	s := mock.NewStore()
	s.Limits["u1"] = &core.RiskLimits{
		UserID:         "u1",
		DailyLossFloor: decimal.NewFromInt(-5000),
		DailyPnL:       decimal.NewFromInt(-5100),
	}
	c := New(s, mock.NewLogger())

	assert.ErrorIs(t, c.Check(context.Background(), "u1", at(10, 0)), apperrors.ErrRiskRejected)

	s.Limits["u1"].DailyPnL = decimal.NewFromInt(-4000)
	assert.NoError(t, c.Check(context.Background(), "u1", at(10, 0)))
}

func TestCheckTradingCutoff(t *testing.T) {
	s := mock.NewStore()
	s.Limits["u1"] = &core.RiskLimits{UserID: "u1", CutoffHour: 15, CutoffMinute: 15}
	c := New(s, mock.NewLogger())

	assert.NoError(t, c.Check(context.Background(), "u1", at(15, 14)))
	assert.ErrorIs(t, c.Check(context.Background(), "u1", at(15, 15)), apperrors.ErrRiskRejected)
	assert.ErrorIs(t, c.Check(context.Background(), "u1", at(15, 30)), apperrors.ErrRiskRejected)
}
