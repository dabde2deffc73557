package notify_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quadmarket/internal/adapters/notify"
	"github.com/alejandrodnm/quadmarket/internal/domain"
)

func testState(t *testing.T) *domain.EngineState {
	t.Helper()
	sp := domain.SubsidyParams{
		Z:     decimal.NewFromInt(10000),
		Gamma: domain.One,
		N:     3,
	}
	q0 := decimal.NewFromFloat(10000.0 / 6.0)
	return domain.NewState([]string{"Team A", "Team B", "Team C"}, sp, q0)
}

func makeFill(typ domain.FillType, size, price float64) domain.Fill {
	return domain.Fill{
		TradeID:   "t-1",
		BuyerID:   "alice",
		SellerID:  "bob",
		Outcome:   0,
		Side:      domain.SideYes,
		Type:      typ,
		Size:      decimal.NewFromFloat(size),
		Price:     decimal.NewFromFloat(price),
		Fee:       decimal.NewFromFloat(0.1),
		Timestamp: time.Now(),
	}
}

func TestConsole_NotifyTick_Compact(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	fills := []domain.Fill{makeFill(domain.FillAMM, 100, 0.52)}
	events := []domain.Event{
		{Type: domain.EventOrderFilled, OrderID: "o-1"},
		{Type: domain.EventOrderRejected, OrderID: "o-2", Reason: "max slippage exceeded"},
	}

	err := n.NotifyTick(context.Background(), 7, testState(t), fills, events)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "tick 7")
	assert.Contains(t, out, "fills:1")
	assert.Contains(t, out, "rejected:1")
	// Modo compacto: sin tabla de estado.
	assert.NotContains(t, out, "Team A")
}

func TestConsole_NotifyTick_Table(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	fills := []domain.Fill{
		makeFill(domain.FillAMM, 100, 0.52),
		{
			TradeID: "t-2", BuyerID: "carol", SellerID: "dave",
			Outcome: 1, Side: domain.SideYes, Type: domain.FillCrossMatch,
			Size:     decimal.NewFromInt(50),
			PriceYes: decimal.NewFromFloat(0.61),
			PriceNo:  decimal.NewFromFloat(0.41),
			Fee:      decimal.NewFromFloat(0.51),
		},
	}

	err := n.NotifyTick(context.Background(), 1, testState(t), fills, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Team A")
	assert.Contains(t, out, "Team C")
	assert.Contains(t, out, "0.5000") // precio inicial con N=3 y q0=Z/2N
	assert.Contains(t, out, "Y:0.61 N:0.41")
	assert.Contains(t, out, "carol")
}

func TestConsole_NotifyResolution(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	st := testState(t)
	events := []domain.Event{
		{Type: domain.EventElimination, Outcome: 2, Amount: decimal.NewFromFloat(1234.56)},
	}

	err := n.NotifyResolution(context.Background(), st, events)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "ELIMINATION")
	assert.Contains(t, out, "outcome:2")
	assert.Contains(t, out, "1234.56")
}
