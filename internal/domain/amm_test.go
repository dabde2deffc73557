package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

func curveParams(eta float64) domain.Params {
	return domain.Params{
		PMin:     decimal.NewFromFloat(0.01),
		PMax:     decimal.NewFromFloat(0.99),
		Eta:      eta,
		TickSize: decimal.NewFromFloat(0.01),
	}
}

func evenBinary(t *testing.T) *domain.Binary {
	t.Helper()
	st := domain.NewState([]string{"A", "B", "C"}, subsidyParams(10000, 3),
		decimal.NewFromFloat(10000.0/6.0))
	return st.Binaries[0]
}

var (
	flatDynamics = domain.DynamicParams{Mu: 1, Nu: 1, Kappa: 0.001, Zeta: 0.1, FI: 0.8}
	// Sin convexidad: aísla la penalización de borde.
	noKappaDynamics = domain.DynamicParams{Mu: 1, Nu: 1, Kappa: 0, Zeta: 0.1, FI: 0.8}
)

func TestBuyCost_MonotonicInSize(t *testing.T) {
	b := evenBinary(t)
	pr := curveParams(2)

	prev := decimal.Zero
	for _, d := range []int64{10, 50, 100, 500, 1000} {
		cost := domain.BuyCost(b, domain.SideYes, decimal.NewFromInt(d), flatDynamics, pr)
		require.True(t, cost.IsPositive(), "delta %d", d)
		require.True(t, cost.GreaterThan(prev), "delta %d: %s <= %s", d, cost, prev)
		prev = cost
	}
}

func TestSellReceived_MonotonicInSize(t *testing.T) {
	b := evenBinary(t)
	pr := curveParams(2)

	prev := decimal.Zero
	for _, d := range []int64{10, 50, 100, 500, 1000} {
		got := domain.SellReceived(b, domain.SideYes, decimal.NewFromInt(d), flatDynamics, pr)
		require.True(t, got.IsPositive(), "delta %d", d)
		require.True(t, got.GreaterThan(prev), "delta %d: %s <= %s", d, got, prev)
		prev = got
	}
}

func TestBuyCost_ZeroAndNegativeSize(t *testing.T) {
	b := evenBinary(t)
	pr := curveParams(2)

	assert.True(t, domain.BuyCost(b, domain.SideYes, decimal.Zero, flatDynamics, pr).IsZero())
	assert.True(t, domain.BuyCost(b, domain.SideYes, decimal.NewFromInt(-5), flatDynamics, pr).IsZero())
	assert.True(t, domain.SellReceived(b, domain.SideYes, decimal.Zero, flatDynamics, pr).IsZero())
}

func TestBuySellSpread(t *testing.T) {
	// Con κ > 0 comprar Δ cuesta más de lo que devuelve vender Δ en el
	// mismo estado: la convexidad nunca regala un round-trip rentable.
	b := evenBinary(t)
	pr := curveParams(2)
	delta := decimal.NewFromInt(100)

	buy := domain.BuyCost(b, domain.SideYes, delta, flatDynamics, pr)
	sell := domain.SellReceived(b, domain.SideYes, delta, flatDynamics, pr)
	require.True(t, buy.GreaterThan(sell), "buy %s <= sell %s", buy, sell)
}

func TestBuyCost_CeilingPenaltyGrowsWithEta(t *testing.T) {
	// Estado pegado al techo: comprar más dispara la penalización, y un η
	// mayor la endurece.
	b := evenBinary(t)
	b.QYes = decimal.NewFromFloat(3300) // p ≈ 0.99
	delta := decimal.NewFromInt(500)

	soft := domain.BuyCost(b, domain.SideYes, delta, noKappaDynamics, curveParams(2))
	hard := domain.BuyCost(b, domain.SideYes, delta, noKappaDynamics, curveParams(8))
	require.True(t, hard.GreaterThan(soft), "eta=8 %s <= eta=2 %s", hard, soft)
}

func TestSellReceived_FloorPenaltyDeflates(t *testing.T) {
	// Estado pegado al suelo: vender hacia abajo reduce lo recibido, y un η
	// mayor lo reduce más. La penalización nunca infla los ingresos.
	b := evenBinary(t)
	b.QYes = decimal.NewFromInt(60) // p ≈ 0.018
	delta := decimal.NewFromInt(40) // deja el precio post bajo p_min

	soft := domain.SellReceived(b, domain.SideYes, delta, noKappaDynamics, curveParams(2))
	hard := domain.SellReceived(b, domain.SideYes, delta, noKappaDynamics, curveParams(8))
	require.True(t, soft.GreaterThan(hard), "eta=8 %s >= eta=2 %s", hard, soft)
	assert.False(t, hard.IsNegative())
}

func TestSellReceived_CappedAtCeilingValue(t *testing.T) {
	b := evenBinary(t)
	pr := curveParams(2)

	for _, d := range []int64{10, 100, 1000} {
		delta := decimal.NewFromInt(d)
		got := domain.SellReceived(b, domain.SideYes, delta, flatDynamics, pr)
		ceil := delta.Mul(pr.PMax)
		require.True(t, got.LessThanOrEqual(ceil), "delta %d: %s > %s", d, got, ceil)
		require.False(t, got.IsNegative())
	}
}
