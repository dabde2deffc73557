package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quadmarket/internal/application/engine"
	"github.com/alejandrodnm/quadmarket/internal/domain"
)

func testDynamics() domain.DynamicParams {
	return domain.DynamicParams{Mu: 1, Nu: 1, Kappa: 0, Zeta: 0.1, FI: 0.8}
}

func optInLimit(user string, outcome int, side domain.Side, dir domain.Direction, size, price float64, seq int) domain.Order {
	o := limitOrder("af-"+user, user, outcome, side, dir, size, price, seq)
	o.AutoFillIn = true
	return o
}

func TestAutoFill_PositiveDiversionFillsBuyPools(t *testing.T) {
	pr := testParams()
	st := newMarket(t)

	// Un bid opt-in por encima del precio actual (0.50): elegible en
	// cuanto llega colateral desviado.
	require.NoError(t, engine.AddToPool(st, pr,
		optInLimit("lp1", 1, domain.SideYes, domain.DirectionBuy, 100, 0.55, 0)))
	// Un bid opt-out al mismo precio: jamás participa.
	require.NoError(t, engine.AddToPool(st, pr,
		limitOrder("l2", "lp2", 1, domain.SideYes, domain.DirectionBuy, 100, 0.55, 1)))

	res := engine.NewBatchResult()
	diversion := decimal.NewFromInt(100)
	require.NoError(t, engine.AutoFill(res, st, pr, testDynamics(), 1, diversion, 1, baseTime))

	require.Len(t, res.Fills, 1)
	f := res.Fills[0]
	assert.Equal(t, domain.FillAutoFill, f.Type)
	assert.True(t, f.Price.Equal(decimal.NewFromFloat(0.55)))
	assert.True(t, f.Size.IsPositive())

	// El contribuidor opt-in recibe tokens; el opt-out queda intacto.
	assert.True(t, res.Tokens["lp1"][engine.TokenKey{Outcome: 1, Side: domain.SideYes}].IsPositive())
	assert.Nil(t, res.Tokens["lp2"])
	optOut := st.Binaries[1].Book.YesBuy[domain.PoolKey(55, false)]
	require.NotNil(t, optOut)
	assert.True(t, optOut.Volume.Equal(decimal.NewFromInt(55)))

	// El fill nunca cruza el tick del pool.
	assert.True(t, st.Binaries[1].Price(domain.SideYes).LessThanOrEqual(decimal.NewFromFloat(0.55)))
	require.NoError(t, domain.Validate(st))
}

func TestAutoFill_NegativeDiversionFillsSellPools(t *testing.T) {
	pr := testParams()
	st := newMarket(t)

	require.NoError(t, engine.AddToPool(st, pr,
		optInLimit("lp1", 1, domain.SideYes, domain.DirectionSell, 100, 0.45, 0)))

	res := engine.NewBatchResult()
	diversion := decimal.NewFromInt(-100)
	require.NoError(t, engine.AutoFill(res, st, pr, testDynamics(), 1, diversion, 1, baseTime))

	require.Len(t, res.Fills, 1)
	f := res.Fills[0]
	assert.Equal(t, domain.FillAutoFill, f.Type)
	assert.True(t, f.Price.Equal(decimal.NewFromFloat(0.45)))

	// El vendedor cobra al menos el precio de su tick por cada token.
	assert.True(t, res.Cash["lp1"].GreaterThanOrEqual(
		domain.QuantizeUSDC(f.Size.Mul(decimal.NewFromFloat(0.45)))))
	// La oferta YES bajó y el precio no cruza el tick hacia abajo.
	assert.True(t, st.Binaries[1].QYes.LessThan(decimal.NewFromFloat(10000.0/6.0)))
	assert.True(t, st.Binaries[1].Price(domain.SideYes).GreaterThanOrEqual(decimal.NewFromFloat(0.45)))
	require.NoError(t, domain.Validate(st))
}

func TestAutoFill_IneligibleTicksAreSkipped(t *testing.T) {
	pr := testParams()
	st := newMarket(t)

	// Un bid por debajo del precio actual no es elegible para un desvío
	// positivo: el precio tendría que subir hasta él, no bajar.
	require.NoError(t, engine.AddToPool(st, pr,
		optInLimit("lp1", 1, domain.SideYes, domain.DirectionBuy, 100, 0.45, 0)))

	res := engine.NewBatchResult()
	require.NoError(t, engine.AutoFill(res, st, pr, testDynamics(), 1, decimal.NewFromInt(100), 1, baseTime))
	assert.Empty(t, res.Fills)
}

func TestAutoFill_MaxPoolsCap(t *testing.T) {
	pr := testParams()
	pr.AFMaxPools = 1
	st := newMarket(t)

	require.NoError(t, engine.AddToPool(st, pr,
		optInLimit("lp1", 1, domain.SideYes, domain.DirectionBuy, 50, 0.56, 0)))
	require.NoError(t, engine.AddToPool(st, pr,
		optInLimit("lp2", 1, domain.SideYes, domain.DirectionBuy, 50, 0.55, 1)))

	res := engine.NewBatchResult()
	require.NoError(t, engine.AutoFill(res, st, pr, testDynamics(), 1, decimal.NewFromInt(200), 1, baseTime))

	// Solo el mejor pool (tick más alto) se llena.
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Price.Equal(decimal.NewFromFloat(0.56)))
}

func TestAutoFill_SurplusCapStopsCascade(t *testing.T) {
	pr := testParams()
	pr.AFMaxSurplus = decimal.New(1, -6) // tope de surplus casi nulo
	st := newMarket(t)

	require.NoError(t, engine.AddToPool(st, pr,
		optInLimit("lp1", 1, domain.SideYes, domain.DirectionBuy, 100, 0.55, 0)))

	res := engine.NewBatchResult()
	require.NoError(t, engine.AutoFill(res, st, pr, testDynamics(), 1, decimal.NewFromInt(100), 1, baseTime))
	assert.Empty(t, res.Fills)
}

func TestAutoFill_ZeroDiversionIsNoop(t *testing.T) {
	pr := testParams()
	st := newMarket(t)
	require.NoError(t, engine.AddToPool(st, pr,
		optInLimit("lp1", 1, domain.SideYes, domain.DirectionBuy, 100, 0.55, 0)))

	res := engine.NewBatchResult()
	require.NoError(t, engine.AutoFill(res, st, pr, testDynamics(), 1, decimal.Zero, 1, baseTime))
	assert.Empty(t, res.Fills)
}
