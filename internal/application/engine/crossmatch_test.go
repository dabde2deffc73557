package engine_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quadmarket/internal/application/engine"
	"github.com/alejandrodnm/quadmarket/internal/domain"
)

func TestCrossMatchAdmissible(t *testing.T) {
	cases := []struct {
		T, S, fee float64
		want      bool
	}{
		{0.61, 0.41, 0.02, true},  // 1.02 ≥ 1.0102
		{0.50, 0.50, 0, true},     // exactamente la obligación
		{0.50, 0.49, 0, false},    // no cubre el pago
		{0.52, 0.50, 0.05, false}, // 1.02 < 1.0255: la fee rompe el par
		{0.60, 0.45, 0.02, true},  // 1.05 ≥ 1.0105
		{0.99, 0.99, 0.02, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("T=%.2f_S=%.2f_f=%.2f", tc.T, tc.S, tc.fee), func(t *testing.T) {
			got := engine.CrossMatchAdmissible(
				decimal.NewFromFloat(tc.T),
				decimal.NewFromFloat(tc.S),
				decimal.NewFromFloat(tc.fee),
			)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCrossMatchAdmissible_RandomTriples(t *testing.T) {
	// La admisibilidad debe coincidir con la desigualdad calculada aparte
	// para cualquier tripla (T, S, f_match) de la rejilla.
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		T := decimal.New(int64(1+rng.Intn(99)), -2)
		S := decimal.New(int64(1+rng.Intn(99)), -2)
		fee := decimal.New(int64(rng.Intn(11)), -2)

		sum := T.Add(S)
		want := sum.GreaterThanOrEqual(domain.One.Add(fee.Mul(sum).Div(domain.Two)))
		got := engine.CrossMatchAdmissible(T, S, fee)
		require.Equal(t, want, got, "T=%s S=%s fee=%s", T, S, fee)
	}
}

func TestCrossMatchBinary_PairsAndSettles(t *testing.T) {
	pr := testParams() // f_match = 0.02
	st := newMarket(t)
	b := st.Binaries[0]
	q0 := b.QYes

	// alice quiere 100 YES a 0.61; bob vende 100 NO a 0.41. El par cruza:
	// T+S = 1.02 cubre la obligación más la fee.
	require.NoError(t, engine.AddToPool(st, pr,
		limitOrder("l1", "alice", 0, domain.SideYes, domain.DirectionBuy, 100, 0.61, 0)))
	require.NoError(t, engine.AddToPool(st, pr,
		limitOrder("l2", "bob", 0, domain.SideNo, domain.DirectionSell, 100, 0.41, 1)))

	res := engine.NewBatchResult()
	require.NoError(t, engine.CrossMatchBinary(res, st, pr, 0, 1, baseTime))

	require.Len(t, res.Fills, 1)
	f := res.Fills[0]
	assert.Equal(t, domain.FillCrossMatch, f.Type)
	assert.True(t, f.Size.Equal(decimal.NewFromInt(100)), "size %s", f.Size)
	assert.True(t, f.PriceYes.Equal(decimal.NewFromFloat(0.61)))
	assert.True(t, f.PriceNo.Equal(decimal.NewFromFloat(0.41)))
	// fee = f_match·fill·(T+S)/2 = 0.02·100·0.51
	assert.True(t, f.Fee.Equal(decimal.NewFromFloat(1.02)), "fee %s", f.Fee)

	// V sube la entrada neta y ambas ofertas suben el fill.
	assert.True(t, b.Collateral.Equal(decimal.NewFromFloat(100.98)), "V %s", b.Collateral)
	assert.True(t, b.QYes.Equal(q0.Add(decimal.NewFromInt(100))))
	assert.True(t, b.QNo.Equal(q0.Add(decimal.NewFromInt(100))))
	assert.True(t, b.Seigniorage.Equal(decimal.NewFromFloat(1.02)))

	// alice recibe sus tokens YES, bob cobra S por token.
	assert.True(t, res.Tokens["alice"][engine.TokenKey{Outcome: 0, Side: domain.SideYes}].Equal(decimal.NewFromInt(100)))
	assert.True(t, res.Cash["bob"].Equal(decimal.NewFromInt(41)))

	// Ambos pools quedaron agotados.
	assert.Nil(t, b.Book.YesBuy[domain.PoolKey(61, false)])
	assert.Nil(t, b.Book.NoSell[domain.PoolKey(41, false)])

	require.NoError(t, domain.Validate(st))
}

func TestCrossMatchBinary_SkipsInadmissiblePairs(t *testing.T) {
	pr := testParams()
	st := newMarket(t)

	// 0.50 + 0.45 = 0.95 < 1: nunca cruza, por barato que parezca.
	require.NoError(t, engine.AddToPool(st, pr,
		limitOrder("l1", "alice", 0, domain.SideYes, domain.DirectionBuy, 100, 0.50, 0)))
	require.NoError(t, engine.AddToPool(st, pr,
		limitOrder("l2", "bob", 0, domain.SideNo, domain.DirectionSell, 100, 0.45, 1)))

	res := engine.NewBatchResult()
	require.NoError(t, engine.CrossMatchBinary(res, st, pr, 0, 1, baseTime))

	assert.Empty(t, res.Fills)
	assert.NotNil(t, st.Binaries[0].Book.YesBuy[domain.PoolKey(50, false)])
	assert.NotNil(t, st.Binaries[0].Book.NoSell[domain.PoolKey(45, false)])
}

func TestCrossMatchBinary_PartialFillLeavesRemainder(t *testing.T) {
	pr := testParams()
	st := newMarket(t)

	// El lado NO solo ofrece 40 tokens: el pool YES queda con resto.
	require.NoError(t, engine.AddToPool(st, pr,
		limitOrder("l1", "alice", 0, domain.SideYes, domain.DirectionBuy, 100, 0.61, 0)))
	require.NoError(t, engine.AddToPool(st, pr,
		limitOrder("l2", "bob", 0, domain.SideNo, domain.DirectionSell, 40, 0.41, 1)))

	res := engine.NewBatchResult()
	require.NoError(t, engine.CrossMatchBinary(res, st, pr, 0, 1, baseTime))

	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Size.Equal(decimal.NewFromInt(40)))

	// El pool YES conserva 60·0.61 USDC; el NO desapareció.
	yesPool := st.Binaries[0].Book.YesBuy[domain.PoolKey(61, false)]
	require.NotNil(t, yesPool)
	assert.True(t, yesPool.Volume.Equal(decimal.NewFromFloat(36.6)), "volume %s", yesPool.Volume)
	assert.Nil(t, st.Binaries[0].Book.NoSell[domain.PoolKey(41, false)])
}
