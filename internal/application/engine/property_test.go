package engine_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quadmarket/internal/application/engine"
	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// randomOrders genera un batch reproducible de órdenes mixtas con tamaños
// pequeños frente a la liquidez inicial, para que los rechazos sean raros y
// el batch ejerza todos los caminos (LOB, AMM, cross-match, auto-fill).
func randomOrders(rng *rand.Rand, n int) []domain.Order {
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	orders := make([]domain.Order, 0, n)
	for i := 0; i < n; i++ {
		side := domain.SideYes
		if rng.Intn(2) == 1 {
			side = domain.SideNo
		}
		dir := domain.DirectionBuy
		if rng.Intn(3) == 0 {
			dir = domain.DirectionSell
		}
		o := domain.Order{
			ID:          fmt.Sprintf("o%03d", i),
			UserID:      users[rng.Intn(len(users))],
			Outcome:     rng.Intn(3),
			Side:        side,
			Direction:   dir,
			SubmittedAt: baseTime.Add(time.Duration(i) * time.Second),
		}
		if rng.Intn(2) == 0 {
			o.Type = domain.OrderLimit
			// Precio en la rejilla, dentro de [0.30, 0.70].
			o.LimitPrice = domain.QuantizePrice(domain.DecFromFloat(float64(30+rng.Intn(41)) / 100))
			o.Size = domain.QuantizeUSDC(domain.DecFromFloat(1 + rng.Float64()*49))
			o.AutoFillIn = rng.Intn(2) == 0
		} else {
			o.Type = domain.OrderMarket
			o.Size = domain.QuantizeUSDC(domain.DecFromFloat(1 + rng.Float64()*29))
		}
		orders = append(orders, o)
	}
	return orders
}

func TestApplyOrders_RandomBatchesStaySolvent(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			orders := randomOrders(rand.New(rand.NewSource(seed)), 40)

			run := func() *domain.EngineState {
				eng := engine.New(testParams())
				st := newMarket(t)
				_, err := eng.ApplyOrders(st, orders, 10*time.Minute, time.Hour, 1, baseTime)
				require.NoError(t, err)
				return st
			}

			st := run()
			require.NoError(t, domain.Validate(st))
			for _, b := range st.Binaries {
				p := b.Price(domain.SideYes)
				assert.True(t, p.IsPositive() && p.LessThan(domain.One),
					"binary %d price %s out of (0,1)", b.Index, p)
			}
			// Mismo batch, mismo estado final.
			assertStatesEqual(t, st, run())
		})
	}
}
