package engine

// autofill.go — cascada de arbitraje sobre pools en reposo tras un desvío de
// colateral (cross-impact). Un desvío positivo agranda L y abarata ambos
// lados → se vuelven ejecutables los pools buy; uno negativo encarece y
// habilita los pools sell. Solo participan los pools con opt-in (clave ≥ 0).

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// afSearchSteps acota la búsqueda binaria del delta máximo ejecutable.
const afSearchSteps = 20

// AutoFill recorre los pools en reposo del binario j tras recibir un desvío
// y los llena hasta los topes configurados. Cada fill se revalida y se
// revierte individualmente si viola solvencia; la cascada continúa.
//
// Topes: af_max_pools pools por cascada, delta por pool ≤
// af_cap_frac·|diversion|/tick, y surplus total ≤ af_max_surplus·|diversion|/ζ.
func AutoFill(res *BatchResult, st *domain.EngineState, pr domain.Params, dp domain.DynamicParams, outcome int, diversion decimal.Decimal, tickID int64, now time.Time) error {
	b, err := st.Binary(outcome)
	if err != nil {
		return err
	}
	if !b.Active || diversion.IsZero() || dp.Zeta <= 0 {
		return nil
	}

	dir := domain.DirectionBuy
	if diversion.IsNegative() {
		dir = domain.DirectionSell
	}
	absDiv := diversion.Abs()
	maxSurplus := domain.QuantizeUSDC(pr.AFMaxSurplus.Mul(absDiv).DivRound(decimal.NewFromFloat(dp.Zeta), domain.USDCDecimals))

	totalSurplus := decimal.Zero
	poolsFilled := 0

	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		pools := b.Book.Pools(side, dir)
		keys := eligibleKeys(b, pr, pools, side, dir)
		for _, key := range keys {
			if poolsFilled >= pr.AFMaxPools {
				return nil
			}
			if totalSurplus.GreaterThanOrEqual(maxSurplus) {
				return nil
			}
			pool, ok := pools[key]
			if !ok || !pool.Volume.IsPositive() {
				continue
			}
			tickPrice := pr.PriceFromTick(key)

			surplus, filled := fillOnePool(res, st, pr, dp, outcome, side, dir, key, tickPrice, absDiv, maxSurplus.Sub(totalSurplus), tickID, now)
			if !filled {
				continue
			}
			poolsFilled++
			totalSurplus = domain.QuantizeUSDC(totalSurplus.Add(surplus))
			// b puede haber sido sustituido por un checkpoint.
			b = st.Binaries[outcome]
		}
	}
	return nil
}

// eligibleKeys devuelve, en orden de mejor precio, las claves opt-in cuyo
// tick ya es estrictamente mejor que el precio actual del binario.
func eligibleKeys(b *domain.Binary, pr domain.Params, pools map[int]*domain.Pool, side domain.Side, dir domain.Direction) []int {
	price := b.Price(side)
	var keys []int
	for key := range pools {
		if !domain.KeyOptedIn(key) {
			continue
		}
		tickPrice := pr.PriceFromTick(key)
		if dir == domain.DirectionBuy && tickPrice.GreaterThan(price) {
			keys = append(keys, key)
		}
		if dir == domain.DirectionSell && tickPrice.LessThan(price) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := domain.KeyTick(keys[i]), domain.KeyTick(keys[j])
		if dir == domain.DirectionBuy {
			if ti != tj {
				return ti > tj
			}
		} else if ti != tj {
			return ti < tj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// fillOnePool busca por bisección el delta máximo ejecutable contra un pool y
// aplica el trade. Devuelve el surplus obtenido y si hubo fill.
func fillOnePool(res *BatchResult, st *domain.EngineState, pr domain.Params, dp domain.DynamicParams, outcome int, side domain.Side, dir domain.Direction, key int, tickPrice, absDiv, surplusLeft decimal.Decimal, tickID int64, now time.Time) (decimal.Decimal, bool) {
	b := st.Binaries[outcome]
	pool := b.Book.Pools(side, dir)[key]

	// Tope de tamaño: fracción del desvío a precio de tick, y la capacidad
	// del propio pool.
	cap := pr.AFCapFrac.Mul(absDiv).DivRound(tickPrice, domain.USDCDecimals)
	if dir == domain.DirectionBuy {
		cap = decimal.Min(cap, pool.Volume.DivRound(tickPrice, domain.USDCDecimals))
	} else {
		cap = decimal.Min(cap, pool.Volume)
	}
	if !cap.IsPositive() {
		return decimal.Zero, false
	}

	delta := searchMaxDelta(b, pr, dp, side, dir, tickPrice, cap)
	if !delta.IsPositive() {
		return decimal.Zero, false
	}

	charge := domain.QuantizeUSDC(tickPrice.Mul(delta))
	var amm, surplus decimal.Decimal
	if dir == domain.DirectionBuy {
		amm = domain.BuyCost(b, side, delta, dp, pr)
		surplus = domain.QuantizeUSDC(charge.Sub(amm))
	} else {
		amm = domain.SellReceived(b, side, delta, dp, pr)
		surplus = domain.QuantizeUSDC(amm.Sub(charge))
	}
	if surplus.IsNegative() {
		return decimal.Zero, false
	}
	if surplus.GreaterThan(surplusLeft) {
		// El tope de surplus de la cascada no se sobrepasa nunca.
		return decimal.Zero, false
	}

	checkpoint := b.Clone()
	systemShare := domain.QuantizeUSDC(pr.Sigma.Mul(surplus))
	rebate := surplus.Sub(systemShare)

	if dir == domain.DirectionBuy {
		b.AddSupply(side, delta)
		b.Collateral = domain.QuantizeUSDC(b.Collateral.Add(amm).Add(systemShare))
	} else {
		b.AddSupply(side, delta.Neg())
		b.Collateral = domain.QuantizeUSDC(b.Collateral.Sub(amm).Add(systemShare))
	}
	b.Recompute(pr.Subsidy)

	var dist map[string]decimal.Decimal
	if dir == domain.DirectionBuy {
		// Los contribuidores reciben tokens y el rebate en cash.
		dist = reduceProRata(b.Book.Pools(side, dir), key, charge, delta)
	} else {
		// Los contribuidores cobran el charge más el rebate.
		dist = reduceProRata(b.Book.Pools(side, dir), key, delta, charge.Add(rebate))
	}

	if err := domain.ValidateBinary(b); err != nil {
		// Revertir solo este fill, no la cascada entera.
		st.Binaries[outcome] = checkpoint
		return decimal.Zero, false
	}

	users := make([]string, 0, len(dist))
	for u := range dist {
		users = append(users, u)
	}
	sort.Strings(users)
	poolVolume := checkpoint.Book.Pools(side, dir)[key].Volume
	for _, u := range users {
		if dir == domain.DirectionBuy {
			res.addTokens(u, outcome, side, dist[u])
			share := checkpoint.Book.Pools(side, dir)[key].Shares[u]
			cut := domain.QuantizeUSDC(rebate.Mul(share).DivRound(poolVolume, domain.USDCDecimals))
			res.credit(u, cut)
		} else {
			res.credit(u, dist[u])
		}
	}

	party := poolParty(outcome, side, dir, key)
	buyer, seller := party, "amm"
	if dir == domain.DirectionSell {
		buyer, seller = "amm", party
	}
	res.Fills = append(res.Fills, domain.Fill{
		TradeID:   newTradeID(),
		BuyerID:   buyer,
		SellerID:  seller,
		Outcome:   outcome,
		Side:      side,
		Type:      domain.FillAutoFill,
		Size:      delta,
		Price:     tickPrice,
		Fee:       systemShare,
		TickID:    tickID,
		Timestamp: now,
	})
	res.Events = append(res.Events, domain.Event{
		Type:      domain.EventAutoFill,
		Outcome:   outcome,
		Amount:    surplus,
		Timestamp: now,
	})
	return surplus, true
}

// searchMaxDelta busca el mayor delta tal que (a) el precio resultante no
// cruza el tick del pool y (b) el trade deja surplus no negativo.
func searchMaxDelta(b *domain.Binary, pr domain.Params, dp domain.DynamicParams, side domain.Side, dir domain.Direction, tickPrice, cap decimal.Decimal) decimal.Decimal {
	lo := decimal.Zero
	hi := cap
	best := decimal.Zero
	for i := 0; i < afSearchSteps; i++ {
		mid := lo.Add(hi).Div(domain.Two).Round(domain.USDCDecimals)
		if !mid.IsPositive() || mid.Equal(lo) {
			break
		}
		if deltaFeasible(b, pr, dp, side, dir, tickPrice, mid) {
			best = mid
			lo = mid
		} else {
			hi = mid
		}
	}
	if best.IsZero() && deltaFeasible(b, pr, dp, side, dir, tickPrice, cap) {
		best = cap
	}
	return best
}

func deltaFeasible(b *domain.Binary, pr domain.Params, dp domain.DynamicParams, side domain.Side, dir domain.Direction, tickPrice, delta decimal.Decimal) bool {
	trial := b.Clone()
	charge := tickPrice.Mul(delta)
	if dir == domain.DirectionBuy {
		amm := domain.BuyCost(b, side, delta, dp, pr)
		if charge.LessThan(amm) {
			return false
		}
		trial.AddSupply(side, delta)
		trial.Collateral = domain.QuantizeUSDC(trial.Collateral.Add(amm))
		trial.Recompute(pr.Subsidy)
		return !trial.Price(side).GreaterThan(tickPrice)
	}
	amm := domain.SellReceived(b, side, delta, dp, pr)
	if amm.LessThan(charge) {
		return false
	}
	trial.AddSupply(side, delta.Neg())
	trial.Collateral = domain.QuantizeUSDC(trial.Collateral.Sub(amm))
	trial.Recompute(pr.Subsidy)
	return !trial.Price(side).LessThan(tickPrice)
}
