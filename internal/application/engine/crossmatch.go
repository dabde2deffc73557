package engine

// crossmatch.go — matching directo entre pools YES-buy y NO-sell de un mismo
// outcome. Un par (T, S) es admisible cuando la entrada combinada de
// colateral cubre la obligación de pago más la fee:
//
//	T + S ≥ 1 + f_match·(T+S)/2

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// CrossMatchBinary empareja el pool YES-buy de mayor precio contra los pools
// NO-sell cuyo tick sea al menos el complemento del precio. Una sola pasada:
// cada pool YES toma como mucho un match por llamada.
//
// Por cada match: fee = f_match·fill·(T+S)/2, V += (T+S)·fill − fee, y tanto
// q_yes como q_no suben fill. Los contribuidores YES reciben tokens YES, los
// NO-sell cobran S por token en USDC. Revierte el par completo si la
// validación posterior falla.
func CrossMatchBinary(res *BatchResult, st *domain.EngineState, pr domain.Params, outcome int, tickID int64, now time.Time) error {
	b, err := st.Binary(outcome)
	if err != nil {
		return err
	}
	if !b.Active {
		return nil
	}

	yesKeys := sortedPoolKeys(b.Book.YesBuy)
	// Mayor precio primero.
	sort.Slice(yesKeys, func(i, j int) bool {
		ti, tj := domain.KeyTick(yesKeys[i]), domain.KeyTick(yesKeys[j])
		if ti != tj {
			return ti > tj
		}
		return yesKeys[i] < yesKeys[j]
	})

	for _, yesKey := range yesKeys {
		yesPool, ok := b.Book.YesBuy[yesKey]
		if !ok || !yesPool.Volume.IsPositive() {
			continue
		}
		T := pr.PriceFromTick(yesKey)

		noKey, found := bestAdmissibleNoSell(b, pr, T)
		if !found {
			continue
		}
		noPool := b.Book.NoSell[noKey]
		S := pr.PriceFromTick(noKey)

		// fill = min(volumen YES-buy ÷ T, volumen NO-sell).
		fill := decimal.Min(yesPool.Volume.DivRound(T, domain.USDCDecimals), noPool.Volume)
		if !fill.IsPositive() {
			continue
		}

		checkpoint := b.Clone()

		sum := T.Add(S)
		fee := domain.QuantizeUSDC(pr.FeeMatch.Mul(fill).Mul(sum).Div(domain.Two))
		inflow := domain.QuantizeUSDC(sum.Mul(fill).Sub(fee))

		b.Collateral = domain.QuantizeUSDC(b.Collateral.Add(inflow))
		b.Seigniorage = domain.QuantizeUSDC(b.Seigniorage.Add(fee))
		b.Recompute(pr.Subsidy)
		b.AddSupply(domain.SideYes, fill)
		b.AddSupply(domain.SideNo, fill)

		yesCost := domain.QuantizeUSDC(T.Mul(fill))
		yesTokens := reduceProRata(b.Book.YesBuy, yesKey, yesCost, fill)
		noProceeds := domain.QuantizeUSDC(S.Mul(fill))
		noPayouts := reduceProRata(b.Book.NoSell, noKey, fill, noProceeds)

		if err := domain.ValidateBinary(b); err != nil {
			// Revertir exactamente este par: el ledger aún no se ha tocado.
			st.Binaries[outcome] = checkpoint
			return fmt.Errorf("engine.CrossMatchBinary: outcome %d: %w", outcome, err)
		}
		for user, tokens := range yesTokens {
			res.addTokens(user, outcome, domain.SideYes, tokens)
		}
		for user, cash := range noPayouts {
			res.credit(user, cash)
		}

		res.Fills = append(res.Fills, domain.Fill{
			TradeID:   newTradeID(),
			BuyerID:   poolParty(outcome, domain.SideYes, domain.DirectionBuy, yesKey),
			SellerID:  poolParty(outcome, domain.SideNo, domain.DirectionSell, noKey),
			Outcome:   outcome,
			Side:      domain.SideYes,
			Type:      domain.FillCrossMatch,
			Size:      fill,
			PriceYes:  T,
			PriceNo:   S,
			Fee:       fee,
			TickID:    tickID,
			Timestamp: now,
		})
	}
	return nil
}

// bestAdmissibleNoSell busca el pool NO-sell de mayor precio que forme un par
// admisible con T. Devuelve false si ninguno cumple la condición.
func bestAdmissibleNoSell(b *domain.Binary, pr domain.Params, T decimal.Decimal) (int, bool) {
	keys := sortedPoolKeys(b.Book.NoSell)
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := domain.KeyTick(keys[i]), domain.KeyTick(keys[j])
		if ti != tj {
			return ti > tj
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		pool := b.Book.NoSell[key]
		if !pool.Volume.IsPositive() {
			continue
		}
		S := pr.PriceFromTick(key)
		if CrossMatchAdmissible(T, S, pr.FeeMatch) {
			return key, true
		}
	}
	return 0, false
}

// CrossMatchAdmissible reports whether a YES-buy at T and a NO-sell at S can
// cross: T + S ≥ 1 + f_match·(T+S)/2.
func CrossMatchAdmissible(T, S, feeMatch decimal.Decimal) bool {
	sum := T.Add(S)
	threshold := domain.One.Add(feeMatch.Mul(sum).Div(domain.Two))
	return sum.GreaterThanOrEqual(threshold)
}
