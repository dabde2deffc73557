package engine

// lob.go — bookkeeping de los pools de liquidez limitada y matching de
// órdenes de mercado contra ellos.
//
// Convención de denominación (invariante del modelo de datos): el volumen de
// un pool buy está en USDC, el de un pool sell en tokens. Las shares siguen
// la misma denominación que el volumen.

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// AddToPool inserta la contribución de una orden LIMIT en su pool.
// Valida que el outcome esté activo y el tick dentro de [p_min, p_max];
// revalida la semántica del pool y revierte atómicamente si falla.
func AddToPool(st *domain.EngineState, pr domain.Params, o domain.Order) error {
	b, err := st.Binary(o.Outcome)
	if err != nil {
		return err
	}
	if !b.Active {
		return domain.ErrOutcomeInactive
	}
	if !o.Size.IsPositive() {
		return domain.ErrInvalidSize
	}
	tick, ok := pr.TickFromPrice(o.LimitPrice)
	if !ok {
		return domain.ErrInvalidPrice
	}

	key := domain.PoolKey(tick, o.AutoFillIn)
	pools := b.Book.Pools(o.Side, o.Direction)
	pool, exists := pools[key]
	if !exists {
		pool = domain.NewPool()
		pools[key] = pool
	}
	checkpoint := pool.Clone()

	// Buy: la contribución entra en USDC (precio × tamaño).
	// Sell: entra en tokens.
	contribution := o.Size
	if o.Direction == domain.DirectionBuy {
		contribution = domain.QuantizeUSDC(o.Size.Mul(o.LimitPrice))
	}
	pool.Volume = domain.QuantizeUSDC(pool.Volume.Add(contribution))
	pool.Shares[o.UserID] = domain.QuantizeUSDC(pool.Shares[o.UserID].Add(contribution))

	if err := domain.ValidateBinary(b); err != nil {
		if exists {
			pools[key] = checkpoint
		} else {
			delete(pools, key)
		}
		return fmt.Errorf("engine.AddToPool: %w", err)
	}
	return nil
}

// CancelFromPool retira la participación de un usuario de un pool y devuelve
// el importe a reembolsar (USDC para buy, tokens para sell). El abono al
// balance es responsabilidad del caller.
func CancelFromPool(st *domain.EngineState, outcome int, side domain.Side, dir domain.Direction, key int, userID string) (decimal.Decimal, error) {
	b, err := st.Binary(outcome)
	if err != nil {
		return decimal.Zero, err
	}
	pools := b.Book.Pools(side, dir)
	pool, ok := pools[key]
	if !ok {
		return decimal.Zero, domain.ErrUnknownOrder
	}
	share, ok := pool.Shares[userID]
	if !ok || !share.IsPositive() {
		return decimal.Zero, domain.ErrNotOrderOwner
	}

	delete(pool.Shares, userID)
	pool.Volume = domain.QuantizeUSDC(pool.Volume.Sub(share))
	if !pool.Volume.IsPositive() || len(pool.Shares) == 0 {
		delete(pools, key)
	}
	return share, nil
}

// MatchMarketOrder llena una orden MARKET contra los pools opuestos en orden
// de mejor precio (tick ascendente para una compra, descendente para una
// venta), agotando cada pool antes de pasar al siguiente. Cada fill se
// ejecuta exactamente al precio publicado del pool. Devuelve el resto sin
// llenar para su ejecución contra el AMM.
//
// Un fill LOB transfiere tokens entre participantes: la oferta total del
// binario no cambia; las posiciones y abonos van en el ledger del batch.
func MatchMarketOrder(res *BatchResult, st *domain.EngineState, pr domain.Params, o domain.Order, tickID int64) (decimal.Decimal, error) {
	b, err := st.Binary(o.Outcome)
	if err != nil {
		return decimal.Zero, err
	}

	opposite := domain.DirectionSell
	if o.Direction == domain.DirectionSell {
		opposite = domain.DirectionBuy
	}
	pools := b.Book.Pools(o.Side, opposite)

	// Mejor precio primero: asks baratos para el comprador,
	// bids altos para el vendedor.
	keys := sortedPoolKeys(pools)
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := domain.KeyTick(keys[i]), domain.KeyTick(keys[j])
		if o.Direction == domain.DirectionBuy {
			if ti != tj {
				return ti < tj
			}
		} else if ti != tj {
			return ti > tj
		}
		return keys[i] < keys[j]
	})

	remaining := o.Size
	for _, key := range keys {
		if !remaining.IsPositive() {
			break
		}
		pool := pools[key]
		price := pr.PriceFromTick(key)

		var fillTokens decimal.Decimal
		if o.Direction == domain.DirectionBuy {
			// Pool sell: volumen en tokens.
			fillTokens = decimal.Min(remaining, pool.Volume)
		} else {
			// Pool buy: volumen en USDC → capacidad en tokens = volumen/precio.
			capacity := pool.Volume.DivRound(price, domain.USDCDecimals)
			fillTokens = decimal.Min(remaining, capacity)
		}
		if !fillTokens.IsPositive() {
			continue
		}
		notional := domain.QuantizeUSDC(fillTokens.Mul(price))

		if o.Direction == domain.DirectionBuy {
			// El comprador paga el notional; los contribuidores cobran
			// pro-rata y entregan sus tokens en depósito.
			payouts := reduceProRata(pools, key, fillTokens, notional)
			for user, cash := range payouts {
				res.credit(user, cash)
			}
			res.debit(o.UserID, notional)
			res.addTokens(o.UserID, o.Outcome, o.Side, fillTokens)
		} else {
			// El vendedor cobra el notional; los contribuidores reciben
			// los tokens pro-rata según su parte del volumen USDC.
			buyers := reduceProRata(pools, key, notional, fillTokens)
			for user, tokens := range buyers {
				res.addTokens(user, o.Outcome, o.Side, tokens)
			}
			res.credit(o.UserID, notional)
			res.addTokens(o.UserID, o.Outcome, o.Side, fillTokens.Neg())
		}

		buyer, seller := o.UserID, poolParty(o.Outcome, o.Side, opposite, key)
		if o.Direction == domain.DirectionSell {
			buyer, seller = seller, buyer
		}
		res.Fills = append(res.Fills, domain.Fill{
			TradeID:   newTradeID(),
			BuyerID:   buyer,
			SellerID:  seller,
			Outcome:   o.Outcome,
			Side:      o.Side,
			Type:      domain.FillLOBMatch,
			Size:      fillTokens,
			Price:     price,
			Fee:       decimal.Zero,
			TickID:    tickID,
			Timestamp: o.SubmittedAt,
		})
		remaining = remaining.Sub(fillTokens)
	}

	if err := domain.ValidateBinary(b); err != nil {
		return decimal.Zero, fmt.Errorf("engine.MatchMarketOrder: %w", err)
	}
	return remaining, nil
}

// reduceProRata resta reduceBy del volumen del pool y reparte distribute
// entre los contribuidores en proporción a sus shares. El último
// contribuidor (orden determinista) absorbe el residuo de cuantización.
// Elimina el pool si queda vacío.
func reduceProRata(pools map[int]*domain.Pool, key int, reduceBy, distribute decimal.Decimal) map[string]decimal.Decimal {
	pool := pools[key]
	users := make([]string, 0, len(pool.Shares))
	for u := range pool.Shares {
		users = append(users, u)
	}
	sort.Strings(users)

	out := make(map[string]decimal.Decimal, len(users))
	frac := reduceBy.DivRound(pool.Volume, 12)
	assignedCut := decimal.Zero
	assignedOut := decimal.Zero
	for i, u := range users {
		share := pool.Shares[u]
		var cut, give decimal.Decimal
		if i == len(users)-1 {
			cut = reduceBy.Sub(assignedCut)
			give = distribute.Sub(assignedOut)
		} else {
			cut = domain.QuantizeUSDC(share.Mul(frac))
			give = domain.QuantizeUSDC(distribute.Mul(share).DivRound(pool.Volume, domain.USDCDecimals))
		}
		if cut.GreaterThan(share) {
			cut = share
		}
		out[u] = give
		newShare := domain.QuantizeUSDC(share.Sub(cut))
		if newShare.IsPositive() {
			pool.Shares[u] = newShare
		} else {
			delete(pool.Shares, u)
		}
		assignedCut = assignedCut.Add(cut)
		assignedOut = assignedOut.Add(give)
	}

	pool.Volume = domain.QuantizeUSDC(pool.Volume.Sub(reduceBy))
	if !pool.Volume.IsPositive() || len(pool.Shares) == 0 {
		delete(pools, key)
	}
	return out
}

// sortedPoolKeys devuelve las claves de un mapa de pools en orden estable.
func sortedPoolKeys(pools map[int]*domain.Pool) []int {
	keys := make([]int, 0, len(pools))
	for k := range pools {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// poolParty identifica un pool como contraparte en un fill.
func poolParty(outcome int, side domain.Side, dir domain.Direction, key int) string {
	return fmt.Sprintf("pool:%d:%s:%s:%d", outcome, side, dir, key)
}
