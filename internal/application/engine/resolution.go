package engine

// resolution.go — eliminación de outcomes y resolución final. El punto
// delicado es la renormalización: tras redistribuir la liquidez liberada, la
// masa agregada de probabilidad YES previa a la eliminación se preserva
// ajustando la oferta virtual de los binarios supervivientes (propiedad de
// continuidad sin arbitraje, salvo cuando recorta el techo de precio o el
// tope virtual).

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// ResolutionSpec describe una ronda: outcomes a eliminar (intermedia) o el
// ganador (final).
type ResolutionSpec struct {
	IsFinal    bool
	Eliminated []int
	Winner     int
}

// ResolutionResult son los pagos por usuario, ya cuantizados, más las
// devoluciones de tokens en garantía y los eventos emitidos.
type ResolutionResult struct {
	Payouts map[string]decimal.Decimal
	// TokenRefunds devuelve a sus dueños los tokens en garantía de pools de
	// venta cuyo lado quedó sin valor al resolverse el outcome.
	TokenRefunds map[string]map[TokenKey]decimal.Decimal
	Events       []domain.Event
}

func (r *ResolutionResult) refundTokens(user string, outcome int, side domain.Side, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	m, ok := r.TokenRefunds[user]
	if !ok {
		m = make(map[TokenKey]decimal.Decimal)
		r.TokenRefunds[user] = m
	}
	key := TokenKey{Outcome: outcome, Side: side}
	m[key] = domain.QuantizeUSDC(m[key].Add(amount))
}

// Resolve ejecuta una ronda de resolución sobre el estado. positions son las
// tenencias reales por usuario (las virtuales nunca se pagan). Cualquier
// brecha de solvencia aborta la llamada: el caller no debe persistir.
func (e *Engine) Resolve(st *domain.EngineState, positions domain.Positions, spec ResolutionSpec, now time.Time) (*ResolutionResult, error) {
	if err := domain.Validate(st); err != nil {
		return nil, fmt.Errorf("engine.Resolve: incoming state: %w", err)
	}
	if !spec.IsFinal && !e.pr.MultiResOn {
		return nil, fmt.Errorf("engine.Resolve: intermediate resolution requires multi-resolution mode")
	}

	eliminated := spec.Eliminated
	if spec.IsFinal {
		// La ronda final elimina todo menos el ganador y luego lo liquida.
		eliminated = nil
		for _, b := range st.Binaries {
			if b.Active && b.Index != spec.Winner {
				eliminated = append(eliminated, b.Index)
			}
		}
		if w, err := st.Binary(spec.Winner); err != nil || !w.Active {
			return nil, fmt.Errorf("engine.Resolve: winner %d is not an active outcome", spec.Winner)
		}
	}
	if st.ActiveCount()-len(eliminated) < 1 {
		return nil, fmt.Errorf("engine.Resolve: elimination would leave no active outcomes")
	}

	res := &ResolutionResult{
		Payouts:      make(map[string]decimal.Decimal),
		TokenRefunds: make(map[string]map[TokenKey]decimal.Decimal),
	}

	// Masa de probabilidad YES antes de tocar nada.
	st.PreSumYes = st.SumActiveYesPrice()

	// Eliminaciones: pagar q_no real, liberar liquidez, desactivar.
	freed := decimal.Zero
	for _, idx := range eliminated {
		b, err := st.Binary(idx)
		if err != nil {
			return nil, fmt.Errorf("engine.Resolve: %w", err)
		}
		if !b.Active {
			return nil, fmt.Errorf("engine.Resolve: outcome %d already resolved", idx)
		}
		if b.QNo.GreaterThan(b.Liquidity) {
			return nil, fmt.Errorf("engine.Resolve: %w: outcome %d: q_no %s > L %s",
				domain.ErrInvariant, idx, b.QNo, b.Liquidity)
		}

		payNoHolders(res, positions, idx)
		refundBook(res, b, domain.SideNo)
		released := domain.QuantizeUSDC(b.Liquidity.Sub(b.QNo))
		b.Collateral = domain.QuantizeUSDC(b.Collateral.Sub(b.QNo))
		b.Recompute(e.pr.Subsidy)
		b.Active = false
		b.Book = domain.NewPoolBook()
		freed = freed.Add(released)

		res.Events = append(res.Events, domain.Event{
			Type: domain.EventElimination, Outcome: idx, Amount: released, Timestamp: now,
		})
	}

	// Redistribución equitativa de la liquidez liberada.
	survivors := activeBinaries(st)
	if len(survivors) > 0 && freed.IsPositive() {
		cut := freed.DivRound(decimal.NewFromInt(int64(len(survivors))), domain.USDCDecimals)
		for _, b := range survivors {
			b.Collateral = domain.QuantizeUSDC(b.Collateral.Add(cut))
			b.Recompute(e.pr.Subsidy)
		}
	}

	// Renormalización: conservar pre_sum_yes sobre los supervivientes.
	renormalize(st, survivors, e.pr.PMax, e.pr.VirtualCapOn)

	if spec.IsFinal {
		w := st.Binaries[spec.Winner]
		if w.QYes.GreaterThan(w.Liquidity) {
			return nil, fmt.Errorf("engine.Resolve: %w: winner %d: q_yes %s > L %s",
				domain.ErrInvariant, spec.Winner, w.QYes, w.Liquidity)
		}
		payYesHolders(res, positions, spec.Winner)
		refundBook(res, w, domain.SideYes)
		w.Collateral = domain.QuantizeUSDC(w.Collateral.Sub(w.QYes))
		w.Recompute(e.pr.Subsidy)
		w.Active = false
		w.Book = domain.NewPoolBook()
		res.Events = append(res.Events, domain.Event{
			Type: domain.EventFinalPayout, Outcome: spec.Winner, Amount: w.QYes, Timestamp: now,
		})
	}

	for user, amount := range res.Payouts {
		res.Payouts[user] = domain.QuantizeUSDC(amount)
	}
	if err := domain.Validate(st); err != nil {
		return nil, fmt.Errorf("engine.Resolve: outgoing state: %w", err)
	}
	return res, nil
}

// refundBook devuelve las participaciones en reposo de un outcome resuelto
// antes de descartar su libro. Los pools de compra reembolsan el USDC en
// garantía; los de venta pagan a 1 los tokens del lado liquidado y devuelven
// los del lado sin valor.
func refundBook(res *ResolutionResult, b *domain.Binary, paidSide domain.Side) {
	for _, pools := range []map[int]*domain.Pool{b.Book.YesBuy, b.Book.NoBuy} {
		for _, pool := range pools {
			for user, share := range pool.Shares {
				res.Payouts[user] = res.Payouts[user].Add(share)
			}
		}
	}
	for _, sp := range []struct {
		side  domain.Side
		pools map[int]*domain.Pool
	}{
		{domain.SideYes, b.Book.YesSell},
		{domain.SideNo, b.Book.NoSell},
	} {
		for _, pool := range sp.pools {
			for user, share := range pool.Shares {
				if sp.side == paidSide {
					res.Payouts[user] = res.Payouts[user].Add(share)
				} else {
					res.refundTokens(user, b.Index, sp.side, share)
				}
			}
		}
	}
}

// renormalize ajusta virtual_yes de cada superviviente para que Σ p_yes
// vuelva a pre_sum_yes. El precio objetivo se recorta a p_max: con
// supervivientes muy caros la masa previa puede pedir un precio sobre la
// unidad, y un objetivo sin recortar dejaría q_yes_eff ≥ L. Con el tope
// virtual activo, virtual_yes tampoco baja de cero. En ambos recortes la
// continuidad deja de ser exacta.
func renormalize(st *domain.EngineState, survivors []*domain.Binary, pMax decimal.Decimal, capVirtual bool) {
	postSum := decimal.Zero
	prices := make(map[int]decimal.Decimal, len(survivors))
	for _, b := range survivors {
		p := b.Price(domain.SideYes)
		prices[b.Index] = p
		postSum = postSum.Add(p)
	}
	if !postSum.IsPositive() {
		return
	}
	for _, b := range survivors {
		target := prices[b.Index].Div(postSum).Mul(st.PreSumYes)
		if target.GreaterThan(pMax) {
			target = pMax
		}
		virtual := domain.QuantizeUSDC(target.Mul(b.Liquidity).Sub(b.QYes))
		if capVirtual && virtual.IsNegative() {
			virtual = decimal.Zero
		}
		b.VirtualYes = virtual
	}
}

// payNoHolders abona a cada tenedor su q_no real del outcome eliminado.
func payNoHolders(res *ResolutionResult, positions domain.Positions, outcome int) {
	for _, user := range sortedUsers(positions) {
		h, ok := positions[user][outcome]
		if !ok || !h.No.IsPositive() {
			continue
		}
		res.Payouts[user] = res.Payouts[user].Add(h.No)
	}
}

// payYesHolders abona a cada tenedor su q_yes real del outcome ganador.
func payYesHolders(res *ResolutionResult, positions domain.Positions, outcome int) {
	for _, user := range sortedUsers(positions) {
		h, ok := positions[user][outcome]
		if !ok || !h.Yes.IsPositive() {
			continue
		}
		res.Payouts[user] = res.Payouts[user].Add(h.Yes)
	}
}

func activeBinaries(st *domain.EngineState) []*domain.Binary {
	var out []*domain.Binary
	for _, b := range st.Binaries {
		if b.Active {
			out = append(out, b)
		}
	}
	return out
}

func sortedUsers(positions domain.Positions) []string {
	users := make([]string, 0, len(positions))
	for u := range positions {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
