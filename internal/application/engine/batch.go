package engine

// batch.go — orquestador de un batch de órdenes. Máquina de estados:
//
//	VALIDATE → INTAKE_LIMITS → CROSS_MATCH → EXECUTE_MARKETS → VALIDATE_END
//
// El motor es una transición de estado pura y monohilo:
// (estado, órdenes, params, tiempo) → (fills, estado', eventos).
// Toda la mutación ocurre sobre la copia en memoria que posee el caller.

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// Engine procesa batches de órdenes y resoluciones sobre un EngineState.
type Engine struct {
	pr domain.Params
}

// New crea un motor con los parámetros de la sesión de mercado.
func New(pr domain.Params) *Engine {
	return &Engine{pr: pr}
}

// Params expone los parámetros de la sesión.
func (e *Engine) Params() domain.Params { return e.pr }

// ApplyOrders ejecuta un batch completo. elapsed/duration alimentan la
// interpolación de parámetros dinámicos (en modo reset el scheduler pasa el
// tiempo dentro de la ronda actual). Un fallo de invariantes antes o después
// del batch es fatal: el caller no debe persistir el estado devuelto.
func (e *Engine) ApplyOrders(st *domain.EngineState, orders []domain.Order, elapsed, duration time.Duration, tickID int64, now time.Time) (*BatchResult, error) {
	// VALIDATE: precondición fatal, no error por-orden.
	if err := domain.Validate(st); err != nil {
		return nil, fmt.Errorf("engine.ApplyOrders: incoming state: %w", err)
	}

	dp := e.pr.Derive(elapsed, duration, st.ActiveCount())
	res := NewBatchResult()

	// Orden determinista: timestamp de envío, empates en orden de entrada.
	sorted := make([]domain.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt)
	})

	// INTAKE_LIMITS
	for _, o := range sorted {
		if o.Type != domain.OrderLimit {
			continue
		}
		if err := AddToPool(st, e.pr, o); err != nil {
			if errors.Is(err, domain.ErrInvariant) {
				return nil, fmt.Errorf("engine.ApplyOrders: %w", err)
			}
			res.reject(o, err, now)
			continue
		}
		res.Events = append(res.Events, domain.Event{
			Type: domain.EventOrderAccepted, OrderID: o.ID, UserID: o.UserID,
			Outcome: o.Outcome, Amount: o.Size, Timestamp: now,
		})
	}

	// CROSS_MATCH
	if e.pr.CrossMatchOn {
		for _, b := range st.Binaries {
			if !b.Active {
				continue
			}
			if err := CrossMatchBinary(res, st, e.pr, b.Index, tickID, now); err != nil {
				return nil, fmt.Errorf("engine.ApplyOrders: %w", err)
			}
		}
	}

	// EXECUTE_MARKETS
	for _, o := range sorted {
		if o.Type != domain.OrderMarket {
			continue
		}
		if err := e.executeMarket(res, st, dp, o, tickID, now); err != nil {
			if errors.Is(err, domain.ErrInvariant) {
				return nil, fmt.Errorf("engine.ApplyOrders: %w", err)
			}
			res.reject(o, err, now)
			continue
		}
		res.Events = append(res.Events, domain.Event{
			Type: domain.EventOrderFilled, OrderID: o.ID, UserID: o.UserID,
			Outcome: o.Outcome, Amount: o.Size, Timestamp: now,
		})
	}

	// VALIDATE_END: una violación aquí es un bug, no un error de orden.
	if err := domain.Validate(st); err != nil {
		return nil, fmt.Errorf("engine.ApplyOrders: outgoing state: %w", err)
	}
	slog.Debug("engine: batch applied",
		"orders", len(sorted), "fills", len(res.Fills), "events", len(res.Events), "tick", tickID)
	return res, nil
}

// executeMarket ejecuta una orden MARKET: primero contra el LOB opuesto y el
// resto contra el AMM, con propagación de impacto propio y cruzado y disparo
// de la cascada de auto-fill.
func (e *Engine) executeMarket(res *BatchResult, st *domain.EngineState, dp domain.DynamicParams, o domain.Order, tickID int64, now time.Time) error {
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

	remaining, err := MatchMarketOrder(res, st, e.pr, o, tickID)
	if err != nil {
		return err
	}
	if !remaining.IsPositive() {
		return nil
	}

	refPrice := b.Price(o.Side)

	var gross decimal.Decimal
	if o.Direction == domain.DirectionBuy {
		gross = domain.BuyCost(b, o.Side, remaining, dp, e.pr)
	} else {
		gross = domain.SellReceived(b, o.Side, remaining, dp, e.pr)
	}
	avgPrice := gross.DivRound(remaining, domain.PriceDecimals)

	// Slippage: sin aplicación parcial del tramo AMM.
	if o.MaxSlippage.IsPositive() && refPrice.IsPositive() {
		slip := avgPrice.Sub(refPrice).Div(refPrice)
		if o.Direction == domain.DirectionSell {
			slip = slip.Neg()
		}
		if slip.GreaterThan(o.MaxSlippage) {
			return domain.ErrSlippageExceeded
		}
	}

	fee := domain.QuantizeUSDC(e.pr.Fee.Mul(gross))
	fi := decimal.NewFromFloat(dp.FI)
	zeta := decimal.NewFromFloat(dp.Zeta)

	if o.Direction == domain.DirectionBuy {
		b.AddSupply(o.Side, remaining)
		b.Collateral = domain.QuantizeUSDC(b.Collateral.Add(fi.Mul(gross)))
		res.debit(o.UserID, gross.Add(fee))
		res.addTokens(o.UserID, o.Outcome, o.Side, remaining)
	} else {
		b.AddSupply(o.Side, remaining.Neg())
		b.Collateral = domain.QuantizeUSDC(b.Collateral.Sub(fi.Mul(gross)))
		res.credit(o.UserID, gross.Sub(fee))
		res.addTokens(o.UserID, o.Outcome, o.Side, remaining.Neg())
	}
	b.Seigniorage = domain.QuantizeUSDC(b.Seigniorage.Add(fee))
	b.Recompute(e.pr.Subsidy)

	if err := domain.ValidateBinary(b); err != nil {
		return fmt.Errorf("engine.executeMarket: %w", err)
	}

	seller := "amm"
	buyer := o.UserID
	if o.Direction == domain.DirectionSell {
		buyer, seller = seller, o.UserID
	}
	res.Fills = append(res.Fills, domain.Fill{
		TradeID: newTradeID(), BuyerID: buyer, SellerID: seller,
		Outcome: o.Outcome, Side: o.Side, Type: domain.FillAMM,
		Size: remaining, Price: avgPrice, Fee: fee,
		TickID: tickID, Timestamp: now,
	})

	// Cross-impact: desvía ζ·X a cada binario activo restante y dispara la
	// cascada sobre él.
	for _, j := range st.Binaries {
		if j.Index == o.Outcome || !j.Active {
			continue
		}
		diversion := domain.QuantizeUSDC(zeta.Mul(gross))
		if o.Direction == domain.DirectionSell {
			diversion = diversion.Neg()
		}
		j.Collateral = domain.QuantizeUSDC(j.Collateral.Add(diversion))
		j.Recompute(e.pr.Subsidy)

		if e.pr.AutoFillOn {
			if err := AutoFill(res, st, e.pr, dp, j.Index, diversion, tickID, now); err != nil {
				return fmt.Errorf("engine.executeMarket: autofill outcome %d: %w", j.Index, err)
			}
		}
	}
	return nil
}

// reject registra el rechazo recuperable de una orden y continúa el batch.
func (r *BatchResult) reject(o domain.Order, err error, now time.Time) {
	r.Events = append(r.Events, domain.Event{
		Type: domain.EventOrderRejected, OrderID: o.ID, UserID: o.UserID,
		Outcome: o.Outcome, Reason: err.Error(), Timestamp: now,
	})
}
