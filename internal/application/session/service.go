package session

// service.go — interfaz de envío y cancelación de órdenes. Las mutaciones de
// balances y tenencias se serializan con el tick mediante el mutex
// compartido: un cancel nunca corre contra un batch que pueda estar
// casando el mismo pool.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/quadmarket/internal/application/engine"
	"github.com/alejandrodnm/quadmarket/internal/domain"
	"github.com/alejandrodnm/quadmarket/internal/ports"
)

// leaseTTL acota cuánto puede retener el estado una cancelación.
const leaseTTL = 30 * time.Second

// Config son los parámetros de plataforma de la sesión.
type Config struct {
	StartingBalance decimal.Decimal
	GasFee          decimal.Decimal
	SubmitRate      rate.Limit
	SubmitBurst     int
}

// Service gestiona el ciclo de vida de las órdenes fuera del motor:
// admisión, depósito en garantía, gas y cancelaciones.
type Service struct {
	store   ports.Storage
	eng     *engine.Engine
	cfg     Config
	limiter *rate.Limiter
	mu      *sync.Mutex // compartido con el scheduler: single-writer
}

// New crea el servicio de sesión. mu debe ser el mismo mutex que usa el
// scheduler de ticks.
func New(store ports.Storage, eng *engine.Engine, cfg Config, mu *sync.Mutex) *Service {
	return &Service{
		store:   store,
		eng:     eng,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		mu:      mu,
	}
}

// SubmitRequest es una orden entrante por la interfaz externa.
type SubmitRequest struct {
	UserID      string
	Outcome     int
	Side        domain.Side
	Direction   domain.Direction
	Type        domain.OrderType
	Size        decimal.Decimal
	LimitPrice  decimal.Decimal
	MaxSlippage decimal.Decimal
	AutoFillIn  bool
}

// Submit valida y encola una orden para el siguiente batch. Cobra el gas
// fee y deja en garantía el colateral de las órdenes LIMIT (USDC para buy,
// tokens para sell). Devuelve el id de la orden.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !s.limiter.Allow() {
		return "", fmt.Errorf("session.Submit: rate limit exceeded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.Size.IsPositive() {
		return "", domain.ErrInvalidSize
	}
	pr := s.eng.Params()
	if req.Type == domain.OrderLimit {
		if _, ok := pr.TickFromPrice(req.LimitPrice); !ok {
			return "", domain.ErrInvalidPrice
		}
	}

	if err := s.ensureUser(ctx, req.UserID); err != nil {
		return "", err
	}
	balance, err := s.store.GetBalance(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("session.Submit: %w", err)
	}

	// Gas + garantía según tipo y dirección.
	charge := s.cfg.GasFee
	if req.Direction == domain.DirectionBuy {
		if req.Type == domain.OrderLimit {
			charge = charge.Add(req.Size.Mul(req.LimitPrice))
		} else {
			charge = charge.Add(pr.MarketBuyBound(req.Size))
		}
	}
	if balance.LessThan(charge) {
		return "", domain.ErrInsufficientFunds
	}
	if req.Direction == domain.DirectionSell {
		if err := s.checkTokens(ctx, req); err != nil {
			return "", err
		}
	}

	order := domain.Order{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Outcome:     req.Outcome,
		Side:        req.Side,
		Direction:   req.Direction,
		Type:        req.Type,
		Size:        domain.QuantizeUSDC(req.Size),
		LimitPrice:  domain.QuantizePrice(req.LimitPrice),
		MaxSlippage: req.MaxSlippage,
		AutoFillIn:  req.AutoFillIn,
		SubmittedAt: time.Now().UTC(),
	}

	if err := s.store.AdjustBalance(ctx, req.UserID, s.cfg.GasFee.Neg()); err != nil {
		return "", fmt.Errorf("session.Submit: gas: %w", err)
	}
	if err := s.escrow(ctx, order); err != nil {
		return "", err
	}
	if err := s.store.SaveOrder(ctx, order); err != nil {
		return "", fmt.Errorf("session.Submit: %w", err)
	}

	slog.Debug("session: order submitted",
		"order", order.ID, "user", order.UserID, "type", order.Type,
		"outcome", order.Outcome, "side", order.Side, "direction", order.Direction,
		"size", order.Size)
	return order.ID, nil
}

// Cancel retira la participación del usuario del pool donde reposa su orden
// LIMIT y devuelve el importe reembolsado. Requiere el lease del estado:
// excluye cualquier tick en vuelo sobre el mismo pool.
func (s *Service) Cancel(ctx context.Context, outcome int, side domain.Side, dir domain.Direction, tick int, optedIn bool, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, err := s.store.AcquireLease(ctx, leaseTTL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("session.Cancel: %w", err)
	}
	defer s.store.ReleaseLease(ctx, lease)

	st, err := s.store.LoadState(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("session.Cancel: %w", err)
	}

	key := domain.PoolKey(tick, optedIn)
	refund, err := engine.CancelFromPool(st, outcome, side, dir, key, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("session.Cancel: %w", err)
	}
	if err := s.store.CommitState(ctx, lease, st); err != nil {
		return decimal.Zero, fmt.Errorf("session.Cancel: %w", err)
	}

	// Devolver la garantía: USDC para buy, tokens para sell.
	if dir == domain.DirectionBuy {
		err = s.store.AdjustBalance(ctx, userID, refund)
	} else {
		err = s.store.AdjustPosition(ctx, userID, outcome, side, refund)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("session.Cancel: refund: %w", err)
	}

	slog.Info("session: order cancelled",
		"user", userID, "outcome", outcome, "side", side, "direction", dir,
		"tick", tick, "refund", refund)
	return refund, nil
}

// escrow deja en garantía el colateral de una orden: USDC al precio LIMIT o
// a la cota de mercado para las compras, tokens para las ventas. El scheduler
// libera la garantía de las órdenes MARKET al consumir el batch; la de las
// LIMIT vive en su pool hasta casarse o cancelarse.
func (s *Service) escrow(ctx context.Context, o domain.Order) error {
	if o.Direction == domain.DirectionBuy {
		cost := domain.QuantizeUSDC(o.Size.Mul(o.LimitPrice))
		if o.Type == domain.OrderMarket {
			cost = s.eng.Params().MarketBuyBound(o.Size)
		}
		if err := s.store.AdjustBalance(ctx, o.UserID, cost.Neg()); err != nil {
			return fmt.Errorf("session.escrow: %w", err)
		}
		return nil
	}
	if err := s.store.AdjustPosition(ctx, o.UserID, o.Outcome, o.Side, o.Size.Neg()); err != nil {
		return fmt.Errorf("session.escrow: %w", err)
	}
	return nil
}

// checkTokens comprueba que el vendedor tiene los tokens que ofrece.
func (s *Service) checkTokens(ctx context.Context, req SubmitRequest) error {
	positions, err := s.store.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("session.checkTokens: %w", err)
	}
	h := positions[req.UserID][req.Outcome]
	held := h.Yes
	if req.Side == domain.SideNo {
		held = h.No
	}
	if held.LessThan(req.Size) {
		return domain.ErrInsufficientFunds
	}
	return nil
}

// ensureUser acredita el balance inicial a los usuarios nuevos.
func (s *Service) ensureUser(ctx context.Context, userID string) error {
	if err := s.store.EnsureBalance(ctx, userID, s.cfg.StartingBalance); err != nil {
		return fmt.Errorf("session.ensureUser: %w", err)
	}
	return nil
}
