package scheduler

// scheduler.go — bucle de ticks y rondas de resolución programadas. Cada
// tick es lectura-mutación-escritura del estado completo bajo lease, por lo
// que el mutex compartido garantiza la semántica single-writer: nunca hay
// dos ticks concurrentes ni una resolución contra un tick en vuelo.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/quadmarket/internal/application/engine"
	"github.com/alejandrodnm/quadmarket/internal/domain"
	"github.com/alejandrodnm/quadmarket/internal/ports"
)

// leaseTTL cubre con holgura el peor batch esperado.
const leaseTTL = 60 * time.Second

// Round es una ronda de resolución programada desde el arranque de la sesión.
type Round struct {
	Offset    time.Duration
	Freeze    time.Duration
	Eliminate []int
	Final     bool
	Winner    int
}

// Scheduler dispara batches a cadencia fija y resoluciones en sus offsets.
type Scheduler struct {
	store    ports.Storage
	notifier ports.Notifier
	eng      *engine.Engine

	interval time.Duration
	rounds   []Round

	mu          *sync.Mutex // compartido con session.Service
	start       time.Time
	roundStart  time.Time
	frozenUntil time.Time
	nextRound   int
	tickID      int64
}

// New crea el scheduler. mu debe ser el mismo mutex que usa el servicio de
// sesión para que envíos y cancelaciones queden serializados con los ticks.
func New(store ports.Storage, notifier ports.Notifier, eng *engine.Engine, interval time.Duration, rounds []Round, mu *sync.Mutex) *Scheduler {
	sorted := make([]Round, len(rounds))
	copy(sorted, rounds)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	return &Scheduler{
		store:    store,
		notifier: notifier,
		eng:      eng,
		interval: interval,
		rounds:   sorted,
		mu:       mu,
	}
}

// Run ejecuta el bucle hasta que el contexto se cancele.
func (s *Scheduler) Run(ctx context.Context) error {
	now := time.Now().UTC()
	s.start = now
	s.roundStart = now

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", s.interval, "rounds", len(s.rounds))
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			now = time.Now().UTC()
			if err := s.maybeResolve(ctx, now); err != nil {
				return err
			}
			if now.Before(s.frozenUntil) {
				slog.Debug("scheduler: market frozen, skipping tick", "until", s.frozenUntil)
				continue
			}
			if err := s.RunTick(ctx, now); err != nil {
				slog.Error("scheduler: tick failed", "err", err, "tick", s.tickID)
			}
		}
	}
}

// RunTick ejecuta un batch: toma el lease, carga estado y órdenes abiertas,
// aplica el batch en memoria y hace commit atómico. Un error fatal del motor
// descarta el estado mutado sin persistir nada.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start.IsZero() {
		s.start = now
		s.roundStart = now
	}
	s.tickID++

	lease, err := s.store.AcquireLease(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("scheduler.RunTick: %w", err)
	}
	defer s.store.ReleaseLease(ctx, lease)

	st, err := s.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("scheduler.RunTick: %w", err)
	}
	orders, err := s.store.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("scheduler.RunTick: %w", err)
	}

	elapsed, duration := s.clock(now)
	res, err := s.eng.ApplyOrders(st, orders, elapsed, duration, s.tickID, now)
	if err != nil {
		// Estado parcialmente mutado: no se persiste.
		return fmt.Errorf("scheduler.RunTick: %w", err)
	}

	if err := s.persistBatch(ctx, lease, st, orders, res); err != nil {
		return fmt.Errorf("scheduler.RunTick: %w", err)
	}

	if err := s.notifier.NotifyTick(ctx, s.tickID, st, res.Fills, res.Events); err != nil {
		slog.Warn("scheduler: notifier error", "err", err)
	}
	return nil
}

// maybeResolve dispara las rondas de resolución cuyo offset ya venció.
func (s *Scheduler) maybeResolve(ctx context.Context, now time.Time) error {
	for s.nextRound < len(s.rounds) {
		round := s.rounds[s.nextRound]
		if now.Sub(s.start) < round.Offset {
			return nil
		}
		if err := s.runResolution(ctx, round, now); err != nil {
			if errors.Is(err, domain.ErrInvariant) {
				return err
			}
			slog.Error("scheduler: resolution failed", "err", err, "round", s.nextRound)
		}
		s.nextRound++
		s.roundStart = now
		if round.Freeze > 0 {
			s.frozenUntil = now.Add(round.Freeze)
		}
	}
	return nil
}

// runResolution ejecuta una ronda bajo el mismo lease/mutex que los ticks.
func (s *Scheduler) runResolution(ctx context.Context, round Round, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, err := s.store.AcquireLease(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("scheduler.runResolution: %w", err)
	}
	defer s.store.ReleaseLease(ctx, lease)

	st, err := s.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("scheduler.runResolution: %w", err)
	}
	positions, err := s.store.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("scheduler.runResolution: %w", err)
	}

	spec := engine.ResolutionSpec{IsFinal: round.Final, Eliminated: round.Eliminate, Winner: round.Winner}
	res, err := s.eng.Resolve(st, positions, spec, now)
	if err != nil {
		return fmt.Errorf("scheduler.runResolution: %w", err)
	}

	for user, amount := range res.Payouts {
		if err := s.store.AdjustBalance(ctx, user, amount); err != nil {
			return fmt.Errorf("scheduler.runResolution: payout %s: %w", user, err)
		}
	}
	for user, tokens := range res.TokenRefunds {
		for key, amount := range tokens {
			if err := s.store.AdjustPosition(ctx, user, key.Outcome, key.Side, amount); err != nil {
				return fmt.Errorf("scheduler.runResolution: refund %s: %w", user, err)
			}
		}
	}
	// Las tenencias de los outcomes resueltos quedan saldadas.
	for _, ev := range res.Events {
		side := domain.SideNo
		if ev.Type == domain.EventFinalPayout {
			side = domain.SideYes
		}
		for user, perOutcome := range positions {
			h, ok := perOutcome[ev.Outcome]
			if !ok {
				continue
			}
			amount := h.No
			if side == domain.SideYes {
				amount = h.Yes
			}
			if amount.IsPositive() {
				if err := s.store.AdjustPosition(ctx, user, ev.Outcome, side, amount.Neg()); err != nil {
					return fmt.Errorf("scheduler.runResolution: settle %s: %w", user, err)
				}
			}
		}
	}

	if err := s.store.CommitState(ctx, lease, st); err != nil {
		return fmt.Errorf("scheduler.runResolution: %w", err)
	}
	if err := s.notifier.NotifyResolution(ctx, st, res.Events); err != nil {
		slog.Warn("scheduler: notifier error", "err", err)
	}
	slog.Info("scheduler: resolution applied",
		"final", round.Final, "eliminated", round.Eliminate, "payouts", len(res.Payouts))
	return nil
}

// persistBatch aplica el resultado de un batch: fills, ledger de cash y
// tokens, órdenes consumidas y el commit del estado.
func (s *Scheduler) persistBatch(ctx context.Context, lease ports.Lease, st *domain.EngineState, orders []domain.Order, res *engine.BatchResult) error {
	if err := s.store.SaveFills(ctx, res.Fills); err != nil {
		return err
	}
	// Liberar la garantía de las órdenes MARKET consumidas: el ledger del
	// batch ya carga el coste real ejecutado.
	pr := s.eng.Params()
	for _, o := range orders {
		if o.Type != domain.OrderMarket {
			continue
		}
		if o.Direction == domain.DirectionBuy {
			if err := s.store.AdjustBalance(ctx, o.UserID, pr.MarketBuyBound(o.Size)); err != nil {
				return err
			}
		} else if err := s.store.AdjustPosition(ctx, o.UserID, o.Outcome, o.Side, o.Size); err != nil {
			return err
		}
	}
	for user, delta := range res.Cash {
		if err := s.store.AdjustBalance(ctx, user, delta); err != nil {
			return err
		}
	}
	for user, tokens := range res.Tokens {
		for key, delta := range tokens {
			if err := s.store.AdjustPosition(ctx, user, key.Outcome, key.Side, delta); err != nil {
				return err
			}
		}
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	if err := s.store.MarkOrdersConsumed(ctx, ids); err != nil {
		return err
	}
	return s.store.CommitState(ctx, lease, st)
}

// clock devuelve el tiempo transcurrido y la duración de referencia para la
// interpolación dinámica según el modo configurado.
func (s *Scheduler) clock(now time.Time) (elapsed, duration time.Duration) {
	pr := s.eng.Params()
	if pr.Mode == domain.InterpReset && pr.MultiResOn {
		return now.Sub(s.roundStart), s.roundLength()
	}
	return now.Sub(s.start), pr.Duration
}

// roundLength es la longitud de la ronda en curso según el calendario.
func (s *Scheduler) roundLength() time.Duration {
	prev := time.Duration(0)
	if s.nextRound > 0 {
		prev = s.rounds[s.nextRound-1].Offset
	}
	if s.nextRound < len(s.rounds) {
		return s.rounds[s.nextRound].Offset - prev
	}
	if d := s.eng.Params().Duration - prev; d > 0 {
		return d
	}
	return s.eng.Params().Duration
}

// ApplyLedger expone la aplicación del ledger para usos fuera del bucle
// (tests de integración y herramientas).
func ApplyLedger(ctx context.Context, store ports.Storage, res *engine.BatchResult) error {
	for user, delta := range res.Cash {
		if err := store.AdjustBalance(ctx, user, delta); err != nil {
			return err
		}
	}
	for user, tokens := range res.Tokens {
		for key, delta := range tokens {
			if err := store.AdjustPosition(ctx, user, key.Outcome, key.Side, delta); err != nil {
				return err
			}
		}
	}
	return nil
}
