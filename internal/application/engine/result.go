package engine

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// TokenKey identifica una posición (outcome, lado).
type TokenKey struct {
	Outcome int
	Side    domain.Side
}

// BatchResult is everything one batch produces besides the mutated state:
// fills, events and the cash/token ledger deltas the storage layer applies
// to balances and positions.
type BatchResult struct {
	Fills  []domain.Fill
	Events []domain.Event

	// Cash son abonos (positivos) y cargos (negativos) en USDC por usuario.
	Cash map[string]decimal.Decimal
	// Tokens son deltas de posición por usuario y (outcome, lado).
	Tokens map[string]map[TokenKey]decimal.Decimal
}

// NewBatchResult crea un resultado vacío.
func NewBatchResult() *BatchResult {
	return &BatchResult{
		Cash:   make(map[string]decimal.Decimal),
		Tokens: make(map[string]map[TokenKey]decimal.Decimal),
	}
}

func (r *BatchResult) credit(userID string, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	r.Cash[userID] = domain.QuantizeUSDC(r.Cash[userID].Add(amount))
}

func (r *BatchResult) debit(userID string, amount decimal.Decimal) {
	r.credit(userID, amount.Neg())
}

func (r *BatchResult) addTokens(userID string, outcome int, side domain.Side, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	m, ok := r.Tokens[userID]
	if !ok {
		m = make(map[TokenKey]decimal.Decimal)
		r.Tokens[userID] = m
	}
	key := TokenKey{Outcome: outcome, Side: side}
	m[key] = domain.QuantizeUSDC(m[key].Add(delta))
}

// newTradeID genera un id opaco de trade.
func newTradeID() string {
	return uuid.NewString()
}
