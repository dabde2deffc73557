package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distingue órdenes de mercado y limitadas.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// Order is the ephemeral input to one batch. LIMIT orders that are not fully
// matched become pool contributions; nothing of an Order survives the batch.
type Order struct {
	ID          string
	UserID      string
	Outcome     int
	Side        Side
	Direction   Direction
	Type        OrderType
	Size        decimal.Decimal // tokens
	LimitPrice  decimal.Decimal // LIMIT only
	MaxSlippage decimal.Decimal // MARKET only; zero = no bound
	AutoFillIn  bool
	SubmittedAt time.Time
}

// FillType etiqueta el origen de un fill.
type FillType string

const (
	FillCrossMatch FillType = "CROSS_MATCH"
	FillLOBMatch   FillType = "LOB_MATCH"
	FillAMM        FillType = "AMM"
	FillAutoFill   FillType = "AUTO_FILL"
)

// Fill is one executed trade. CROSS_MATCH fills carry two prices
// (PriceYes/PriceNo); every other type carries Price only.
type Fill struct {
	TradeID   string
	BuyerID   string
	SellerID  string
	Outcome   int
	Side      Side
	Type      FillType
	Size      decimal.Decimal
	Price     decimal.Decimal
	PriceYes  decimal.Decimal // CROSS_MATCH only
	PriceNo   decimal.Decimal // CROSS_MATCH only
	Fee       decimal.Decimal
	TickID    int64
	Timestamp time.Time
}

// EventType is the taxonomy broadcast to external consumers.
type EventType string

const (
	EventOrderAccepted   EventType = "ORDER_ACCEPTED"
	EventOrderRejected   EventType = "ORDER_REJECTED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventAutoFill        EventType = "AUTO_FILL"
	EventElimination     EventType = "ELIMINATION"
	EventFinalPayout     EventType = "FINAL_PAYOUT"
	EventValidationError EventType = "VALIDATION_ERROR"
)

// Event es una notificación emitida por el motor durante un batch o resolución.
type Event struct {
	Type      EventType
	OrderID   string
	UserID    string
	Outcome   int
	Reason    string          // ORDER_REJECTED / VALIDATION_ERROR
	Amount    decimal.Decimal // fill size, surplus or payout depending on type
	Timestamp time.Time
}

// Per-order rejection reasons. Recoverable: the batch continues.
var (
	ErrInvalidSize       = errors.New("invalid order size")
	ErrInvalidPrice      = errors.New("limit price out of bounds")
	ErrOutcomeInactive   = errors.New("outcome is not active")
	ErrSlippageExceeded  = errors.New("max slippage exceeded")
	ErrInsufficientFunds = errors.New("insufficient balance or tokens")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrNotOrderOwner     = errors.New("order does not belong to requester")
)
