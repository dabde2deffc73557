package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// Lease es el arrendamiento exclusivo sobre el estado persistido. El commit
// se rechaza si el token ya no es el vigente.
type Lease struct {
	Token     string
	ExpiresAt time.Time
}

// Storage persiste el estado del motor y el resto de registros de la sesión.
// El estado se lee y escribe como una unidad: no hay updates parciales.
type Storage interface {
	// AcquireLease toma el lease exclusivo del estado, o falla si otro
	// escritor lo mantiene vivo.
	AcquireLease(ctx context.Context, ttl time.Duration) (Lease, error)
	// ReleaseLease libera el lease si el token sigue vigente.
	ReleaseLease(ctx context.Context, lease Lease) error

	// InitState siembra el estado inicial si no existe todavía.
	InitState(ctx context.Context, st *domain.EngineState) error
	// LoadState devuelve el estado completo del motor.
	LoadState(ctx context.Context) (*domain.EngineState, error)
	// CommitState escribe el estado completo; rechaza si el lease se perdió.
	CommitState(ctx context.Context, lease Lease, st *domain.EngineState) error

	SaveOrder(ctx context.Context, o domain.Order) error
	GetOpenOrders(ctx context.Context) ([]domain.Order, error)
	MarkOrdersConsumed(ctx context.Context, ids []string) error

	SaveFills(ctx context.Context, fills []domain.Fill) error

	// EnsureBalance crea la fila de balance con el saldo inicial si el
	// usuario no existía todavía.
	EnsureBalance(ctx context.Context, userID string, starting decimal.Decimal) error
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error
	GetPositions(ctx context.Context) (domain.Positions, error)
	AdjustPosition(ctx context.Context, userID string, outcome int, side domain.Side, delta decimal.Decimal) error

	Close() error
}
