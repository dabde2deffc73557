package ports

import (
	"context"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// Notifier difunde los resultados de un tick o una resolución a los
// consumidores externos (dashboard, websockets, etc.).
type Notifier interface {
	// NotifyTick publica los fills y eventos producidos por un batch junto
	// con el estado resultante.
	NotifyTick(ctx context.Context, tickID int64, st *domain.EngineState, fills []domain.Fill, events []domain.Event) error

	// NotifyResolution publica los eventos de una ronda de resolución.
	NotifyResolution(ctx context.Context, st *domain.EngineState, events []domain.Event) error
}
