package storage

// sqlite.go — persistencia de la sesión sobre SQLite (pure Go, sin CGo).
//
// El estado del motor se guarda como UNA fila con un blob JSON: se lee
// entero, se muta en memoria durante el batch y se escribe entero. El lease
// exclusivo (token + expiración) es la frontera de transacción: un commit
// con un token perdido se rechaza y el tick descarta su trabajo.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/quadmarket/internal/domain"
	"github.com/alejandrodnm/quadmarket/internal/ports"
)

const schema = `
-- Estado del motor: una única fila, blob JSON, lease exclusivo
CREATE TABLE IF NOT EXISTS engine_state (
    id            INTEGER PRIMARY KEY CHECK (id = 1),
    payload       TEXT     NOT NULL,
    lease_token   TEXT     NOT NULL DEFAULT '',
    lease_expires DATETIME,
    updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id           TEXT PRIMARY KEY,
    user_id      TEXT    NOT NULL,
    outcome      INTEGER NOT NULL,
    side         TEXT    NOT NULL,
    direction    TEXT    NOT NULL,
    order_type   TEXT    NOT NULL,
    size         TEXT    NOT NULL,
    limit_price  TEXT    NOT NULL DEFAULT '0',
    max_slippage TEXT    NOT NULL DEFAULT '0',
    auto_fill    INTEGER NOT NULL DEFAULT 0,
    submitted_at DATETIME NOT NULL,
    consumed     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fills (
    trade_id  TEXT PRIMARY KEY,
    buyer_id  TEXT    NOT NULL,
    seller_id TEXT    NOT NULL,
    outcome   INTEGER NOT NULL,
    side      TEXT    NOT NULL,
    fill_type TEXT    NOT NULL,
    size      TEXT    NOT NULL,
    price     TEXT    NOT NULL DEFAULT '0',
    price_yes TEXT    NOT NULL DEFAULT '0',
    price_no  TEXT    NOT NULL DEFAULT '0',
    fee       TEXT    NOT NULL DEFAULT '0',
    tick_id   INTEGER NOT NULL,
    ts        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    user_id TEXT PRIMARY KEY,
    balance TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS positions (
    user_id TEXT    NOT NULL,
    outcome INTEGER NOT NULL,
    side    TEXT    NOT NULL,
    amount  TEXT    NOT NULL DEFAULT '0',
    PRIMARY KEY (user_id, outcome, side)
);

CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(consumed, submitted_at);
CREATE INDEX IF NOT EXISTS idx_fills_tick  ON fills(tick_id);
`

// ErrLeaseLost indica que el lease ya no es el vigente: el commit se rechaza.
var ErrLeaseLost = errors.New("state lease lost")

// SQLiteStorage implementa ports.Storage usando SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// InitState siembra el estado inicial si la fila no existe todavía.
func (s *SQLiteStorage) InitState(ctx context.Context, st *domain.EngineState) error {
	payload, err := EncodeState(st)
	if err != nil {
		return fmt.Errorf("storage.InitState: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO engine_state (id, payload, updated_at) VALUES (1, ?, ?)`,
		payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.InitState: %w", err)
	}
	return nil
}

// AcquireLease toma el lease exclusivo del estado. Falla si otro escritor
// mantiene un lease sin expirar.
func (s *SQLiteStorage) AcquireLease(ctx context.Context, ttl time.Duration) (ports.Lease, error) {
	now := time.Now().UTC()
	lease := ports.Lease{Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}

	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_state
		SET lease_token = ?, lease_expires = ?
		WHERE id = 1 AND (lease_token = '' OR lease_expires IS NULL OR lease_expires < ?)`,
		lease.Token, lease.ExpiresAt, now,
	)
	if err != nil {
		return ports.Lease{}, fmt.Errorf("storage.AcquireLease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ports.Lease{}, fmt.Errorf("storage.AcquireLease: %w", err)
	}
	if n == 0 {
		return ports.Lease{}, fmt.Errorf("storage.AcquireLease: %w", ErrLeaseLost)
	}
	return lease, nil
}

// ReleaseLease libera el lease si el token sigue siendo el vigente.
func (s *SQLiteStorage) ReleaseLease(ctx context.Context, lease ports.Lease) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE engine_state SET lease_token = '', lease_expires = NULL WHERE id = 1 AND lease_token = ?`,
		lease.Token,
	)
	if err != nil {
		return fmt.Errorf("storage.ReleaseLease: %w", err)
	}
	return nil
}

// LoadState lee y decodifica el estado completo del motor.
func (s *SQLiteStorage) LoadState(ctx context.Context) (*domain.EngineState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM engine_state WHERE id = 1`).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadState: %w", err)
	}
	st, err := DecodeState(payload)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadState: %w", err)
	}
	return st, nil
}

// CommitState escribe el estado completo. Rechaza el commit si el lease se
// perdió: el caller debe descartar su estado mutado.
func (s *SQLiteStorage) CommitState(ctx context.Context, lease ports.Lease, st *domain.EngineState) error {
	payload, err := EncodeState(st)
	if err != nil {
		return fmt.Errorf("storage.CommitState: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE engine_state SET payload = ?, updated_at = ? WHERE id = 1 AND lease_token = ?`,
		payload, time.Now().UTC(), lease.Token,
	)
	if err != nil {
		return fmt.Errorf("storage.CommitState: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.CommitState: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage.CommitState: %w", ErrLeaseLost)
	}
	return nil
}

// SaveOrder persiste una orden abierta.
func (s *SQLiteStorage) SaveOrder(ctx context.Context, o domain.Order) error {
	autoFill := 0
	if o.AutoFillIn {
		autoFill = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, outcome, side, direction, order_type,
			size, limit_price, max_slippage, auto_fill, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Outcome, string(o.Side), string(o.Direction), string(o.Type),
		o.Size.String(), o.LimitPrice.String(), o.MaxSlippage.String(), autoFill,
		o.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder: %w", err)
	}
	return nil
}

// GetOpenOrders devuelve las órdenes aún no consumidas por ningún batch,
// en orden de envío.
func (s *SQLiteStorage) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, outcome, side, direction, order_type,
		       size, limit_price, max_slippage, auto_fill, submitted_at
		FROM orders WHERE consumed = 0 ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOpenOrders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, dir, typ, size, limit, slip string
		var autoFill int
		if err := rows.Scan(&o.ID, &o.UserID, &o.Outcome, &side, &dir, &typ,
			&size, &limit, &slip, &autoFill, &o.SubmittedAt); err != nil {
			return nil, fmt.Errorf("storage.GetOpenOrders: scan: %w", err)
		}
		o.Side = domain.Side(side)
		o.Direction = domain.Direction(dir)
		o.Type = domain.OrderType(typ)
		if o.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("storage.GetOpenOrders: size %q: %w", size, err)
		}
		if o.LimitPrice, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("storage.GetOpenOrders: limit %q: %w", limit, err)
		}
		if o.MaxSlippage, err = decimal.NewFromString(slip); err != nil {
			return nil, fmt.Errorf("storage.GetOpenOrders: slippage %q: %w", slip, err)
		}
		o.AutoFillIn = autoFill == 1
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// MarkOrdersConsumed marca las órdenes ya procesadas por un batch.
func (s *SQLiteStorage) MarkOrdersConsumed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.MarkOrdersConsumed: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET consumed = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("storage.MarkOrdersConsumed: %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// SaveFills persiste los fills de un batch en una transacción.
func (s *SQLiteStorage) SaveFills(ctx context.Context, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveFills: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fills (trade_id, buyer_id, seller_id, outcome, side, fill_type,
			size, price, price_yes, price_no, fee, tick_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage.SaveFills: prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range fills {
		if _, err := stmt.ExecContext(ctx,
			f.TradeID, f.BuyerID, f.SellerID, f.Outcome, string(f.Side), string(f.Type),
			f.Size.String(), f.Price.String(), f.PriceYes.String(), f.PriceNo.String(),
			f.Fee.String(), f.TickID, f.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("storage.SaveFills: insert %s: %w", f.TradeID, err)
		}
	}
	return tx.Commit()
}

// EnsureBalance crea la fila de balance con el saldo inicial si el usuario
// no existía todavía.
func (s *SQLiteStorage) EnsureBalance(ctx context.Context, userID string, starting decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO balances (user_id, balance) VALUES (?, ?)`,
		userID, starting.String(),
	)
	if err != nil {
		return fmt.Errorf("storage.EnsureBalance: %w", err)
	}
	return nil
}

// GetBalance devuelve el balance USDC de un usuario (0 si no existe).
func (s *SQLiteStorage) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.GetBalance: %w", err)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.GetBalance: parse %q: %w", raw, err)
	}
	return bal, nil
}

// AdjustBalance suma delta (puede ser negativo) al balance del usuario.
func (s *SQLiteStorage) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	current, err := s.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("storage.AdjustBalance: %w", err)
	}
	next := domain.QuantizeUSDC(current.Add(delta))
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance`,
		userID, next.String(),
	)
	if err != nil {
		return fmt.Errorf("storage.AdjustBalance: %w", err)
	}
	return nil
}

// GetPositions devuelve todas las tenencias de tokens por usuario y outcome.
func (s *SQLiteStorage) GetPositions(ctx context.Context) (domain.Positions, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, outcome, side, amount FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetPositions: %w", err)
	}
	defer rows.Close()

	positions := make(domain.Positions)
	for rows.Next() {
		var user, side, raw string
		var outcome int
		if err := rows.Scan(&user, &outcome, &side, &raw); err != nil {
			return nil, fmt.Errorf("storage.GetPositions: scan: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("storage.GetPositions: parse %q: %w", raw, err)
		}
		if positions[user] == nil {
			positions[user] = make(map[int]domain.Holding)
		}
		h := positions[user][outcome]
		if domain.Side(side) == domain.SideYes {
			h.Yes = amount
		} else {
			h.No = amount
		}
		positions[user][outcome] = h
	}
	return positions, rows.Err()
}

// AdjustPosition suma delta a la tenencia (user, outcome, side).
func (s *SQLiteStorage) AdjustPosition(ctx context.Context, userID string, outcome int, side domain.Side, delta decimal.Decimal) error {
	var raw string
	current := decimal.Zero
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM positions WHERE user_id = ? AND outcome = ? AND side = ?`,
		userID, outcome, string(side),
	).Scan(&raw)
	if err == nil {
		if current, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("storage.AdjustPosition: parse %q: %w", raw, err)
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage.AdjustPosition: %w", err)
	}

	next := domain.QuantizeUSDC(current.Add(delta))
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (user_id, outcome, side, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, outcome, side) DO UPDATE SET amount = excluded.amount`,
		userID, outcome, string(side), next.String(),
	)
	if err != nil {
		return fmt.Errorf("storage.AdjustPosition: %w", err)
	}
	return nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
