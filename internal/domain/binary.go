package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side identifica el lado del mercado binario.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Direction identifica si una orden compra o vende tokens.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Pool is the aggregated resting liquidity at one (side, direction, tick).
//
// Denomination is load-bearing: a buy pool's Volume is USDC (price × amount),
// a sell pool's Volume is tokens. Shares follow the same denomination as
// Volume and must always sum to it.
type Pool struct {
	Volume decimal.Decimal
	Shares map[string]decimal.Decimal // participant → contributed amount
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{Volume: decimal.Zero, Shares: make(map[string]decimal.Decimal)}
}

// Clone returns a deep copy of the pool. Used for checkpoint/rollback.
func (p *Pool) Clone() *Pool {
	c := &Pool{Volume: p.Volume, Shares: make(map[string]decimal.Decimal, len(p.Shares))}
	for k, v := range p.Shares {
		c.Shares[k] = v
	}
	return c
}

// ShareSum devuelve la suma de todas las participaciones del pool.
func (p *Pool) ShareSum() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range p.Shares {
		sum = sum.Add(v)
	}
	return sum
}

// PoolKey codifica (tick, opt-in al auto-fill) en un único entero.
// Claves no negativas = opt-in; negativas = opt-out. El tick 0 nunca es
// válido (estaría por debajo de p_min), así que el signo no es ambiguo.
func PoolKey(tick int, autoFillIn bool) int {
	if autoFillIn {
		return tick
	}
	return -tick
}

// KeyTick recupera el tick de una clave de pool.
func KeyTick(key int) int {
	if key < 0 {
		return -key
	}
	return key
}

// KeyOptedIn reports whether a pool key participates in auto-fill.
func KeyOptedIn(key int) bool { return key >= 0 }

// PoolBook holds the four resting-pool collections of one binary,
// keyed by signed tick.
type PoolBook struct {
	YesBuy  map[int]*Pool
	YesSell map[int]*Pool
	NoBuy   map[int]*Pool
	NoSell  map[int]*Pool
}

// NewPoolBook creates an empty book.
func NewPoolBook() PoolBook {
	return PoolBook{
		YesBuy:  make(map[int]*Pool),
		YesSell: make(map[int]*Pool),
		NoBuy:   make(map[int]*Pool),
		NoSell:  make(map[int]*Pool),
	}
}

// Pools returns the collection for the given side and direction.
func (b *PoolBook) Pools(side Side, dir Direction) map[int]*Pool {
	switch {
	case side == SideYes && dir == DirectionBuy:
		return b.YesBuy
	case side == SideYes && dir == DirectionSell:
		return b.YesSell
	case side == SideNo && dir == DirectionBuy:
		return b.NoBuy
	default:
		return b.NoSell
	}
}

// Binary is one market outcome: the unit of pricing and settlement.
type Binary struct {
	Index       int
	Name        string
	Collateral  decimal.Decimal // V: real USDC backing this outcome
	Subsidy     decimal.Decimal // max(0, Z/N − γ·V), phases out as V grows
	Liquidity   decimal.Decimal // L = V + subsidy, recomputed on every change
	QYes        decimal.Decimal
	QNo         decimal.Decimal
	VirtualYes  decimal.Decimal // phantom YES supply, pricing only
	Seigniorage decimal.Decimal // accumulated fee/surplus revenue
	Active      bool
	Book        PoolBook
}

// SubsidyParams are the market-maker subsidy knobs.
type SubsidyParams struct {
	Z     decimal.Decimal // total subsidy pool
	Gamma decimal.Decimal // phase-out rate vs collateral
	N     int             // outcome count at market creation
}

// Recompute actualiza subsidy y L a partir del colateral actual.
// Debe llamarse tras CADA cambio de V.
func (b *Binary) Recompute(sp SubsidyParams) {
	perOutcome := sp.Z.Div(decimal.NewFromInt(int64(sp.N)))
	sub := perOutcome.Sub(sp.Gamma.Mul(b.Collateral))
	if sub.IsNegative() {
		sub = decimal.Zero
	}
	b.Subsidy = QuantizeUSDC(sub)
	b.Liquidity = QuantizeUSDC(b.Collateral.Add(b.Subsidy))
}

// EffectiveQ returns the supply used for pricing a side. YES includes the
// virtual supply set by resolution renormalization.
func (b *Binary) EffectiveQ(side Side) decimal.Decimal {
	if side == SideYes {
		return b.QYes.Add(b.VirtualYes)
	}
	return b.QNo
}

// Price devuelve la probabilidad efectiva del lado, con tope 0.99.
func (b *Binary) Price(side Side) decimal.Decimal {
	if !b.Liquidity.IsPositive() {
		return decimal.Zero
	}
	p := b.EffectiveQ(side).Div(b.Liquidity)
	cap := decimal.NewFromFloat(0.99)
	if p.GreaterThan(cap) {
		return cap
	}
	return QuantizePrice(p)
}

// AddSupply ajusta la oferta de tokens de un lado (delta puede ser negativo).
func (b *Binary) AddSupply(side Side, delta decimal.Decimal) {
	if side == SideYes {
		b.QYes = QuantizeUSDC(b.QYes.Add(delta))
		return
	}
	b.QNo = QuantizeUSDC(b.QNo.Add(delta))
}

// Clone returns a deep copy of the binary, pools included.
func (b *Binary) Clone() *Binary {
	c := *b
	c.Book = NewPoolBook()
	for _, sd := range []struct {
		side Side
		dir  Direction
	}{
		{SideYes, DirectionBuy}, {SideYes, DirectionSell},
		{SideNo, DirectionBuy}, {SideNo, DirectionSell},
	} {
		src := b.Book.Pools(sd.side, sd.dir)
		dst := c.Book.Pools(sd.side, sd.dir)
		for k, p := range src {
			dst[k] = p.Clone()
		}
	}
	return &c
}

// EngineState is the whole persisted engine state: read, mutated wholesale in
// memory across one batch, then written back. Never partially updated.
type EngineState struct {
	Binaries  []*Binary
	PreSumYes decimal.Decimal // Σ p_yes over active binaries before the last resolution step
}

// NewState builds the initial state: every binary starts with zero collateral,
// the full per-outcome subsidy and q0 tokens on each side.
func NewState(names []string, sp SubsidyParams, q0 decimal.Decimal) *EngineState {
	st := &EngineState{PreSumYes: decimal.Zero}
	for i, name := range names {
		b := &Binary{
			Index:       i,
			Name:        name,
			Collateral:  decimal.Zero,
			QYes:        QuantizeUSDC(q0),
			QNo:         QuantizeUSDC(q0),
			VirtualYes:  decimal.Zero,
			Seigniorage: decimal.Zero,
			Active:      true,
			Book:        NewPoolBook(),
		}
		b.Recompute(sp)
		st.Binaries = append(st.Binaries, b)
	}
	return st
}

// ActiveCount devuelve el número de binarios aún activos.
func (st *EngineState) ActiveCount() int {
	n := 0
	for _, b := range st.Binaries {
		if b.Active {
			n++
		}
	}
	return n
}

// Binary returns the binary at the given outcome index.
func (st *EngineState) Binary(i int) (*Binary, error) {
	if i < 0 || i >= len(st.Binaries) {
		return nil, fmt.Errorf("domain.Binary: outcome %d out of range [0,%d)", i, len(st.Binaries))
	}
	return st.Binaries[i], nil
}

// Clone returns a deep copy of the whole state.
func (st *EngineState) Clone() *EngineState {
	c := &EngineState{PreSumYes: st.PreSumYes}
	for _, b := range st.Binaries {
		c.Binaries = append(c.Binaries, b.Clone())
	}
	return c
}

// SumActiveYesPrice suma p_yes sobre los binarios activos.
func (st *EngineState) SumActiveYesPrice() decimal.Decimal {
	sum := decimal.Zero
	for _, b := range st.Binaries {
		if b.Active {
			sum = sum.Add(b.Price(SideYes))
		}
	}
	return QuantizePrice(sum)
}
