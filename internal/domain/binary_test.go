package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

func subsidyParams(z float64, n int) domain.SubsidyParams {
	return domain.SubsidyParams{Z: decimal.NewFromFloat(z), Gamma: domain.One, N: n}
}

func TestNewState_InitialPricesAreEven(t *testing.T) {
	// Z=10000 repartido entre 3 outcomes, q0 = Z/2N en cada lado.
	st := domain.NewState([]string{"A", "B", "C"}, subsidyParams(10000, 3),
		decimal.NewFromFloat(10000.0/6.0))

	require.Len(t, st.Binaries, 3)
	for _, b := range st.Binaries {
		assert.True(t, b.Collateral.IsZero())
		assert.True(t, b.Subsidy.Equal(decimal.NewFromFloat(3333.333333)), "subsidy %s", b.Subsidy)
		assert.True(t, b.Liquidity.Equal(decimal.NewFromFloat(3333.333333)))
		assert.True(t, b.Price(domain.SideYes).Equal(decimal.NewFromFloat(0.5)), "p_yes %s", b.Price(domain.SideYes))
		assert.True(t, b.Price(domain.SideNo).Equal(decimal.NewFromFloat(0.5)))
		assert.True(t, b.Active)
	}
	require.NoError(t, domain.Validate(st))
}

func TestRecompute_SubsidyPhasesOut(t *testing.T) {
	sp := subsidyParams(10000, 3)
	b := &domain.Binary{Collateral: decimal.NewFromInt(1000), Book: domain.NewPoolBook()}

	b.Recompute(sp)
	// Z/N − γ·V = 3333.333333 − 1000
	assert.True(t, b.Subsidy.Equal(decimal.NewFromFloat(2333.333333)))
	assert.True(t, b.Liquidity.Equal(decimal.NewFromFloat(3333.333333)))

	// Con V por encima de Z/N el subsidio se agota, nunca es negativo.
	b.Collateral = decimal.NewFromInt(4000)
	b.Recompute(sp)
	assert.True(t, b.Subsidy.IsZero())
	assert.True(t, b.Liquidity.Equal(decimal.NewFromInt(4000)))
}

func TestPrice_CapAndVirtualSupply(t *testing.T) {
	b := &domain.Binary{
		Liquidity: decimal.NewFromInt(1000),
		QYes:      decimal.NewFromInt(400),
		QNo:       decimal.NewFromInt(600),
		Active:    true,
		Book:      domain.NewPoolBook(),
	}
	assert.True(t, b.Price(domain.SideYes).Equal(decimal.NewFromFloat(0.4)))
	assert.True(t, b.Price(domain.SideNo).Equal(decimal.NewFromFloat(0.6)))

	// La oferta virtual solo afecta al precio YES.
	b.VirtualYes = decimal.NewFromInt(100)
	assert.True(t, b.Price(domain.SideYes).Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, b.Price(domain.SideNo).Equal(decimal.NewFromFloat(0.6)))

	// Tope duro de precio.
	b.VirtualYes = decimal.NewFromInt(595)
	assert.True(t, b.Price(domain.SideYes).Equal(decimal.NewFromFloat(0.99)))
}

func TestPoolKey_EncodesOptIn(t *testing.T) {
	assert.Equal(t, 45, domain.PoolKey(45, true))
	assert.Equal(t, -45, domain.PoolKey(45, false))
	assert.Equal(t, 45, domain.KeyTick(-45))
	assert.Equal(t, 45, domain.KeyTick(45))
	assert.True(t, domain.KeyOptedIn(45))
	assert.False(t, domain.KeyOptedIn(-45))
}

func TestBinaryClone_IsDeep(t *testing.T) {
	st := domain.NewState([]string{"A", "B"}, subsidyParams(100, 2), decimal.NewFromInt(25))
	b := st.Binaries[0]

	pool := domain.NewPool()
	pool.Volume = decimal.NewFromInt(90)
	pool.Shares["alice"] = decimal.NewFromInt(90)
	b.Book.YesBuy[45] = pool

	c := b.Clone()
	c.QYes = decimal.NewFromInt(999)
	c.Book.YesBuy[45].Shares["alice"] = decimal.NewFromInt(1)
	c.Book.YesBuy[45].Volume = decimal.NewFromInt(1)

	assert.True(t, b.QYes.Equal(decimal.NewFromInt(25)))
	assert.True(t, b.Book.YesBuy[45].Volume.Equal(decimal.NewFromInt(90)))
	assert.True(t, b.Book.YesBuy[45].Shares["alice"].Equal(decimal.NewFromInt(90)))
}
