package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvariant marca violaciones de invariantes de estado. Son errores
// fatales: el caller no debe persistir el estado que las produjo.
var ErrInvariant = errors.New("state invariant violated")

// shareTolerance absorbe el residuo de cuantización al repartir pro-rata.
var shareTolerance = decimal.New(1, -USDCDecimals+1) // 10 quanta

// ValidateBinary comprueba los invariantes de un binario:
//
//	L = V + subsidy, subsidy ≥ 0, L > 0,
//	q_yes + q_no < 2L, q_yes + virtual_yes < L, q_no < L,
//	y la semántica de denominación de cada pool.
//
// Los binarios inactivos solo se comprueban estructuralmente.
func ValidateBinary(b *Binary) error {
	if b.Subsidy.IsNegative() {
		return fmt.Errorf("%w: binary %d: subsidy %s < 0", ErrInvariant, b.Index, b.Subsidy)
	}
	if !b.Liquidity.Equal(b.Collateral.Add(b.Subsidy)) {
		return fmt.Errorf("%w: binary %d: L %s != V %s + subsidy %s",
			ErrInvariant, b.Index, b.Liquidity, b.Collateral, b.Subsidy)
	}
	if err := validatePools(b); err != nil {
		return err
	}
	if !b.Active {
		return nil
	}

	if !b.Liquidity.IsPositive() {
		return fmt.Errorf("%w: binary %d: L %s <= 0", ErrInvariant, b.Index, b.Liquidity)
	}
	if b.QYes.Add(b.QNo).GreaterThanOrEqual(b.Liquidity.Mul(Two)) {
		return fmt.Errorf("%w: binary %d: q_yes %s + q_no %s >= 2L (%s)",
			ErrInvariant, b.Index, b.QYes, b.QNo, b.Liquidity)
	}
	if b.QYes.Add(b.VirtualYes).GreaterThanOrEqual(b.Liquidity) {
		return fmt.Errorf("%w: binary %d: q_yes_eff %s >= L %s",
			ErrInvariant, b.Index, b.QYes.Add(b.VirtualYes), b.Liquidity)
	}
	if b.QNo.GreaterThanOrEqual(b.Liquidity) {
		return fmt.Errorf("%w: binary %d: q_no %s >= L %s", ErrInvariant, b.Index, b.QNo, b.Liquidity)
	}
	return nil
}

// Validate comprueba los invariantes de todo el estado.
func Validate(st *EngineState) error {
	if len(st.Binaries) == 0 {
		return fmt.Errorf("%w: empty state", ErrInvariant)
	}
	for _, b := range st.Binaries {
		if err := ValidateBinary(b); err != nil {
			return err
		}
	}
	return nil
}

func validatePools(b *Binary) error {
	for _, sd := range []struct {
		side Side
		dir  Direction
	}{
		{SideYes, DirectionBuy}, {SideYes, DirectionSell},
		{SideNo, DirectionBuy}, {SideNo, DirectionSell},
	} {
		for key, pool := range b.Book.Pools(sd.side, sd.dir) {
			if pool.Volume.IsNegative() {
				return fmt.Errorf("%w: binary %d: pool %s/%s@%d volume %s < 0",
					ErrInvariant, b.Index, sd.side, sd.dir, key, pool.Volume)
			}
			diff := pool.ShareSum().Sub(pool.Volume).Abs()
			if diff.GreaterThan(shareTolerance) {
				return fmt.Errorf("%w: binary %d: pool %s/%s@%d shares sum %s != volume %s",
					ErrInvariant, b.Index, sd.side, sd.dir, key, pool.ShareSum(), pool.Volume)
			}
		}
	}
	return nil
}
