package domain

// amm.go — núcleo de pricing: curva de coste cuadrática parametrizada con
// penalización asintótica en los bordes de precio.
//
// El solve se hace en float64 (raíces, potencias fraccionarias) y el
// resultado se cuantiza a la precisión fija del sistema antes de salir.
// Ningún valor float cruza esta frontera sin pasar por DecFromFloat.

import (
	"math"

	"github.com/shopspring/decimal"
)

// BuyCost returns the USDC cost X to buy delta tokens of the given side.
//
// With p the current effective price, a = μ/(μ+ν), b = ν/(μ+ν),
// k = Δ·a·p + κΔ² and m = Δ·b·(q+Δ), X is the smallest positive root of
//
//	f_i·X² + (L − f_i·k)·X − (k·L + m) = 0
//
// which blends a linear price estimate with the convexity penalty κ and
// resolves the implicit post-trade price. If the post-trade price
// (q+Δ)/(L+f_i·X) exceeds p_max the cost is inflated by (p'/p_max)^η.
func BuyCost(b *Binary, side Side, delta decimal.Decimal, dp DynamicParams, pr Params) decimal.Decimal {
	if !delta.IsPositive() {
		return decimal.Zero
	}

	L := b.Liquidity.InexactFloat64()
	q := b.EffectiveQ(side).InexactFloat64()
	d := delta.InexactFloat64()
	p := math.Min(0.99, q/L)

	a := dp.Mu / (dp.Mu + dp.Nu)
	bw := dp.Nu / (dp.Mu + dp.Nu)
	k := d*a*p + dp.Kappa*d*d
	m := d * bw * (q + d)

	x := smallestPositiveRoot(dp.FI, L-dp.FI*k, -(k*L + m))

	pMax := pr.PMax.InexactFloat64()
	pPost := (q + d) / (L + dp.FI*x)
	if pPost > pMax {
		x *= math.Pow(pPost/pMax, pr.Eta)
	}
	return DecFromFloat(x)
}

// SellReceived returns the USDC proceeds X for selling delta tokens: the
// mirror of BuyCost with k = Δ·a·p − κΔ², m = Δ·b·(q−Δ) and
//
//	f_i·X² − (L + f_i·k)·X + (k·L + m) = 0.
//
// When the post-trade price (q−Δ)/(L−f_i·X) falls below p_min the proceeds
// are deflated by (p'/p_min)^η. The direction is a pinned contract: the
// penalty reduces what the seller receives as the price approaches the
// floor, it never increases it.
func SellReceived(b *Binary, side Side, delta decimal.Decimal, dp DynamicParams, pr Params) decimal.Decimal {
	if !delta.IsPositive() {
		return decimal.Zero
	}

	L := b.Liquidity.InexactFloat64()
	q := b.EffectiveQ(side).InexactFloat64()
	d := delta.InexactFloat64()
	p := math.Min(0.99, q/L)

	a := dp.Mu / (dp.Mu + dp.Nu)
	bw := dp.Nu / (dp.Mu + dp.Nu)
	k := d*a*p - dp.Kappa*d*d
	m := d * bw * (q - d)

	x := smallestPositiveRoot(dp.FI, -(L + dp.FI*k), k*L+m)

	pMin := pr.PMin.InexactFloat64()
	denom := L - dp.FI*x
	if denom > 0 {
		pPost := (q - d) / denom
		if pPost < pMin && pPost > 0 {
			x *= math.Pow(pPost/pMin, pr.Eta)
		}
	}

	if x < 0 {
		x = 0
	}
	// Proceeds can never exceed the tokens valued at the price ceiling.
	if ceil := d * pr.PMax.InexactFloat64(); x > ceil {
		x = ceil
	}
	return DecFromFloat(x)
}

// smallestPositiveRoot resuelve a·x² + b·x + c = 0 y devuelve la menor raíz
// real positiva. Con discriminante negativo (entradas extremas pero válidas)
// cae a la aproximación asintótica |c|/|b| en vez de devolver un valor que
// corrija de menos o de más en silencio.
func smallestPositiveRoot(a, b, c float64) float64 {
	const eps = 1e-12

	if math.Abs(a) < eps {
		if math.Abs(b) < eps {
			return 0
		}
		if x := -c / b; x > 0 {
			return x
		}
		return 0
	}

	disc := b*b - 4*a*c
	if disc < 0 {
		if math.Abs(b) < eps {
			return 0
		}
		return math.Abs(c) / math.Abs(b)
	}

	sq := math.Sqrt(disc)
	r1 := (-b - sq) / (2 * a)
	r2 := (-b + sq) / (2 * a)
	if r1 > r2 {
		r1, r2 = r2, r1
	}
	switch {
	case r1 > 0:
		return r1
	case r2 > 0:
		return r2
	default:
		if math.Abs(b) < eps {
			return 0
		}
		return math.Abs(c) / math.Abs(b)
	}
}
