package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurveRange es el par inicio/fin de un coeficiente dinámico.
type CurveRange struct {
	Start float64
	End   float64
}

// At interpola linealmente el coeficiente en t ∈ [0,1].
func (r CurveRange) At(t float64) float64 {
	return r.Start + (r.End-r.Start)*t
}

// InterpMode controla cómo avanza el reloj de interpolación entre rondas.
type InterpMode string

const (
	// InterpContinue: t sigue el tiempo total de la sesión.
	InterpContinue InterpMode = "continue"
	// InterpReset: t se reinicia al principio de cada ronda de resolución.
	InterpReset InterpMode = "reset"
)

// Params are the static knobs of one market session plus the dynamic
// coefficient ranges. Derive turns them into the per-tick DynamicParams.
type Params struct {
	Subsidy SubsidyParams

	Fee      decimal.Decimal // f: AMM trade fee fraction
	FeeMatch decimal.Decimal // f_match: cross-match fee fraction

	PMin     decimal.Decimal
	PMax     decimal.Decimal
	Eta      float64 // boundary penalty exponent
	TickSize decimal.Decimal

	Mu    CurveRange
	Nu    CurveRange
	Kappa CurveRange
	Zeta  CurveRange

	Mode     InterpMode
	Duration time.Duration // total session duration (continue mode)

	// Auto-fill caps.
	AFCapFrac    decimal.Decimal // per-pool delta cap vs |diversion|
	AFMaxPools   int
	AFMaxSurplus decimal.Decimal // cascade surplus cap vs |diversion|/ζ
	Sigma        decimal.Decimal // system share of auto-fill surplus

	CrossMatchOn bool
	AutoFillOn   bool
	MultiResOn   bool
	VirtualCapOn bool
}

// DynamicParams son los coeficientes ya interpolados para un instante dado.
type DynamicParams struct {
	Mu    float64
	Nu    float64
	Kappa float64
	Zeta  float64
	FI    float64 // own-impact retention: 1 − (N_active−1)·ζ
}

// Derive interpola μ, ν, κ, ζ para el instante dado y deriva f_i.
// elapsed es el tiempo transcurrido (de sesión, o de ronda en modo reset);
// duration la duración de referencia correspondiente.
func (p Params) Derive(elapsed, duration time.Duration, nActive int) DynamicParams {
	t := 0.0
	if duration > 0 {
		t = elapsed.Seconds() / duration.Seconds()
	}
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}

	zeta := p.Zeta.At(t)
	// ζ acotado a [0, 1/(N_active−1)] para que f_i nunca sea negativo.
	if zeta < 0 {
		zeta = 0
	}
	if nActive > 1 {
		if max := 1.0 / float64(nActive-1); zeta > max {
			zeta = max
		}
	} else {
		zeta = 0
	}

	return DynamicParams{
		Mu:    p.Mu.At(t),
		Nu:    p.Nu.At(t),
		Kappa: p.Kappa.At(t),
		Zeta:  zeta,
		FI:    1 - float64(nActive-1)*zeta,
	}
}

// MarketBuyBound es el cargo máximo posible de una compra a mercado:
// tamaño al precio techo más la fee sobre ese bruto. Es el importe que la
// sesión deja en garantía y el scheduler libera tras ejecutar el batch.
func (p Params) MarketBuyBound(size decimal.Decimal) decimal.Decimal {
	gross := size.Mul(p.PMax)
	return QuantizeUSDC(gross.Add(p.Fee.Mul(gross)))
}

// TickFromPrice convierte un precio a tick. Devuelve false si el precio no
// cae exactamente en la rejilla o queda fuera de [p_min, p_max].
func (p Params) TickFromPrice(price decimal.Decimal) (int, bool) {
	if price.LessThan(p.PMin) || price.GreaterThan(p.PMax) {
		return 0, false
	}
	q := price.Div(p.TickSize)
	if !q.Equal(q.Truncate(0)) {
		return 0, false
	}
	return int(q.IntPart()), true
}

// PriceFromTick devuelve el precio de un tick (siempre positivo).
func (p Params) PriceFromTick(tick int) decimal.Decimal {
	return QuantizePrice(p.TickSize.Mul(decimal.NewFromInt(int64(KeyTick(tick)))))
}
