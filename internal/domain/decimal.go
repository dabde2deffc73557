package domain

import "github.com/shopspring/decimal"

// Precisión fija del sistema. Todos los montos USDC y precios se cuantizan
// a 6 decimales (la precisión nativa de USDC) antes de salir de cualquier
// componente. Comparar valores sin cuantizar es un bug.
const (
	USDCDecimals  = 6
	PriceDecimals = 6
)

var (
	// One es la obligación de pago de un par YES+NO.
	One = decimal.NewFromInt(1)
	// Two aparece en el invariante de solvencia q_yes + q_no < 2L.
	Two = decimal.NewFromInt(2)
)

// QuantizeUSDC rounds a USDC amount to the system precision (half-up).
func QuantizeUSDC(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDCDecimals)
}

// QuantizePrice rounds a price to the system precision (half-up).
func QuantizePrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceDecimals)
}

// DecFromFloat converts a float64 coming out of the numeric solver into a
// quantized decimal. This is the only sanctioned float→decimal crossing.
func DecFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(USDCDecimals)
}
