package domain

import "github.com/shopspring/decimal"

// Holding son los tokens reales de un usuario en un outcome.
type Holding struct {
	Yes decimal.Decimal
	No  decimal.Decimal
}

// Positions indexa las tenencias por usuario y outcome. El motor las lee en
// resolución para pagar tenencias reales; nunca paga oferta virtual.
type Positions map[string]map[int]Holding
