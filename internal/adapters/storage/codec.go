package storage

// codec.go — serialización del EngineState como estructura anidada
// outcome → lado/dirección → tick → pool. Las claves de tick (con signo,
// que codifica el opt-in al auto-fill) viajan como strings en JSON y deben
// hacer round-trip numérico↔string exacto.

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

type stateDoc struct {
	PreSumYes decimal.Decimal `json:"pre_sum_yes"`
	Binaries  []binaryDoc     `json:"binaries"`
}

type binaryDoc struct {
	Index       int                           `json:"index"`
	Name        string                        `json:"name"`
	Collateral  decimal.Decimal               `json:"collateral"`
	Subsidy     decimal.Decimal               `json:"subsidy"`
	Liquidity   decimal.Decimal               `json:"liquidity"`
	QYes        decimal.Decimal               `json:"q_yes"`
	QNo         decimal.Decimal               `json:"q_no"`
	VirtualYes  decimal.Decimal               `json:"virtual_yes"`
	Seigniorage decimal.Decimal               `json:"seigniorage"`
	Active      bool                          `json:"active"`
	Pools       map[string]map[string]poolMap `json:"pools"` // side → direction → tick → pool
}

type poolMap map[string]poolDoc

type poolDoc struct {
	Volume decimal.Decimal            `json:"volume"`
	Shares map[string]decimal.Decimal `json:"shares"`
}

// EncodeState serializa el estado completo a JSON.
func EncodeState(st *domain.EngineState) (string, error) {
	doc := stateDoc{PreSumYes: st.PreSumYes}
	for _, b := range st.Binaries {
		bd := binaryDoc{
			Index:       b.Index,
			Name:        b.Name,
			Collateral:  b.Collateral,
			Subsidy:     b.Subsidy,
			Liquidity:   b.Liquidity,
			QYes:        b.QYes,
			QNo:         b.QNo,
			VirtualYes:  b.VirtualYes,
			Seigniorage: b.Seigniorage,
			Active:      b.Active,
			Pools:       map[string]map[string]poolMap{},
		}
		for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
			bd.Pools[string(side)] = map[string]poolMap{}
			for _, dir := range []domain.Direction{domain.DirectionBuy, domain.DirectionSell} {
				pm := poolMap{}
				for key, pool := range b.Book.Pools(side, dir) {
					pm[strconv.Itoa(key)] = poolDoc{Volume: pool.Volume, Shares: pool.Shares}
				}
				bd.Pools[string(side)][string(dir)] = pm
			}
		}
		doc.Binaries = append(doc.Binaries, bd)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("storage.EncodeState: %w", err)
	}
	return string(data), nil
}

// DecodeState reconstruye el estado desde su JSON.
func DecodeState(payload string) (*domain.EngineState, error) {
	var doc stateDoc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("storage.DecodeState: %w", err)
	}

	st := &domain.EngineState{PreSumYes: doc.PreSumYes}
	for _, bd := range doc.Binaries {
		b := &domain.Binary{
			Index:       bd.Index,
			Name:        bd.Name,
			Collateral:  bd.Collateral,
			Subsidy:     bd.Subsidy,
			Liquidity:   bd.Liquidity,
			QYes:        bd.QYes,
			QNo:         bd.QNo,
			VirtualYes:  bd.VirtualYes,
			Seigniorage: bd.Seigniorage,
			Active:      bd.Active,
			Book:        domain.NewPoolBook(),
		}
		for side, dirs := range bd.Pools {
			for dir, pm := range dirs {
				pools := b.Book.Pools(domain.Side(side), domain.Direction(dir))
				for rawKey, pd := range pm {
					key, err := strconv.Atoi(rawKey)
					if err != nil {
						return nil, fmt.Errorf("storage.DecodeState: tick key %q: %w", rawKey, err)
					}
					if strconv.Itoa(key) != rawKey {
						return nil, fmt.Errorf("storage.DecodeState: tick key %q does not round-trip", rawKey)
					}
					pool := domain.NewPool()
					pool.Volume = pd.Volume
					for user, share := range pd.Shares {
						pool.Shares[user] = share
					}
					pools[key] = pool
				}
			}
		}
		st.Binaries = append(st.Binaries, b)
	}
	return st, nil
}
