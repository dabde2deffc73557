package storage_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quadmarket/internal/adapters/storage"
	"github.com/alejandrodnm/quadmarket/internal/domain"
)

func TestCodec_RoundTripWithPools(t *testing.T) {
	sp := domain.SubsidyParams{Z: decimal.NewFromInt(10000), Gamma: domain.One, N: 3}
	st := domain.NewState([]string{"A", "B", "C"}, sp, decimal.NewFromFloat(10000.0/6.0))

	b := st.Binaries[1]
	b.Collateral = decimal.NewFromFloat(250.75)
	b.VirtualYes = decimal.NewFromFloat(12.3)
	b.Seigniorage = decimal.NewFromFloat(1.002)
	st.Binaries[2].Active = false
	st.PreSumYes = decimal.NewFromFloat(1.02)

	// Un pool opt-in (clave positiva) y uno opt-out (clave negativa).
	in := domain.NewPool()
	in.Volume = decimal.NewFromFloat(90)
	in.Shares["alice"] = decimal.NewFromFloat(60)
	in.Shares["bob"] = decimal.NewFromFloat(30)
	b.Book.YesBuy[domain.PoolKey(45, true)] = in

	out := domain.NewPool()
	out.Volume = decimal.NewFromFloat(120)
	out.Shares["carol"] = decimal.NewFromFloat(120)
	b.Book.NoSell[domain.PoolKey(55, false)] = out

	payload, err := storage.EncodeState(st)
	require.NoError(t, err)

	got, err := storage.DecodeState(payload)
	require.NoError(t, err)
	require.Len(t, got.Binaries, 3)

	gb := got.Binaries[1]
	assert.True(t, gb.Collateral.Equal(b.Collateral))
	assert.True(t, gb.VirtualYes.Equal(b.VirtualYes))
	assert.True(t, gb.Seigniorage.Equal(b.Seigniorage))
	assert.False(t, got.Binaries[2].Active)
	assert.True(t, got.PreSumYes.Equal(st.PreSumYes))

	gin, ok := gb.Book.YesBuy[45]
	require.True(t, ok)
	assert.True(t, gin.Volume.Equal(in.Volume))
	assert.True(t, gin.Shares["bob"].Equal(decimal.NewFromFloat(30)))

	gout, ok := gb.Book.NoSell[-55]
	require.True(t, ok)
	assert.False(t, domain.KeyOptedIn(-55))
	assert.Equal(t, 55, domain.KeyTick(-55))
	assert.True(t, gout.Shares["carol"].Equal(decimal.NewFromFloat(120)))
}

func TestCodec_RejectsMalformedTickKey(t *testing.T) {
	sp := domain.SubsidyParams{Z: decimal.NewFromInt(100), Gamma: domain.One, N: 2}
	st := domain.NewState([]string{"A", "B"}, sp, decimal.NewFromInt(25))
	payload, err := storage.EncodeState(st)
	require.NoError(t, err)

	// Una clave no numérica o con ceros a la izquierda no hace round-trip.
	for _, bad := range []string{"abc", "+45", "045"} {
		mangled := injectPoolKey(t, payload, bad)
		_, err := storage.DecodeState(mangled)
		assert.Error(t, err, "key %q", bad)
	}
}

// injectPoolKey inserta un pool con la clave dada en el primer binario.
func injectPoolKey(t *testing.T, payload, key string) string {
	t.Helper()
	needle := `"YES":{"buy":{}`
	replaced := `"YES":{"buy":{"` + key + `":{"volume":"1","shares":{"x":"1"}}}`
	require.Contains(t, payload, needle)
	return strings.Replace(payload, needle, replaced, 1)
}
