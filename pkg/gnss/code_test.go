package gnss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCACodePRN1LeadingChips(t *testing.T) {
	code, err := CACode(1)
	require.NoError(t, err)
	require.Len(t, code, 1023)

	// first 10 chips of PRN 1 are octal 1440
	want := []int8{1, 1, -1, -1, 1, -1, -1, -1, -1, -1}
	assert.Equal(t, want, code[:10])
}

func TestCACodeAutocorrelation(t *testing.T) {
	code, err := CACode(7)
	require.NoError(t, err)

	zero := 0
	for _, c := range code {
		zero += int(c) * int(c)
	}
	assert.Equal(t, 1023, zero)

	// Gold codes take exactly three off-peak values.
	seen := map[int]bool{}
	for tau := 1; tau < 1023; tau++ {
		sum := 0
		for i := 0; i < 1023; i++ {
			sum += int(code[i]) * int(code[(i+tau)%1023])
		}
		seen[sum] = true
	}
	assert.Equal(t, map[int]bool{-65: true, -1: true, 63: true}, seen)
}

func TestCACodeCrossCorrelationBounded(t *testing.T) {
	a, err := CACode(1)
	require.NoError(t, err)
	b, err := CACode(2)
	require.NoError(t, err)
	for tau := 0; tau < 1023; tau += 97 {
		sum := 0
		for i := 0; i < 1023; i++ {
			sum += int(a[i]) * int(b[(i+tau)%1023])
		}
		if sum < 0 {
			sum = -sum
		}
		assert.LessOrEqual(t, sum, 65)
	}
}

func TestCACodePRNRange(t *testing.T) {
	_, err := CACode(0)
	assert.Error(t, err)
	_, err = CACode(211)
	assert.Error(t, err)
	_, err = CACode(210)
	assert.NoError(t, err)
}

func TestB1ICode(t *testing.T) {
	code, err := B1ICode(1)
	require.NoError(t, err)
	require.Len(t, code, 2046)
	for _, c := range code {
		assert.True(t, c == 1 || c == -1)
	}

	other, err := B1ICode(20)
	require.NoError(t, err)
	match := 0
	for i := range code {
		if code[i] == other[i] {
			match++
		}
	}
	// distinct PRNs must not be near-identical or near-inverted
	assert.Greater(t, match, 200)
	assert.Less(t, match, 1846)

	_, err = B1ICode(38)
	assert.Error(t, err)
}

func TestMemoryCodeRegistration(t *testing.T) {
	sig := GalileoE1B()
	_, err := Code(sig, 11)
	assert.Error(t, err)

	chips := make([]int8, sig.CodeLengthChips)
	for i := range chips {
		chips[i] = int8(1 - 2*(i%2))
	}
	RegisterMemoryCode(sig.Name, 11, chips)
	got, err := Code(sig, 11)
	require.NoError(t, err)
	assert.Equal(t, chips, got)

	RegisterMemoryCode(sig.Name, 12, chips[:100])
	_, err = Code(sig, 12)
	assert.Error(t, err)
}

func TestResampleCode(t *testing.T) {
	code := []int8{1, -1, 1, 1}
	out := make([]int8, 8)
	rem := ResampleCode(code, 0, 0, 0.5, 8, out)
	assert.Equal(t, []int8{1, 1, -1, -1, 1, 1, 1, 1}, out)
	assert.InDelta(t, 0.0, math.Mod(rem, float64(len(code))), 1e-12)

	// fractional start offset selects the chip under each sample
	ResampleCode(code, 0.5, 0, 0.5, 8, out)
	assert.Equal(t, []int8{1, -1, -1, 1, 1, 1, 1, 1}, out)
}

func TestSyncPattern(t *testing.T) {
	gps := GPSL1CA()
	assert.Equal(t, "00000000000000000000", gps.SyncPattern())

	bds := BeiDouB1I()
	assert.Equal(t, NH20, bds.SyncPattern())
	assert.Len(t, bds.SyncPattern(), 20)
}

func TestSignalByName(t *testing.T) {
	for _, name := range []string{"GPS_L1_CA", "Galileo_E1B", "BeiDou_B1I"} {
		sig, err := SignalByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, sig.Name)
		assert.Greater(t, sig.CodeChipRateHz, 0.0)
		assert.Greater(t, sig.CodeLengthChips, 0)
	}
	_, err := SignalByName("GLONASS_L1")
	assert.Error(t, err)
}
