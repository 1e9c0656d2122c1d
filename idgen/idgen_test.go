package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSonyflakeGeneratorIsMonotonic(t *testing.T) {
	g, err := NewSonyflakeGenerator(Config{StartTime: "2024-01-01", MachineID: 3})
	require.NoError(t, err)

	seen := make(map[int64]struct{}, 1000)
	var last int64
	for range 1000 {
		id := g.Generate()
		require.Positive(t, id)
		require.Greater(t, id, last)
		seen[id] = struct{}{}
		last = id
	}
	assert.Len(t, seen, 1000)
}

func TestNewSonyflakeGeneratorErrors(t *testing.T) {
	_, err := NewSonyflakeGenerator(Config{StartTime: "01/02/2024"})
	assert.ErrorIs(t, err, ErrParseTime)

	_, err = NewSonyflakeGenerator(Config{MachineID: 70000})
	assert.ErrorIs(t, err, ErrInvalidMachineID)

	_, err = NewSonyflakeGenerator(Config{StartTime: "2999-01-01"})
	assert.ErrorIs(t, err, ErrCreateSonyflake)
}

func TestDefault(t *testing.T) {
	g := Default()
	require.NotNil(t, g)
	assert.Equal(t, g, Default())
	assert.NotEqual(t, g.Generate(), g.Generate())
}
