package area

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/devjails/internal/domain/region"
)

func TestNewRequiresSameWorld(t *testing.T) {
	_, err := New("yard", region.Location{World: "world"}, region.Location{World: "nether"})
	require.ErrorIs(t, err, ErrWorldMismatch)
}

func TestNewNormalizesFromBlocks(t *testing.T) {
	a, err := New("Yard",
		region.Location{World: "world", X: 10.7, Y: 70, Z: -3.2},
		region.Location{World: "world", X: 0.2, Y: 60.5, Z: 5})
	require.NoError(t, err)

	assert.Equal(t, region.Vec3{X: 0, Y: 60, Z: -4}, a.Region.Min)
	assert.Equal(t, region.Vec3{X: 10, Y: 70, Z: 5}, a.Region.Max)
	assert.Equal(t, "yard", a.Key())
}

func TestContainsChecksWorld(t *testing.T) {
	a, err := New("yard", region.Location{World: "world"}, region.Location{World: "world", X: 9, Y: 9, Z: 9})
	require.NoError(t, err)

	assert.True(t, a.Contains(region.Location{World: "world", X: 5, Y: 5, Z: 5}))
	assert.False(t, a.Contains(region.Location{World: "nether", X: 5, Y: 5, Z: 5}))
	assert.False(t, a.Contains(region.Location{World: "world", X: 10, Y: 5, Z: 5}))
}
