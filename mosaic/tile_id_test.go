package mosaic

import (
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
)

func TestTileToID(t *testing.T) {
	assert.Equal(t, uint64(0), tileToID(maptile.New(0, 0, 0)))
	assert.Equal(t, uint64(1), tileToID(maptile.New(0, 0, 1)))
	assert.Equal(t, uint64(2), tileToID(maptile.New(0, 1, 1)))
	assert.Equal(t, uint64(3), tileToID(maptile.New(1, 1, 1)))
	assert.Equal(t, uint64(4), tileToID(maptile.New(1, 0, 1)))
	assert.Equal(t, uint64(5), tileToID(maptile.New(0, 0, 2)))
}

func TestIDToTile(t *testing.T) {
	assert.Equal(t, maptile.New(0, 0, 0), idToTile(0))
	assert.Equal(t, maptile.New(0, 1, 1), idToTile(2))
	assert.Equal(t, maptile.New(1, 0, 1), idToTile(4))
	assert.Equal(t, maptile.New(0, 0, 2), idToTile(5))
}

func TestManyTileIDs(t *testing.T) {
	for z := maptile.Zoom(0); z < 8; z++ {
		n := uint32(1) << z
		for x := uint32(0); x < n; x++ {
			for y := uint32(0); y < n; y++ {
				tile := maptile.New(x, y, z)
				assert.Equal(t, tile, idToTile(tileToID(tile)))
			}
		}
	}
}

func TestExtremes(t *testing.T) {
	for z := maptile.Zoom(0); z <= MaxZoom; z++ {
		dim := uint32(1<<z) - 1
		tile := maptile.New(dim, 0, z)
		assert.Equal(t, tile, idToTile(tileToID(tile)))
		tile = maptile.New(0, dim, z)
		assert.Equal(t, tile, idToTile(tileToID(tile)))
	}
}
