package mosaic

import "github.com/paulmach/orb/maptile"

// Tile IDs number every tile of the pyramid along a Hilbert curve, zoom level
// by zoom level. They match the PMTiles v3 tile ID scheme, so the same numbers
// address both cover bitmaps and raster archive directories.

func rotate(n uint64, x *uint64, y *uint64, rx uint64, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

func zoomOffset(z maptile.Zoom) uint64 {
	var acc uint64
	for tz := maptile.Zoom(0); tz < z; tz++ {
		acc += (uint64(1) << tz) * (uint64(1) << tz)
	}
	return acc
}

// tileToID converts a tile to its Hilbert tile ID.
func tileToID(t maptile.Tile) uint64 {
	n := uint64(1) << t.Z
	tx := uint64(t.X)
	ty := uint64(t.Y)
	var d uint64
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		rotate(s, &tx, &ty, rx, ry)
	}
	return zoomOffset(t.Z) + d
}

// idToTile converts a Hilbert tile ID back to a tile.
func idToTile(id uint64) maptile.Tile {
	var acc uint64
	z := maptile.Zoom(0)
	for {
		numTiles := (uint64(1) << z) * (uint64(1) << z)
		if acc+numTiles > id {
			break
		}
		acc += numTiles
		z++
	}

	pos := id - acc
	n := uint64(1) << z
	var tx, ty uint64
	t := pos
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		rotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return maptile.New(uint32(tx), uint32(ty), z)
}
