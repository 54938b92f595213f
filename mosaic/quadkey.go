package mosaic

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level a catalog may declare.
const MaxZoom = 30

// maxMercatorLat is the latitude limit of the web mercator grid.
const maxMercatorLat = 85.0511287798066

// Quadkey encodes a tile as a base-4 string, one digit per zoom level.
func Quadkey(t maptile.Tile) string {
	var b strings.Builder
	b.Grow(int(t.Z))
	for i := t.Z; i > 0; i-- {
		digit := byte('0')
		mask := uint32(1) << (i - 1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}

// ParseQuadkey decodes a quadkey string into a tile.
func ParseQuadkey(qk string) (maptile.Tile, error) {
	if len(qk) > MaxZoom {
		return maptile.Tile{}, fmt.Errorf("quadkey %q deeper than zoom %d", qk, MaxZoom)
	}
	var x, y uint32
	z := uint32(len(qk))
	for i := 0; i < len(qk); i++ {
		mask := uint32(1) << (z - uint32(i) - 1)
		switch qk[i] {
		case '0':
		case '1':
			x |= mask
		case '2':
			y |= mask
		case '3':
			x |= mask
			y |= mask
		default:
			return maptile.Tile{}, fmt.Errorf("invalid quadkey digit %q in %q", qk[i], qk)
		}
	}
	return maptile.New(x, y, maptile.Zoom(z)), nil
}

func validTile(z, x, y uint32) bool {
	if z > MaxZoom {
		return false
	}
	n := uint64(1) << z
	return uint64(x) < n && uint64(y) < n
}

// quadkeysForTile returns the catalog quadkeys whose cells intersect the tile,
// in lexical order.
func (c *Catalog) quadkeysForTile(t maptile.Tile) []string {
	qk := Quadkey(t)
	if int(t.Z) >= c.MinZoom {
		key := qk[:c.MinZoom]
		if _, ok := c.Tiles[key]; ok {
			return []string{key}
		}
		return nil
	}

	result := make([]string, 0)
	for key := range c.Tiles {
		if strings.HasPrefix(key, qk) {
			result = append(result, key)
		}
	}
	sort.Strings(result)
	return result
}

// quadkeyForPoint returns the quadkey at minzoom containing the point.
func (c *Catalog) quadkeyForPoint(lon, lat float64) (string, bool) {
	if lon < -180 || lon > 180 || math.Abs(lat) > maxMercatorLat || math.IsNaN(lon) || math.IsNaN(lat) {
		return "", false
	}
	return Quadkey(tileAt(lon, lat, maptile.Zoom(c.MinZoom))), true
}

// tileAt returns the tile containing a WGS84 coordinate, clamped to the grid.
func tileAt(lon, lat float64, z maptile.Zoom) maptile.Tile {
	n := math.Exp2(float64(z))
	x := math.Floor((lon + 180.0) / 360.0 * n)
	latRad := lat * math.Pi / 180.0
	y := math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	x = math.Max(0, math.Min(n-1, x))
	y = math.Max(0, math.Min(n-1, y))
	return maptile.New(uint32(x), uint32(y), z)
}
