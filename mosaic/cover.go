package mosaic

import (
	"math"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// clampPoint keeps a coordinate inside the web mercator domain.
func clampPoint(p orb.Point) orb.Point {
	lon := math.Max(-180, math.Min(180, p.X()))
	lat := math.Max(-maxMercatorLat, math.Min(maxMercatorLat, p.Y()))
	return orb.Point{lon, lat}
}

func clampMultiPolygon(mp orb.MultiPolygon) orb.MultiPolygon {
	result := make(orb.MultiPolygon, 0, len(mp))
	for _, polygon := range mp {
		p := make(orb.Polygon, 0, len(polygon))
		for _, ring := range polygon {
			r := make(orb.Ring, len(ring))
			for i, pt := range ring {
				r[i] = clampPoint(pt)
			}
			p = append(p, r)
		}
		result = append(result, p)
	}
	return result
}

// coverBitmaps returns the tile IDs at zoom crossed by the rings of the
// multipolygon, and the tile IDs strictly inside it.
func coverBitmaps(zoom maptile.Zoom, multipolygon orb.MultiPolygon) (*roaring64.Bitmap, *roaring64.Bitmap) {
	boundarySet := roaring64.New()

	for _, polygon := range multipolygon {
		for _, ring := range polygon {
			boundaryTiles, _ := tilecover.Geometry(orb.LineString(ring), zoom)
			for tile := range boundaryTiles {
				if !validTile(uint32(tile.Z), tile.X, tile.Y) || tile.Z != zoom {
					continue
				}
				boundarySet.Add(tileToID(tile))
			}
		}
	}

	projected := project.MultiPolygon(multipolygon.Clone(), project.WGS84.ToMercator)

	// a run of non-boundary tiles along the Hilbert curve is either fully
	// inside or fully outside, so testing its first tile decides the run.
	interiorSet := roaring64.New()
	last := tileToID(maptile.New(0, 0, zoom+1))
	i := boundarySet.Iterator()
	for i.HasNext() {
		id := i.Next()
		if !i.HasNext() {
			break
		}
		next := i.PeekNext()
		if next == id+1 || id+1 >= last {
			continue
		}
		tile := idToTile(id + 1)
		if planar.MultiPolygonContains(projected, project.Point(tile.Center(), project.WGS84.ToMercator)) {
			interiorSet.AddRange(id+1, next)
		}
	}

	return boundarySet, interiorSet
}

// coverCells returns every quadkey at zoom whose cell intersects the geometry.
func coverCells(geometry orb.Geometry, zoom int) []string {
	var multipolygon orb.MultiPolygon
	switch g := geometry.(type) {
	case orb.Polygon:
		multipolygon = orb.MultiPolygon{g}
	case orb.MultiPolygon:
		multipolygon = g
	case orb.Bound:
		multipolygon = orb.MultiPolygon{g.ToPolygon()}
	default:
		multipolygon = orb.MultiPolygon{geometry.Bound().ToPolygon()}
	}

	boundary, interior := coverBitmaps(maptile.Zoom(zoom), clampMultiPolygon(multipolygon))
	boundary.Or(interior)

	result := make([]string, 0, boundary.GetCardinality())
	i := boundary.Iterator()
	for i.HasNext() {
		result = append(result, Quadkey(idToTile(i.Next())))
	}
	return result
}
