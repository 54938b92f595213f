package mosaic

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

// fakeExtractor returns rectangular footprints and fails for unknown assets.
type fakeExtractor struct {
	footprints map[string]Footprint
	calls      int32
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{footprints: make(map[string]Footprint)}
}

func (f *fakeExtractor) add(asset string, minLon, minLat, maxLon, maxLat float64) {
	bound := orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}
	f.footprints[asset] = Footprint{Geometry: bound.ToPolygon(), MinZoom: -1, MaxZoom: -1}
}

func (f *fakeExtractor) setZooms(asset string, minzoom, maxzoom int) {
	fp := f.footprints[asset]
	fp.MinZoom, fp.MaxZoom = minzoom, maxzoom
	f.footprints[asset] = fp
}

func (f *fakeExtractor) Footprint(_ context.Context, asset string) (Footprint, error) {
	atomic.AddInt32(&f.calls, 1)
	fp, ok := f.footprints[asset]
	if !ok {
		return Footprint{}, fmt.Errorf("cannot open %s", asset)
	}
	return fp, nil
}

const footprintsDocument = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"path": "s3://imagery/b.pmtiles", "minzoom": 2, "maxzoom": 9, "nodata": 0},
     "geometry": {"type": "Polygon", "coordinates": [[[1,1],[10,1],[10,10],[1,10],[1,1]]]}},
    {"type": "Feature", "properties": {"path": "s3://imagery/a.pmtiles"},
     "geometry": {"type": "MultiPolygon", "coordinates": [[[[-10,1],[-1,1],[-1,10],[-10,10],[-10,1]]]]}}
  ]
}`

func TestUnmarshalFootprints(t *testing.T) {
	g, err := UnmarshalFootprints([]byte(footprintsDocument))
	assert.Nil(t, err)
	assert.Equal(t, []string{"s3://imagery/b.pmtiles", "s3://imagery/a.pmtiles"}, g.Assets())

	fp, err := g.Footprint(context.Background(), "s3://imagery/b.pmtiles")
	assert.Nil(t, err)
	assert.Equal(t, 2, fp.MinZoom)
	assert.Equal(t, 9, fp.MaxZoom)
	assert.Equal(t, 0.0, *fp.Nodata)
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{10, 10}}, fp.Geometry.Bound())

	fp, err = g.Footprint(context.Background(), "s3://imagery/a.pmtiles")
	assert.Nil(t, err)
	assert.Equal(t, -1, fp.MinZoom)
	assert.Nil(t, fp.Nodata)

	_, err = g.Footprint(context.Background(), "c.pmtiles")
	assert.NotNil(t, err)
}

func TestUnmarshalFootprintsInvalid(t *testing.T) {
	_, err := UnmarshalFootprints([]byte(`{"type": "FeatureCollection", "features": [{"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [0, 0]}}]}`))
	assert.NotNil(t, err)
	_, err = UnmarshalFootprints([]byte(`{"type": "FeatureCollection", "features": [{"type": "Feature", "properties": {"path": "a"}, "geometry": {"type": "Point", "coordinates": [0, 0]}}]}`))
	assert.NotNil(t, err)
	_, err = UnmarshalFootprints([]byte(`not json`))
	assert.NotNil(t, err)
}

func TestExtractFootprintsOrder(t *testing.T) {
	SetQuietMode(true)
	defer resetProgressWriter()

	extractor := newFakeExtractor()
	for i := 0; i < 20; i++ {
		extractor.add(fmt.Sprintf("asset-%02d", i), 1, 1, 10, 10)
	}
	assets := []string{"missing-1"}
	for i := 19; i >= 0; i-- {
		assets = append(assets, fmt.Sprintf("asset-%02d", i))
	}
	assets = append(assets, "missing-2")

	footprints, skipped := ExtractFootprints(context.Background(), nil, extractor, assets, 4)
	assert.Equal(t, 20, len(footprints))
	for i, fp := range footprints {
		assert.Equal(t, assets[i+1], fp.Asset)
	}
	assert.Equal(t, 2, len(skipped))
	assert.Equal(t, "missing-1", skipped[0].Asset)
	assert.Equal(t, "missing-2", skipped[1].Asset)
}

func TestExtractFootprintsEmptyGeometry(t *testing.T) {
	SetQuietMode(true)
	defer resetProgressWriter()

	extractor := newFakeExtractor()
	extractor.footprints["empty"] = Footprint{}
	footprints, skipped := ExtractFootprints(context.Background(), nil, extractor, []string{"empty"}, 1)
	assert.Empty(t, footprints)
	assert.Equal(t, 1, len(skipped))
}
