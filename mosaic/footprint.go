package mosaic

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
)

// Footprint is the geographic extent of one asset.
type Footprint struct {
	Asset    string
	Geometry orb.Geometry
	// MinZoom and MaxZoom are the native zoom range, -1 when unknown.
	MinZoom int
	MaxZoom int
	Nodata  *float64
}

// FootprintExtractor computes the footprint of an asset.
type FootprintExtractor interface {
	Footprint(ctx context.Context, asset string) (Footprint, error)
}

// GeoJSONFootprints serves footprints from the features of a GeoJSON
// FeatureCollection. Each feature names its asset in the "path" property
// and may carry "minzoom", "maxzoom" and "nodata" properties.
type GeoJSONFootprints struct {
	footprints map[string]Footprint
	order      []string
}

// UnmarshalFootprints parses a FeatureCollection of polygon footprints.
func UnmarshalFootprints(data []byte) (*GeoJSONFootprints, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, err
	}

	result := &GeoJSONFootprints{footprints: make(map[string]Footprint)}
	for i, f := range fc.Features {
		asset, _ := f.Properties["path"].(string)
		if asset == "" {
			return nil, fmt.Errorf("feature %d has no path property", i)
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("feature %s is not a polygon", asset)
		}
		fp := Footprint{
			Asset:    asset,
			Geometry: f.Geometry,
			MinZoom:  f.Properties.MustInt("minzoom", -1),
			MaxZoom:  f.Properties.MustInt("maxzoom", -1),
		}
		if nodata, ok := f.Properties["nodata"].(float64); ok {
			fp.Nodata = &nodata
		}
		if _, ok := result.footprints[asset]; !ok {
			result.order = append(result.order, asset)
		}
		result.footprints[asset] = fp
	}
	return result, nil
}

// Assets returns the assets in feature order.
func (g *GeoJSONFootprints) Assets() []string {
	return append([]string(nil), g.order...)
}

func (g *GeoJSONFootprints) Footprint(_ context.Context, asset string) (Footprint, error) {
	fp, ok := g.footprints[asset]
	if !ok {
		return Footprint{}, fmt.Errorf("no feature with path %s", asset)
	}
	return fp, nil
}

// ExtractFootprints computes footprints concurrently. The successes keep the
// input order; every failure is returned as an ExtractError.
func ExtractFootprints(ctx context.Context, logger *log.Logger, extractor FootprintExtractor, assets []string, threads int) ([]Footprint, []*ExtractError) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	results := make([]*Footprint, len(assets))
	failures := make([]*ExtractError, len(assets))

	bar := getProgressWriter().NewCountProgress(int64(len(assets)), "extracting footprints")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ResolveThreads(threads))
	for i, asset := range assets {
		g.Go(func() error {
			defer bar.Add(1)
			fp, err := extractor.Footprint(gctx, asset)
			if err == nil && fp.Geometry == nil {
				err = fmt.Errorf("empty geometry")
			}
			if err != nil {
				logger.Printf("failed to extract footprint of %s, %v", asset, err)
				failures[i] = &ExtractError{Asset: asset, Err: err}
				return nil
			}
			fp.Asset = asset
			results[i] = &fp
			return nil
		})
	}
	g.Wait()
	bar.Close()

	footprints := make([]Footprint, 0, len(assets))
	skipped := make([]*ExtractError, 0)
	for i := range assets {
		if results[i] != nil {
			footprints = append(footprints, *results[i])
		} else if failures[i] != nil {
			skipped = append(skipped, failures[i])
		}
	}
	return footprints, skipped
}
