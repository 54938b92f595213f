package mosaic

import (
	"context"
)

// PointRequest addresses a single coordinate.
type PointRequest struct {
	Lon, Lat   float64
	Indexes    []int
	Expression string
	Nodata     *float64
	MaxThreads int
}

// PointSample holds the band values one asset has at a coordinate.
type PointSample struct {
	Asset  string    `json:"asset"`
	Values []float64 `json:"values"`
}

// Point samples every asset listed for the cell containing the coordinate.
// Assets without data at the point and assets that fail to read are left
// out, so the result may be empty.
func (m *Compositor) Point(ctx context.Context, catalog *Catalog, req PointRequest) ([]PointSample, error) {
	assets := catalog.AssetsForPoint(req.Lon, req.Lat)
	samples := make([]PointSample, 0, len(assets))
	if len(assets) == 0 {
		return samples, nil
	}

	opts := ReadOptions{Indexes: req.Indexes, Expression: req.Expression, Nodata: req.Nodata}
	values, _ := fetchAll(ctx, m, assets, ResolveThreads(req.MaxThreads), func(ctx context.Context, asset string) ([]float64, error) {
		return m.reader.Point(ctx, asset, req.Lon, req.Lat, opts)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, v := range values {
		if v == nil {
			continue
		}
		samples = append(samples, PointSample{Asset: assets[i], Values: *v})
	}
	return samples, nil
}
