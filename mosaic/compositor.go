package mosaic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/errgroup"
)

// DefaultTileSize is the edge length in pixels of a composited tile.
const DefaultTileSize = 256

const defaultMaxThreadsLimit = 256

// MaxThreadsLimit returns the upper bound on concurrent asset reads for one
// request, from MOSAIC_MAX_THREADS or 256.
func MaxThreadsLimit() int {
	if n, err := strconv.Atoi(os.Getenv("MOSAIC_MAX_THREADS")); err == nil && n > 0 {
		return n
	}
	return defaultMaxThreadsLimit
}

// ResolveThreads picks the concurrency for one request: the requested value,
// else MOSAIC_CONCURRENCY, else MAX_THREADS, else five per CPU. The result is
// clamped to [1, MaxThreadsLimit()].
func ResolveThreads(requested int) int {
	n := requested
	if n <= 0 {
		for _, name := range []string{"MOSAIC_CONCURRENCY", "MAX_THREADS"} {
			if v, err := strconv.Atoi(os.Getenv(name)); err == nil && v > 0 {
				n = v
				break
			}
		}
	}
	if n <= 0 {
		n = 5 * runtime.NumCPU()
	}
	if limit := MaxThreadsLimit(); n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// TileRequest addresses one composited web mercator tile.
type TileRequest struct {
	Z, X, Y        uint32
	PixelSelection PixelSelection
	TileSize       int
	Indexes        []int
	Expression     string
	Nodata         *float64
	MaxThreads     int
}

func (r TileRequest) readOptions() ReadOptions {
	return ReadOptions{Indexes: r.Indexes, Expression: r.Expression, Nodata: r.Nodata}
}

// TileResult is a composited tile.
type TileResult struct {
	Raster *Raster
	// AssetsUsed lists the assets that contributed at least one output value,
	// in priority order.
	AssetsUsed []string
	// Failed lists the assets that could not be read. Their absence did not
	// fail the request.
	Failed []*ReadError
}

// Compositor reads and merges the assets listed in a catalog.
type Compositor struct {
	reader  RasterReader
	logger  *log.Logger
	metrics *metrics
}

// NewCompositor returns a Compositor reading assets through reader. A nil
// logger discards output.
func NewCompositor(reader RasterReader, logger *log.Logger) *Compositor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Compositor{reader: reader, logger: logger}
}

// dedupe returns the values in first-occurrence order.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

// AssetsForTile returns the candidate assets for a tile in priority order.
func (c *Catalog) AssetsForTile(z, x, y uint32) []string {
	if !validTile(z, x, y) {
		return nil
	}
	candidates := make([]string, 0)
	for _, key := range c.quadkeysForTile(maptile.New(x, y, maptile.Zoom(z))) {
		candidates = append(candidates, c.Tiles[key]...)
	}
	return dedupe(candidates)
}

// AssetsForPoint returns the assets listed for the cell containing a coordinate.
func (c *Catalog) AssetsForPoint(lon, lat float64) []string {
	key, ok := c.quadkeyForPoint(lon, lat)
	if !ok {
		return nil
	}
	return dedupe(c.Tiles[key])
}

// fetchAll runs read for every asset with at most threads in flight. Results
// keep the asset order; nil marks no data or a failure.
func fetchAll[T any](ctx context.Context, c *Compositor, assets []string, threads int, read func(ctx context.Context, asset string) (T, error)) ([]*T, []*ReadError) {
	results := make([]*T, len(assets))
	failures := make([]*ReadError, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for i, asset := range assets {
		g.Go(func() error {
			start := time.Now()
			value, err := read(gctx, asset)
			status := "ok"
			switch {
			case err == nil:
				results[i] = &value
			case errors.Is(err, ErrNoData):
				status = "nodata"
			default:
				status = "error"
				failures[i] = &ReadError{Asset: asset, Err: err}
				c.logger.Printf("failed to read %s, %v", asset, err)
			}
			if c.metrics != nil {
				c.metrics.assetRead(gctx, status, time.Since(start))
			}
			return nil
		})
	}
	g.Wait()

	failed := make([]*ReadError, 0)
	for _, f := range failures {
		if f != nil {
			failed = append(failed, f)
		}
	}
	return results, failed
}

// Tile composites the tile at z/x/y from the assets the catalog lists for it.
func (m *Compositor) Tile(ctx context.Context, catalog *Catalog, req TileRequest) (TileResult, error) {
	notFound := &TileNotFoundError{Z: req.Z, X: req.X, Y: req.Y}
	if !validTile(req.Z, req.X, req.Y) {
		return TileResult{}, notFound
	}

	method := req.PixelSelection
	if method == "" {
		method = First
	}
	if _, err := ParsePixelSelection(string(method)); err != nil {
		return TileResult{}, err
	}
	size := req.TileSize
	if size <= 0 {
		size = DefaultTileSize
	}

	assets := catalog.AssetsForTile(req.Z, req.X, req.Y)
	if len(assets) == 0 {
		return TileResult{}, notFound
	}

	tile := maptile.New(req.X, req.Y, maptile.Zoom(req.Z))
	opts := req.readOptions()
	rasters, failed := fetchAll(ctx, m, assets, ResolveThreads(req.MaxThreads), func(ctx context.Context, asset string) (*Raster, error) {
		return m.reader.Tile(ctx, asset, tile, size, opts)
	})
	if err := ctx.Err(); err != nil {
		return TileResult{}, err
	}

	layers := make([]*Raster, len(assets))
	var ref *Raster
	for i, r := range rasters {
		if r == nil || *r == nil {
			continue
		}
		raster := *r
		if ref == nil {
			ref = raster
		} else if !ref.sameShape(raster) {
			failed = append(failed, &ReadError{
				Asset: assets[i],
				Err:   fmt.Errorf("shape %dx%dx%d does not match %dx%dx%d", raster.Width, raster.Height, raster.Bands(), ref.Width, ref.Height, ref.Bands()),
			})
			continue
		}
		layers[i] = raster
	}
	if ref == nil {
		return TileResult{Failed: failed}, notFound
	}

	composite, contributed := method.Composite(layers)
	if composite.ValidCount() == 0 {
		return TileResult{Failed: failed}, notFound
	}

	used := make([]string, 0)
	for i, ok := range contributed {
		if ok {
			used = append(used, assets[i])
		}
	}
	return TileResult{Raster: composite, AssetsUsed: used, Failed: failed}, nil
}
