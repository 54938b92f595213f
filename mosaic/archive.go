package mosaic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ErrExpressionUnsupported is returned for band math expressions, which
// archive assets cannot evaluate.
var ErrExpressionUnsupported = errors.New("band expressions are not supported by raster archives")

// DefaultArchiveCacheEntries is the default number of headers and
// directories kept by an ArchiveReader.
const DefaultArchiveCacheEntries = 4096

type dirKey struct {
	asset  string
	offset uint64 // 0 for the header
	length uint64 // 0 for the header
}

type dirValue struct {
	header    HeaderV3
	directory []dirEntry
	etag      string
}

// ArchiveReader reads raster PMTiles archives (PNG, JPEG or WebP tiles) as
// mosaic assets. An asset is a local path, an http(s) URL or a gocloud blob
// URL such as s3://bucket/imagery.pmtiles.
//
// Headers and directories are cached; when an archive changes underneath,
// its cache entries are dropped and the read is retried once.
type ArchiveReader struct {
	logger  *log.Logger
	cache   *lru.Cache[dirKey, dirValue]
	metrics *metrics

	mu      sync.Mutex
	buckets map[string]Bucket
}

// NewArchiveReader returns a reader caching up to cacheEntries headers and
// directories.
func NewArchiveReader(logger *log.Logger, cacheEntries int) (*ArchiveReader, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cacheEntries <= 0 {
		cacheEntries = DefaultArchiveCacheEntries
	}
	cache, err := lru.New[dirKey, dirValue](cacheEntries)
	if err != nil {
		return nil, err
	}
	return &ArchiveReader{logger: logger, cache: cache, buckets: make(map[string]Bucket)}, nil
}

// NewArchiveReaderWithBucket reads every asset as a key of one bucket.
func NewArchiveReaderWithBucket(logger *log.Logger, cacheEntries int, bucket Bucket) (*ArchiveReader, error) {
	r, err := NewArchiveReader(logger, cacheEntries)
	if err != nil {
		return nil, err
	}
	r.buckets[""] = bucket
	return r, nil
}

func (r *ArchiveReader) bucket(ctx context.Context, asset string) (Bucket, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[""]; ok {
		return b, asset, nil
	}

	bucketURL, key, err := splitAsset(asset)
	if err != nil {
		return nil, "", err
	}
	if b, ok := r.buckets[bucketURL]; ok {
		return b, key, nil
	}
	b, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, "", err
	}
	r.buckets[bucketURL] = b
	return b, key, nil
}

// Close closes every bucket the reader opened.
func (r *ArchiveReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result error
	for _, b := range r.buckets {
		if err := b.Close(); err != nil {
			result = err
		}
	}
	r.buckets = make(map[string]Bucket)
	return result
}

func (r *ArchiveReader) readRange(ctx context.Context, asset string, offset, length uint64, etag string) ([]byte, string, error) {
	b, key, err := r.bucket(ctx, asset)
	if err != nil {
		return nil, "", err
	}
	var tracker *bucketRequestTracker
	if r.metrics != nil {
		tracker = r.metrics.startBucketRequest()
	}
	body, newEtag, status, err := b.NewRangeReaderEtag(ctx, key, int64(offset), int64(length), etag)
	if tracker != nil {
		tracker.finish(ctx, status)
	}
	if err != nil {
		return nil, "", err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", err
	}
	return data, newEtag, nil
}

// purge drops every cache entry of an asset.
func (r *ArchiveReader) purge(asset string) {
	for _, key := range r.cache.Keys() {
		if key.asset == asset {
			r.cache.Remove(key)
		}
	}
	if r.metrics != nil {
		r.metrics.reloads.Inc()
	}
}

func (r *ArchiveReader) header(ctx context.Context, asset string) (dirValue, error) {
	key := dirKey{asset: asset}
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}

	data, etag, err := r.readRange(ctx, asset, 0, headerFetchBytes, "")
	if err != nil {
		return dirValue{}, err
	}
	header, err := deserializeHeader(data)
	if err != nil {
		return dirValue{}, err
	}
	value := dirValue{header: header, etag: etag}
	r.cache.Add(key, value)

	if header.RootOffset+header.RootLength <= uint64(len(data)) {
		root, err := deserializeEntries(data[header.RootOffset:header.RootOffset+header.RootLength], header.InternalCompression)
		if err != nil {
			return dirValue{}, err
		}
		r.cache.Add(dirKey{asset, header.RootOffset, header.RootLength}, dirValue{directory: root, etag: etag})
	}
	return value, nil
}

func (r *ArchiveReader) directory(ctx context.Context, asset string, h dirValue, offset, length uint64) ([]dirEntry, error) {
	key := dirKey{asset, offset, length}
	if v, ok := r.cache.Get(key); ok {
		return v.directory, nil
	}
	data, _, err := r.readRange(ctx, asset, offset, length, h.etag)
	if err != nil {
		return nil, err
	}
	entries, err := deserializeEntries(data, h.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, dirValue{directory: entries, etag: h.etag})
	return entries, nil
}

// retry runs fn again once after dropping the cached state of an archive
// that changed.
func retry[T any](r *ArchiveReader, asset string, fn func() (T, error)) (T, error) {
	result, err := fn()
	var refresh *RefreshRequiredError
	if errors.As(err, &refresh) {
		r.logger.Printf("archive %s changed, reloading", asset)
		r.purge(asset)
		return fn()
	}
	return result, err
}

// Header returns the archive header of an asset.
func (r *ArchiveReader) Header(ctx context.Context, asset string) (HeaderV3, error) {
	v, err := retry(r, asset, func() (dirValue, error) {
		return r.header(ctx, asset)
	})
	return v.header, err
}

// tileData returns the decompressed bytes of one archive tile, or ErrNoData.
func (r *ArchiveReader) tileData(ctx context.Context, asset string, h dirValue, tile maptile.Tile) ([]byte, error) {
	tileID := tileToID(tile)
	dirOffset, dirLength := h.header.RootOffset, h.header.RootLength
	for depth := 0; depth <= 3; depth++ {
		directory, err := r.directory(ctx, asset, h, dirOffset, dirLength)
		if err != nil {
			return nil, err
		}
		entry, ok := findTile(directory, tileID)
		if !ok {
			return nil, ErrNoData
		}
		if entry.RunLength > 0 {
			data, _, err := r.readRange(ctx, asset, h.header.TileDataOffset+entry.Offset, uint64(entry.Length), h.etag)
			if err != nil {
				return nil, err
			}
			return decompress(data, h.header.TileCompression)
		}
		dirOffset = h.header.LeafDirectoryOffset + entry.Offset
		dirLength = uint64(entry.Length)
	}
	return nil, ErrNoData
}

// sourceTile reads the archive tile holding the requested one, which is an
// ancestor when the request is deeper than the archive.
func (r *ArchiveReader) sourceTile(ctx context.Context, asset string, tile maptile.Tile) (image.Image, maptile.Tile, error) {
	h, err := r.header(ctx, asset)
	if err != nil {
		return nil, tile, err
	}
	if !h.header.isRaster() {
		return nil, tile, fmt.Errorf("archive tile type %s is not a raster", h.header.TileType)
	}
	if uint8(tile.Z) < h.header.MinZoom {
		return nil, tile, ErrNoData
	}
	bounds := h.header.bounds()
	archiveBound := orb.Bound{Min: orb.Point{bounds[0], bounds[1]}, Max: orb.Point{bounds[2], bounds[3]}}
	if !archiveBound.Intersects(tile.Bound()) {
		return nil, tile, ErrNoData
	}

	source := tile
	if uint8(tile.Z) > h.header.MaxZoom {
		source = tile.Parent()
		for uint8(source.Z) > h.header.MaxZoom {
			source = source.Parent()
		}
	}
	data, err := r.tileData(ctx, asset, h, source)
	if err != nil {
		return nil, source, err
	}
	img, err := DecodeImage(data, h.header.TileType)
	if err != nil {
		return nil, source, fmt.Errorf("failed to decode tile %d/%d/%d, %w", source.Z, source.X, source.Y, err)
	}
	return img, source, nil
}

func isGray(img image.Image) bool {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return true
	}
	return false
}

type sourceImage struct {
	img  image.Image
	tile maptile.Tile
}

// Tile reads the part of the asset under tile, resampled to size x size.
func (r *ArchiveReader) Tile(ctx context.Context, asset string, tile maptile.Tile, size int, opts ReadOptions) (*Raster, error) {
	if opts.Expression != "" {
		return nil, ErrExpressionUnsupported
	}
	start := time.Now()
	source, err := retry(r, asset, func() (sourceImage, error) {
		img, t, err := r.sourceTile(ctx, asset, tile)
		return sourceImage{img, t}, err
	})
	if err != nil {
		return nil, err
	}

	// the requested tile covers a 2^dz fraction of the source tile
	src := source.img.Bounds()
	dz := uint32(tile.Z - source.tile.Z)
	scale := float64(uint32(1) << dz)
	offsetX := float64(tile.X - source.tile.X<<dz)
	offsetY := float64(tile.Y - source.tile.Y<<dz)
	k := float64(size) * scale / float64(src.Dx())

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	s2d := f64.Aff3{
		k, 0, -float64(src.Min.X)*k - offsetX*float64(size),
		0, k, -float64(src.Min.Y)*k - offsetY*float64(size),
	}
	draw.NearestNeighbor.Transform(dst, s2d, source.img, src, draw.Src, nil)

	raster, err := imageToRaster(dst, isGray(source.img), opts)
	if err != nil {
		return nil, err
	}
	r.logger.Printf("read %s %d/%d/%d in %s", asset, tile.Z, tile.X, tile.Y, time.Since(start))
	if raster.ValidCount() == 0 {
		return nil, ErrNoData
	}
	return raster, nil
}

// Point samples the asset at its deepest zoom level.
func (r *ArchiveReader) Point(ctx context.Context, asset string, lon, lat float64, opts ReadOptions) ([]float64, error) {
	if opts.Expression != "" {
		return nil, ErrExpressionUnsupported
	}
	return retry(r, asset, func() ([]float64, error) {
		h, err := r.header(ctx, asset)
		if err != nil {
			return nil, err
		}
		bounds := h.header.bounds()
		if lon < bounds[0] || lon > bounds[2] || lat < bounds[1] || lat > bounds[3] || math.Abs(lat) > maxMercatorLat {
			return nil, ErrNoData
		}
		tile := tileAt(lon, lat, maptile.Zoom(h.header.MaxZoom))
		img, _, err := r.sourceTile(ctx, asset, tile)
		if err != nil {
			return nil, err
		}

		src := img.Bounds()
		fx, fy := tileFraction(lon, lat, tile)
		x := src.Min.X + int(math.Min(fx*float64(src.Dx()), float64(src.Dx()-1)))
		y := src.Min.Y + int(math.Min(fy*float64(src.Dy()), float64(src.Dy()-1)))

		pixel := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		pixel.Set(0, 0, img.At(x, y))
		raster, err := imageToRaster(pixel, isGray(img), opts)
		if err != nil {
			return nil, err
		}
		if !raster.Mask[0] {
			return nil, ErrNoData
		}
		values := make([]float64, raster.Bands())
		for b := range values {
			values[b] = raster.Data[b][0]
		}
		return values, nil
	})
}

// tileFraction returns the position of a coordinate inside a tile, each
// axis in [0, 1].
func tileFraction(lon, lat float64, tile maptile.Tile) (float64, float64) {
	n := math.Exp2(float64(tile.Z))
	latRad := lat * math.Pi / 180.0
	fx := (lon+180.0)/360.0*n - float64(tile.X)
	fy := (1.0-math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi)/2.0*n - float64(tile.Y)
	return math.Max(0, math.Min(1, fx)), math.Max(0, math.Min(1, fy))
}

// imageToRaster selects bands from an image. Gray images have one band,
// color images three; alpha becomes the mask.
func imageToRaster(img *image.NRGBA, gray bool, opts ReadOptions) (*Raster, error) {
	available := 3
	if gray {
		available = 1
	}
	indexes := opts.Indexes
	if len(indexes) == 0 {
		indexes = make([]int, available)
		for i := range indexes {
			indexes[i] = i + 1
		}
	}
	for _, idx := range indexes {
		if idx < 1 || idx > available {
			return nil, fmt.Errorf("band index %d out of range 1-%d", idx, available)
		}
	}

	bounds := img.Bounds()
	raster := NewRaster(bounds.Dx(), bounds.Dy(), len(indexes))
	for y := 0; y < raster.Height; y++ {
		for x := 0; x < raster.Width; x++ {
			c := img.NRGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			p := y*raster.Width + x
			channels := [3]float64{float64(c.R), float64(c.G), float64(c.B)}
			nodata := opts.Nodata != nil
			for b, idx := range indexes {
				v := channels[idx-1]
				raster.Data[b][p] = v
				if opts.Nodata != nil && v != *opts.Nodata {
					nodata = false
				}
			}
			raster.Mask[p] = c.A > 0 && !nodata
		}
	}
	return raster, nil
}

// Footprint returns the bounds and zoom range stored in the archive header.
func (r *ArchiveReader) Footprint(ctx context.Context, asset string) (Footprint, error) {
	header, err := r.Header(ctx, asset)
	if err != nil {
		return Footprint{}, err
	}
	if !header.isRaster() {
		return Footprint{}, fmt.Errorf("archive tile type %s is not a raster", header.TileType)
	}
	b := header.bounds()
	bound := orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
	return Footprint{
		Asset:    asset,
		Geometry: bound.ToPolygon(),
		MinZoom:  int(header.MinZoom),
		MaxZoom:  int(header.MaxZoom),
	}, nil
}
