package mosaic

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// Raster is a multi-band pixel buffer with one validity flag per pixel.
// Band values are stored row-major, len(Data[b]) == Width*Height.
type Raster struct {
	Width  int
	Height int
	Data   [][]float64
	Mask   []bool
}

// NewRaster allocates an all-invalid raster.
func NewRaster(width, height, bands int) *Raster {
	data := make([][]float64, bands)
	for b := range data {
		data[b] = make([]float64, width*height)
	}
	return &Raster{Width: width, Height: height, Data: data, Mask: make([]bool, width*height)}
}

// Bands returns the number of bands.
func (r *Raster) Bands() int {
	return len(r.Data)
}

// ValidCount returns the number of valid pixels.
func (r *Raster) ValidCount() int {
	n := 0
	for _, v := range r.Mask {
		if v {
			n++
		}
	}
	return n
}

func (r *Raster) sameShape(o *Raster) bool {
	return r.Width == o.Width && r.Height == o.Height && r.Bands() == o.Bands()
}

// ReadOptions are passed through to a RasterReader for every asset.
type ReadOptions struct {
	// Indexes selects bands, 1-based. Empty means all bands.
	Indexes []int
	// Expression is a band math expression interpreted by the reader.
	Expression string
	// Nodata overrides the nodata value of the asset.
	Nodata *float64
}

// ParseNodata parses a nodata value, accepting "nan". The empty string
// means no override.
func ParseNodata(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	if strings.EqualFold(s, "nan") {
		v := math.NaN()
		return &v, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid nodata %q", s)
	}
	return &v, nil
}

// RasterReader reads pixels of a single asset.
//
// Tile returns ErrNoData when the asset does not intersect the tile, and
// Point returns ErrNoData when the asset does not cover the coordinate. Any
// other error is a failure of that asset only.
type RasterReader interface {
	Tile(ctx context.Context, asset string, tile maptile.Tile, size int, opts ReadOptions) (*Raster, error)
	Point(ctx context.Context, asset string, lon, lat float64, opts ReadOptions) ([]float64, error)
}
