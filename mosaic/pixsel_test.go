package mosaic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// layer builds a one row, single band raster; NaN marks a masked pixel.
func layer(values ...float64) *Raster {
	r := NewRaster(len(values), 1, 1)
	for p, v := range values {
		if !math.IsNaN(v) {
			r.Data[0][p] = v
			r.Mask[p] = true
		}
	}
	return r
}

var nan = math.NaN()

func TestParsePixelSelection(t *testing.T) {
	m, err := ParsePixelSelection("")
	assert.Nil(t, err)
	assert.Equal(t, First, m)
	m, err = ParsePixelSelection("median")
	assert.Nil(t, err)
	assert.Equal(t, Median, m)
	_, err = ParsePixelSelection("random")
	assert.NotNil(t, err)
}

func TestFirst(t *testing.T) {
	out, contributed := First.Composite([]*Raster{layer(1, nan), layer(2, 3), layer(4, 5)})
	assert.Equal(t, []float64{1, 3}, out.Data[0])
	assert.Equal(t, []bool{true, true}, out.Mask)
	assert.Equal(t, []bool{true, true, false}, contributed)
}

func TestFirstSkipsNil(t *testing.T) {
	out, contributed := First.Composite([]*Raster{nil, layer(nan, 7)})
	assert.Equal(t, []bool{false, true}, out.Mask)
	assert.Equal(t, 7.0, out.Data[0][1])
	assert.Equal(t, []bool{false, true}, contributed)

	out, contributed = First.Composite([]*Raster{nil, nil})
	assert.Nil(t, out)
	assert.Equal(t, []bool{false, false}, contributed)
}

func TestHighestLowest(t *testing.T) {
	layers := []*Raster{layer(1, 9), layer(5, nan), layer(3, 2)}

	out, contributed := Highest.Composite(layers)
	assert.Equal(t, []float64{5, 9}, out.Data[0])
	assert.Equal(t, []bool{true, true, false}, contributed)

	out, contributed = Lowest.Composite(layers)
	assert.Equal(t, []float64{1, 2}, out.Data[0])
	assert.Equal(t, []bool{true, false, true}, contributed)
}

func TestHighestTieKeepsEarlier(t *testing.T) {
	out, contributed := Highest.Composite([]*Raster{layer(4, nan), layer(4, nan)})
	assert.Equal(t, 4.0, out.Data[0][0])
	assert.Equal(t, []bool{true, false}, contributed)
}

func TestHighestPerBand(t *testing.T) {
	a := NewRaster(1, 1, 2)
	a.Data[0][0], a.Data[1][0], a.Mask[0] = 10, 1, true
	b := NewRaster(1, 1, 2)
	b.Data[0][0], b.Data[1][0], b.Mask[0] = 2, 20, true

	out, contributed := Highest.Composite([]*Raster{a, b})
	assert.Equal(t, 10.0, out.Data[0][0])
	assert.Equal(t, 20.0, out.Data[1][0])
	assert.Equal(t, []bool{true, true}, contributed)
}

func TestMean(t *testing.T) {
	out, contributed := Mean.Composite([]*Raster{layer(1, nan), layer(3, nan), layer(nan, nan)})
	assert.Equal(t, 2.0, out.Data[0][0])
	assert.Equal(t, []bool{true, false}, out.Mask)
	assert.Equal(t, []bool{true, true, false}, contributed)
}

func TestMedian(t *testing.T) {
	out, _ := Median.Composite([]*Raster{layer(5, 1), layer(1, 2), layer(3, 4), layer(nan, 10)})
	assert.Equal(t, 3.0, out.Data[0][0])
	// even count takes the mean of the two middle values
	assert.Equal(t, 3.0, out.Data[0][1])
}

func TestStdev(t *testing.T) {
	out, _ := Stdev.Composite([]*Raster{layer(2, 7), layer(4, nan), layer(4, nan), layer(4, nan), layer(5, nan), layer(5, nan), layer(7, nan), layer(9, nan)})
	assert.Equal(t, 2.0, out.Data[0][0])
	// a single value has no spread
	assert.Equal(t, 0.0, out.Data[0][1])
	assert.Equal(t, []bool{true, true}, out.Mask)
}

func TestCompositeNoValid(t *testing.T) {
	out, contributed := Mean.Composite([]*Raster{layer(nan, nan)})
	assert.Equal(t, 0, out.ValidCount())
	assert.Equal(t, []bool{false}, contributed)
}
