package mosaic

import (
	"fmt"
	"math"
	"sort"
)

// PixelSelection is the rule combining overlapping asset pixels into one value.
type PixelSelection string

const (
	First   PixelSelection = "first"
	Highest PixelSelection = "highest"
	Lowest  PixelSelection = "lowest"
	Mean    PixelSelection = "mean"
	Median  PixelSelection = "median"
	Stdev   PixelSelection = "stdev"
)

// ParsePixelSelection parses a method name. The empty string selects First.
func ParsePixelSelection(s string) (PixelSelection, error) {
	switch PixelSelection(s) {
	case "":
		return First, nil
	case First, Highest, Lowest, Mean, Median, Stdev:
		return PixelSelection(s), nil
	}
	return "", fmt.Errorf("unknown pixel selection method %q", s)
}

// Composite merges layers, ordered by priority, into one raster. Nil layers
// are ignored; all other layers must share the shape of the first non-nil
// one. It also reports which layers contributed at least one output value.
func (m PixelSelection) Composite(layers []*Raster) (*Raster, []bool) {
	contributed := make([]bool, len(layers))
	var ref *Raster
	for _, l := range layers {
		if l != nil {
			ref = l
			break
		}
	}
	if ref == nil {
		return nil, contributed
	}

	out := NewRaster(ref.Width, ref.Height, ref.Bands())
	switch m {
	case First:
		selectFirst(out, layers, contributed)
	case Highest:
		selectExtreme(out, layers, contributed, func(a, b float64) bool { return a > b })
	case Lowest:
		selectExtreme(out, layers, contributed, func(a, b float64) bool { return a < b })
	case Mean:
		selectStat(out, layers, contributed, mean)
	case Median:
		selectStat(out, layers, contributed, median)
	case Stdev:
		selectStat(out, layers, contributed, stdev)
	default:
		selectFirst(out, layers, contributed)
	}
	return out, contributed
}

func selectFirst(out *Raster, layers []*Raster, contributed []bool) {
	for li, l := range layers {
		if l == nil {
			continue
		}
		for p, valid := range l.Mask {
			if !valid || out.Mask[p] {
				continue
			}
			for b := range out.Data {
				out.Data[b][p] = l.Data[b][p]
			}
			out.Mask[p] = true
			contributed[li] = true
		}
	}
}

// selectExtreme keeps, per band, the first value that no later value beats.
func selectExtreme(out *Raster, layers []*Raster, contributed []bool, better func(a, b float64) bool) {
	bands := out.Bands()
	owner := make([][]int, bands)
	for b := range owner {
		owner[b] = make([]int, len(out.Mask))
		for p := range owner[b] {
			owner[b][p] = -1
		}
	}

	for li, l := range layers {
		if l == nil {
			continue
		}
		for p, valid := range l.Mask {
			if !valid {
				continue
			}
			for b := 0; b < bands; b++ {
				v := l.Data[b][p]
				if owner[b][p] == -1 || better(v, out.Data[b][p]) {
					out.Data[b][p] = v
					owner[b][p] = li
				}
			}
			out.Mask[p] = true
		}
	}

	for b := range owner {
		for _, li := range owner[b] {
			if li >= 0 {
				contributed[li] = true
			}
		}
	}
}

func selectStat(out *Raster, layers []*Raster, contributed []bool, stat func([]float64) float64) {
	values := make([]float64, 0, len(layers))
	for p := range out.Mask {
		for b := range out.Data {
			values = values[:0]
			for li, l := range layers {
				if l == nil || !l.Mask[p] {
					continue
				}
				values = append(values, l.Data[b][p])
				contributed[li] = true
			}
			if len(values) == 0 {
				continue
			}
			out.Data[b][p] = stat(values)
			out.Mask[p] = true
		}
	}
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// stdev is the population standard deviation.
func stdev(values []float64) float64 {
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)))
}
