package mosaic

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"strconv"
	"strings"

	"github.com/gen2brain/webp"
)

// DecodeImage decodes one archive tile.
func DecodeImage(data []byte, tileType TileType) (image.Image, error) {
	r := bytes.NewReader(data)
	switch tileType {
	case Png:
		return png.Decode(r)
	case Jpeg:
		return jpeg.Decode(r)
	case Webp:
		return webp.Decode(r)
	}
	return nil, fmt.Errorf("unsupported tile type %s", tileType)
}

// ImageFormat is an output encoding for composited tiles.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpg"
	FormatWebP ImageFormat = "webp"
)

// ParseImageFormat accepts png, jpg, jpeg and webp. The empty string
// means the format is picked from the tile contents.
func ParseImageFormat(s string) (ImageFormat, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	}
	return "", fmt.Errorf("unsupported image format %q", s)
}

// ContentType returns the MIME type of the format.
func (f ImageFormat) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	}
	return "image/png"
}

// AutoFormat picks JPEG for fully valid rasters and PNG otherwise, so
// missing pixels stay transparent.
func AutoFormat(r *Raster) ImageFormat {
	if r.ValidCount() == len(r.Mask) {
		return FormatJPEG
	}
	return FormatPNG
}

// EncodeOptions tune the lossy encoders.
type EncodeOptions struct {
	Quality int
}

func clampByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

// toImage maps one band to gray and three or more to RGB, with the mask as
// alpha. JPEG has no alpha, so invalid pixels become black there.
func toImage(r *Raster) (image.Image, error) {
	bands := r.Bands()
	if bands != 1 && bands < 3 {
		return nil, fmt.Errorf("cannot encode %d bands as an image", bands)
	}
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for p := range r.Mask {
		var c color.NRGBA
		if r.Mask[p] {
			c.A = 255
			if bands == 1 {
				v := clampByte(r.Data[0][p])
				c.R, c.G, c.B = v, v, v
			} else {
				c.R = clampByte(r.Data[0][p])
				c.G = clampByte(r.Data[1][p])
				c.B = clampByte(r.Data[2][p])
			}
		}
		img.SetNRGBA(p%r.Width, p/r.Width, c)
	}
	return img, nil
}

// Encode renders a raster in the given format.
func Encode(r *Raster, format ImageFormat, opts EncodeOptions) ([]byte, error) {
	img, err := toImage(r)
	if err != nil {
		return nil, err
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = 85
	}

	var buf bytes.Buffer
	switch format {
	case FormatPNG, "":
		err = png.Encode(&buf, img)
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality})
	default:
		err = fmt.Errorf("unsupported image format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Range is an input interval mapped linearly onto 0-255.
type Range struct {
	Min, Max float64
}

// ParseRescale parses "min,max" ranges, one per band or one for all bands.
func ParseRescale(values []string) ([]Range, error) {
	ranges := make([]Range, 0, len(values))
	for _, v := range values {
		lo, hi, ok := strings.Cut(v, ",")
		if !ok {
			return nil, fmt.Errorf("rescale %q must be min,max", v)
		}
		min, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err != nil {
			return nil, fmt.Errorf("rescale %q: %w", v, err)
		}
		max, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return nil, fmt.Errorf("rescale %q: %w", v, err)
		}
		if max <= min {
			return nil, fmt.Errorf("rescale %q: max must be greater than min", v)
		}
		ranges = append(ranges, Range{min, max})
	}
	return ranges, nil
}

// Rescale maps the valid pixels of each band from its range onto 0-255 in
// place. A single range applies to every band.
func Rescale(r *Raster, ranges []Range) {
	if len(ranges) == 0 {
		return
	}
	for b := range r.Data {
		rng := ranges[0]
		if b < len(ranges) {
			rng = ranges[b]
		}
		scale := 255 / (rng.Max - rng.Min)
		for p, valid := range r.Mask {
			if valid {
				v := (r.Data[b][p] - rng.Min) * scale
				r.Data[b][p] = math.Max(0, math.Min(255, v))
			}
		}
	}
}
