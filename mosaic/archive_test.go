package mosaic

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"gocloud.dev/blob/memblob"
)

func serializeHeader(h HeaderV3) []byte {
	b := make([]byte, headerLenBytes)
	copy(b[0:7], "PMTiles")
	b[7] = 3
	le := binary.LittleEndian
	le.PutUint64(b[8:16], h.RootOffset)
	le.PutUint64(b[16:24], h.RootLength)
	le.PutUint64(b[24:32], h.MetadataOffset)
	le.PutUint64(b[32:40], h.MetadataLength)
	le.PutUint64(b[40:48], h.LeafDirectoryOffset)
	le.PutUint64(b[48:56], h.LeafDirectoryLength)
	le.PutUint64(b[56:64], h.TileDataOffset)
	le.PutUint64(b[64:72], h.TileDataLength)
	le.PutUint64(b[72:80], h.AddressedTilesCount)
	le.PutUint64(b[80:88], h.TileEntriesCount)
	le.PutUint64(b[88:96], h.TileContentsCount)
	if h.Clustered {
		b[96] = 1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	le.PutUint32(b[102:106], uint32(h.MinLonE7))
	le.PutUint32(b[106:110], uint32(h.MinLatE7))
	le.PutUint32(b[110:114], uint32(h.MaxLonE7))
	le.PutUint32(b[114:118], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	le.PutUint32(b[119:123], uint32(h.CenterLonE7))
	le.PutUint32(b[123:127], uint32(h.CenterLatE7))
	return b
}

func serializeEntries(entries []dirEntry) []byte {
	var b []byte
	b = binary.AppendUvarint(b, uint64(len(entries)))
	lastID := uint64(0)
	for _, e := range entries {
		b = binary.AppendUvarint(b, e.TileID-lastID)
		lastID = e.TileID
	}
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(e.RunLength))
	}
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			b = binary.AppendUvarint(b, 0)
		} else {
			b = binary.AppendUvarint(b, e.Offset+1)
		}
	}
	return b
}

// testTile is a 4x4 tile: red is 10*x + 40*y, green 100, blue 200, and the
// last column is transparent.
func testTile(t *testing.T, offset uint8) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			a := uint8(255)
			if x == 3 {
				a = 0
			}
			img.SetNRGBA(x, y, color.NRGBA{uint8(10*x+40*y) + offset, 100, 200, a})
		}
	}
	var buf bytes.Buffer
	assert.Nil(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// writeArchive writes a single tile archive holding tile 1/1/0, the north
// east quadrant of the world.
func writeArchive(t *testing.T, path string, tileType TileType, tile []byte, metadata string) {
	root := serializeEntries([]dirEntry{{
		TileID:    tileToID(maptile.New(1, 0, 1)),
		Offset:    0,
		Length:    uint32(len(tile)),
		RunLength: 1,
	}})
	h := HeaderV3{
		RootOffset:          headerLenBytes,
		RootLength:          uint64(len(root)),
		MetadataOffset:      headerLenBytes + uint64(len(root)),
		MetadataLength:      uint64(len(metadata)),
		AddressedTilesCount: 1,
		TileEntriesCount:    1,
		TileContentsCount:   1,
		Clustered:           true,
		InternalCompression: NoCompression,
		TileCompression:     NoCompression,
		TileType:            tileType,
		MinZoom:             1,
		MaxZoom:             1,
		MinLonE7:            0,
		MinLatE7:            0,
		MaxLonE7:            180 * 10000000,
		MaxLatE7:            85 * 10000000,
		CenterZoom:          1,
		CenterLonE7:         90 * 10000000,
		CenterLatE7:         40 * 10000000,
	}
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.TileDataOffset = h.LeafDirectoryOffset
	h.TileDataLength = uint64(len(tile))

	var buf bytes.Buffer
	buf.Write(serializeHeader(h))
	buf.Write(root)
	buf.WriteString(metadata)
	buf.Write(tile)
	assert.Nil(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func newTestArchive(t *testing.T) (*ArchiveReader, string) {
	path := filepath.Join(t.TempDir(), "a.pmtiles")
	writeArchive(t, path, Png, testTile(t, 0), "{}")
	reader, err := NewArchiveReader(nil, 16)
	assert.Nil(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader, path
}

func TestHeaderRoundtrip(t *testing.T) {
	h := HeaderV3{
		RootOffset:  127,
		RootLength:  20,
		TileType:    Webp,
		MinZoom:     2,
		MaxZoom:     14,
		MinLonE7:    -1800000000,
		MinLatE7:    -850000000,
		MaxLonE7:    1800000000,
		MaxLatE7:    850000000,
		CenterLonE7: -1220000000,
		Clustered:   true,
	}
	result, err := deserializeHeader(serializeHeader(h))
	assert.Nil(t, err)
	assert.Equal(t, h, result)
	assert.Equal(t, [4]float64{-180, -85, 180, 85}, result.bounds())
	assert.True(t, result.isRaster())
}

func TestHeaderInvalid(t *testing.T) {
	_, err := deserializeHeader([]byte("PMTiles"))
	assert.NotNil(t, err)

	b := serializeHeader(HeaderV3{})
	b[0] = 'X'
	_, err = deserializeHeader(b)
	assert.NotNil(t, err)

	b = serializeHeader(HeaderV3{})
	b[7] = 2
	_, err = deserializeHeader(b)
	assert.NotNil(t, err)
}

func TestEntries(t *testing.T) {
	entries := []dirEntry{
		{TileID: 1, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 2, Offset: 10, Length: 5, RunLength: 2},
		{TileID: 7, Offset: 100, Length: 3, RunLength: 0},
	}
	result, err := deserializeEntries(serializeEntries(entries), NoCompression)
	assert.Nil(t, err)
	assert.Equal(t, entries, result)

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(serializeEntries(entries))
	w.Close()
	result, err = deserializeEntries(buf.Bytes(), Gzip)
	assert.Nil(t, err)
	assert.Equal(t, entries, result)

	_, err = deserializeEntries(serializeEntries(entries), Zstd)
	assert.NotNil(t, err)
}

func TestFindTile(t *testing.T) {
	entries := []dirEntry{
		{TileID: 1, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 2, Offset: 10, Length: 5, RunLength: 3},
		{TileID: 8, Offset: 0, Length: 30, RunLength: 0},
	}
	e, ok := findTile(entries, 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), e.Offset)

	// inside a run
	e, ok = findTile(entries, 4)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), e.Offset)

	_, ok = findTile(entries, 5)
	assert.False(t, ok)
	_, ok = findTile(entries, 0)
	assert.False(t, ok)

	// leaf directories cover every following id
	e, ok = findTile(entries, 100)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), e.RunLength)
}

func TestArchiveTile(t *testing.T) {
	reader, path := newTestArchive(t)
	raster, err := reader.Tile(context.Background(), path, maptile.New(1, 0, 1), 8, ReadOptions{})
	assert.Nil(t, err)
	assert.Equal(t, 3, raster.Bands())
	assert.Equal(t, 8, raster.Width)

	// each source pixel covers 2x2 output pixels
	assert.Equal(t, 0.0, raster.Data[0][0])
	assert.Equal(t, 10.0, raster.Data[0][2])
	assert.Equal(t, 50.0, raster.Data[0][2*8+2])
	assert.Equal(t, 100.0, raster.Data[1][0])
	assert.Equal(t, 200.0, raster.Data[2][0])
	assert.True(t, raster.Mask[5])
	assert.False(t, raster.Mask[6])
	assert.False(t, raster.Mask[7])
	assert.Equal(t, 48, raster.ValidCount())
}

func TestArchiveTileOverzoom(t *testing.T) {
	reader, path := newTestArchive(t)
	raster, err := reader.Tile(context.Background(), path, maptile.New(3, 1, 2), 4, ReadOptions{})
	assert.Nil(t, err)
	// the south east quarter of the source tile, doubled
	assert.Equal(t, 100.0, raster.Data[0][0])
	assert.Equal(t, 100.0, raster.Data[0][1])
	assert.True(t, raster.Mask[1])
	assert.False(t, raster.Mask[2])
	assert.Equal(t, 140.0, raster.Data[0][2*4])
}

func TestArchiveTileNoData(t *testing.T) {
	reader, path := newTestArchive(t)
	ctx := context.Background()

	// below the archive minzoom
	_, err := reader.Tile(ctx, path, maptile.New(0, 0, 0), 8, ReadOptions{})
	assert.True(t, errors.Is(err, ErrNoData))

	// outside the archive bounds
	_, err = reader.Tile(ctx, path, maptile.New(0, 3, 2), 8, ReadOptions{})
	assert.True(t, errors.Is(err, ErrNoData))

	// inside the bounds but not stored
	_, err = reader.Tile(ctx, path, maptile.New(0, 1, 1), 8, ReadOptions{})
	assert.True(t, errors.Is(err, ErrNoData))

	// only transparent pixels
	_, err = reader.Tile(ctx, path, maptile.New(7, 0, 3), 4, ReadOptions{})
	assert.True(t, errors.Is(err, ErrNoData))

	// every pixel equals the nodata value
	nodata := 100.0
	_, err = reader.Tile(ctx, path, maptile.New(1, 0, 1), 8, ReadOptions{Indexes: []int{2}, Nodata: &nodata})
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestArchiveTileOptions(t *testing.T) {
	reader, path := newTestArchive(t)
	ctx := context.Background()

	raster, err := reader.Tile(ctx, path, maptile.New(1, 0, 1), 4, ReadOptions{Indexes: []int{3, 1}})
	assert.Nil(t, err)
	assert.Equal(t, 2, raster.Bands())
	assert.Equal(t, 200.0, raster.Data[0][5])
	assert.Equal(t, 50.0, raster.Data[1][5])

	_, err = reader.Tile(ctx, path, maptile.New(1, 0, 1), 4, ReadOptions{Indexes: []int{4}})
	assert.NotNil(t, err)

	_, err = reader.Tile(ctx, path, maptile.New(1, 0, 1), 4, ReadOptions{Expression: "b1*2"})
	assert.True(t, errors.Is(err, ErrExpressionUnsupported))
	_, err = reader.Point(ctx, path, 45, 40, ReadOptions{Expression: "b1*2"})
	assert.True(t, errors.Is(err, ErrExpressionUnsupported))
}

func TestArchivePoint(t *testing.T) {
	reader, path := newTestArchive(t)
	ctx := context.Background()

	values, err := reader.Point(ctx, path, 45, 40, ReadOptions{})
	assert.Nil(t, err)
	assert.Equal(t, []float64{130, 100, 200}, values)

	values, err = reader.Point(ctx, path, 45, 40, ReadOptions{Indexes: []int{1}})
	assert.Nil(t, err)
	assert.Equal(t, []float64{130}, values)

	_, err = reader.Point(ctx, path, -45, 40, ReadOptions{})
	assert.True(t, errors.Is(err, ErrNoData))

	// transparent column
	_, err = reader.Point(ctx, path, 170, 40, ReadOptions{})
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestArchiveFootprint(t *testing.T) {
	reader, path := newTestArchive(t)
	fp, err := reader.Footprint(context.Background(), path)
	assert.Nil(t, err)
	assert.Equal(t, path, fp.Asset)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{180, 85}}, fp.Geometry.Bound())
	assert.Equal(t, 1, fp.MinZoom)
	assert.Equal(t, 1, fp.MaxZoom)

	vector := filepath.Join(t.TempDir(), "v.pmtiles")
	writeArchive(t, vector, Mvt, []byte{0x1a, 0x00}, "")
	_, err = reader.Footprint(context.Background(), vector)
	assert.NotNil(t, err)

	_, err = reader.Footprint(context.Background(), filepath.Join(t.TempDir(), "missing.pmtiles"))
	assert.NotNil(t, err)
}

func TestArchiveReloadsChangedFile(t *testing.T) {
	reader, path := newTestArchive(t)
	ctx := context.Background()

	raster, err := reader.Tile(ctx, path, maptile.New(1, 0, 1), 4, ReadOptions{})
	assert.Nil(t, err)
	assert.Equal(t, 0.0, raster.Data[0][0])

	// a different metadata length changes the file size and so its etag
	writeArchive(t, path, Png, testTile(t, 1), `{"name":"replaced"}`)

	raster, err = reader.Tile(ctx, path, maptile.New(1, 0, 1), 4, ReadOptions{})
	assert.Nil(t, err)
	assert.Equal(t, 1.0, raster.Data[0][0])
}

func TestArchiveReaderWithBucket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.pmtiles")
	writeArchive(t, path, Png, testTile(t, 0), "")
	data, err := os.ReadFile(path)
	assert.Nil(t, err)

	mem := memblob.OpenBucket(nil)
	assert.Nil(t, mem.WriteAll(context.Background(), "imagery/a.pmtiles", data, nil))
	reader, err := NewArchiveReaderWithBucket(nil, 16, BucketAdapter{mem})
	assert.Nil(t, err)
	defer reader.Close()

	header, err := reader.Header(context.Background(), "imagery/a.pmtiles")
	assert.Nil(t, err)
	assert.Equal(t, Png, header.TileType)

	values, err := reader.Point(context.Background(), "imagery/a.pmtiles", 45, 40, ReadOptions{})
	assert.Nil(t, err)
	assert.Equal(t, []float64{130, 100, 200}, values)
}

func TestImageToRasterGray(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{7, 7, 7, 255})
	img.SetNRGBA(1, 0, color.NRGBA{0, 0, 0, 255})

	nodata := 0.0
	raster, err := imageToRaster(img, true, ReadOptions{Nodata: &nodata})
	assert.Nil(t, err)
	assert.Equal(t, 1, raster.Bands())
	assert.Equal(t, []float64{7, 0}, raster.Data[0])
	assert.Equal(t, []bool{true, false}, raster.Mask)

	_, err = imageToRaster(img, true, ReadOptions{Indexes: []int{2}})
	assert.NotNil(t, err)
}

func TestShowAsset(t *testing.T) {
	reader, path := newTestArchive(t)
	var buf bytes.Buffer
	assert.Nil(t, ShowAsset(context.Background(), reader, path, &buf))
	out := buf.String()
	assert.True(t, strings.Contains(out, "tile type: Raster PNG"))
	assert.True(t, strings.Contains(out, "min zoom: 1"))
	assert.True(t, strings.Contains(out, "addressed tiles count: 1"))

	assert.NotNil(t, ShowAsset(context.Background(), reader, filepath.Join(t.TempDir(), "missing.pmtiles"), &buf))
}
