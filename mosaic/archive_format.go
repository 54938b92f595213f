package mosaic

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Compression is the compression applied to archive directories or tiles.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

// TileType is the format of the tiles in an archive.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

func (t TileType) String() string {
	switch t {
	case Mvt:
		return "Vector Protobuf (MVT)"
	case Png:
		return "Raster PNG"
	case Jpeg:
		return "Raster Jpeg"
	case Webp:
		return "Raster WebP"
	case Avif:
		return "Raster AVIF"
	}
	return "Unknown"
}

// headerLenBytes is the fixed size of a version 3 archive header.
const headerLenBytes = 127

// headerFetchBytes is the length of the first read of an archive; it holds
// the header and usually the root directory.
const headerFetchBytes = 16384

// HeaderV3 is the binary header of a PMTiles version 3 archive.
type HeaderV3 struct {
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

func (h HeaderV3) bounds() [4]float64 {
	const e7 = 10000000.0
	return [4]float64{
		float64(h.MinLonE7) / e7,
		float64(h.MinLatE7) / e7,
		float64(h.MaxLonE7) / e7,
		float64(h.MaxLatE7) / e7,
	}
}

func (h HeaderV3) isRaster() bool {
	return h.TileType == Png || h.TileType == Jpeg || h.TileType == Webp
}

// dirEntry is a directory entry. RunLength 0 points to a leaf directory.
type dirEntry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

func deserializeHeader(d []byte) (HeaderV3, error) {
	h := HeaderV3{}
	if len(d) < headerLenBytes {
		return h, fmt.Errorf("archive is only %d bytes long", len(d))
	}
	if string(d[0:7]) != "PMTiles" {
		return h, fmt.Errorf("magic number not detected. confirm this is a PMTiles archive")
	}
	if d[7] != 3 {
		return h, fmt.Errorf("archive is version %d, only version 3 is supported", d[7])
	}

	le := binary.LittleEndian
	h.RootOffset = le.Uint64(d[8:16])
	h.RootLength = le.Uint64(d[16:24])
	h.MetadataOffset = le.Uint64(d[24:32])
	h.MetadataLength = le.Uint64(d[32:40])
	h.LeafDirectoryOffset = le.Uint64(d[40:48])
	h.LeafDirectoryLength = le.Uint64(d[48:56])
	h.TileDataOffset = le.Uint64(d[56:64])
	h.TileDataLength = le.Uint64(d[64:72])
	h.AddressedTilesCount = le.Uint64(d[72:80])
	h.TileEntriesCount = le.Uint64(d[80:88])
	h.TileContentsCount = le.Uint64(d[88:96])
	h.Clustered = d[96] == 0x1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(le.Uint32(d[102:106]))
	h.MinLatE7 = int32(le.Uint32(d[106:110]))
	h.MaxLonE7 = int32(le.Uint32(d[110:114]))
	h.MaxLatE7 = int32(le.Uint32(d[114:118]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(le.Uint32(d[119:123]))
	h.CenterLatE7 = int32(le.Uint32(d[123:127]))
	return h, nil
}

// decompress undoes the internal or tile compression of an archive.
func decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case NoCompression, UnknownCompression:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return nil, fmt.Errorf("unsupported compression %d", compression)
}

func deserializeEntries(data []byte, compression Compression) ([]dirEntry, error) {
	raw, err := decompress(data, compression)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(bytes.NewReader(raw))

	numEntries, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	entries := make([]dirEntry, numEntries)

	lastID := uint64(0)
	for i := range entries {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		lastID += delta
		entries[i].TileID = lastID
	}
	for i := range entries {
		runLength, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(runLength)
	}
	for i := range entries {
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(length)
	}
	for i := range entries {
		offset, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		if i > 0 && offset == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = offset - 1
		}
	}
	return entries, nil
}

func findTile(entries []dirEntry, tileID uint64) (dirEntry, bool) {
	m := 0
	n := len(entries) - 1
	for m <= n {
		k := (n + m) >> 1
		if tileID > entries[k].TileID {
			m = k + 1
		} else if tileID < entries[k].TileID {
			n = k - 1
		} else {
			return entries[k], true
		}
	}

	// m > n: entries[n] is the last entry before tileID
	if n >= 0 {
		if entries[n].RunLength == 0 {
			return entries[n], true
		}
		if tileID-entries[n].TileID < uint64(entries[n].RunLength) {
			return entries[n], true
		}
	}
	return dirEntry{}, false
}
