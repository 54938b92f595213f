package mosaic

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// CatalogVersion is the MosaicJSON format version written by this package.
const CatalogVersion = "0.0.2"

// Catalog is a spatial index from quadkey cells at MinZoom to ordered lists
// of asset identifiers. The order of each list is the read priority.
//
// A Catalog returned by a Store is shared read-only; use Clone or Update to
// derive a modified copy.
type Catalog struct {
	Version     string              `json:"mosaicjson"`
	MinZoom     int                 `json:"minzoom"`
	MaxZoom     int                 `json:"maxzoom"`
	QuadkeyZoom *int                `json:"quadkey_zoom,omitempty"`
	Bounds      [4]float64          `json:"bounds"`
	Center      [3]float64          `json:"center"`
	Tiles       map[string][]string `json:"tiles"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
}

// newCatalog returns an empty catalog for the zoom range.
func newCatalog(minzoom, maxzoom int) *Catalog {
	qz := minzoom
	return &Catalog{
		Version:     CatalogVersion,
		MinZoom:     minzoom,
		MaxZoom:     maxzoom,
		QuadkeyZoom: &qz,
		Tiles:       make(map[string][]string),
	}
}

// Bound returns the catalog bounds as an orb.Bound.
func (c *Catalog) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{c.Bounds[0], c.Bounds[1]},
		Max: orb.Point{c.Bounds[2], c.Bounds[3]},
	}
}

func (c *Catalog) setBound(b orb.Bound) {
	c.Bounds = [4]float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	center := b.Center()
	c.Center = [3]float64{center.X(), center.Y(), float64((c.MinZoom + c.MaxZoom) / 2)}
}

// Assets returns every distinct asset in the catalog, in quadkey order.
func (c *Catalog) Assets() []string {
	keys := c.Quadkeys()
	seen := make(map[string]bool)
	result := make([]string, 0)
	for _, key := range keys {
		for _, asset := range c.Tiles[key] {
			if !seen[asset] {
				seen[asset] = true
				result = append(result, asset)
			}
		}
	}
	return result
}

// Quadkeys returns the indexed quadkeys in lexical order.
func (c *Catalog) Quadkeys() []string {
	keys := make([]string, 0, len(c.Tiles))
	for key := range c.Tiles {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the catalog.
func (c *Catalog) Clone() *Catalog {
	result := *c
	if c.QuadkeyZoom != nil {
		qz := *c.QuadkeyZoom
		result.QuadkeyZoom = &qz
	}
	result.Tiles = make(map[string][]string, len(c.Tiles))
	for key, assets := range c.Tiles {
		result.Tiles[key] = append([]string(nil), assets...)
	}
	if c.Metadata != nil {
		result.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			result.Metadata[k] = v
		}
	}
	return &result
}

// checkVersion accepts any version with a known major component.
func checkVersion(version string) error {
	major, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(major)
	if err != nil || n != 0 {
		return &VersionError{Version: version}
	}
	return nil
}

// Validate checks the structural invariants of the catalog.
func (c *Catalog) Validate() error {
	if err := checkVersion(c.Version); err != nil {
		return err
	}
	if c.MinZoom < 0 || c.MinZoom > c.MaxZoom || c.MaxZoom > MaxZoom {
		return fmt.Errorf("invalid zoom range %d-%d", c.MinZoom, c.MaxZoom)
	}
	if c.QuadkeyZoom != nil && *c.QuadkeyZoom != c.MinZoom {
		return fmt.Errorf("quadkey_zoom %d must equal minzoom %d", *c.QuadkeyZoom, c.MinZoom)
	}
	if c.Bounds[0] > c.Bounds[2] || c.Bounds[1] > c.Bounds[3] {
		return fmt.Errorf("invalid bounds %v", c.Bounds)
	}
	for key, assets := range c.Tiles {
		if len(key) != c.MinZoom {
			return fmt.Errorf("quadkey %q is not at zoom %d", key, c.MinZoom)
		}
		if _, err := ParseQuadkey(key); err != nil {
			return err
		}
		if len(assets) == 0 {
			return fmt.Errorf("quadkey %q has no assets", key)
		}
	}
	return nil
}

// MarshalCatalog serializes a catalog as MosaicJSON, gzip-compressed when gz is set.
func MarshalCatalog(c *Catalog, gz bool) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if !gz {
		return data, nil
	}
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// UnmarshalCatalog parses MosaicJSON, transparently decompressing gzip input.
func UnmarshalCatalog(data []byte) (*Catalog, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, err
		}
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse mosaicjson, %w", err)
	}
	if c.Tiles == nil {
		c.Tiles = make(map[string][]string)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
