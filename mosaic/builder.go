package mosaic

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/paulmach/orb"
)

// BuildOptions control a full catalog build.
type BuildOptions struct {
	// MinZoom and MaxZoom are derived from the footprints when -1.
	MinZoom  int
	MaxZoom  int
	Threads  int
	Metadata map[string]string
}

// DefaultBuildOptions derives the zoom range from the assets.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{MinZoom: -1, MaxZoom: -1}
}

// nativeZoom returns the largest known value of zoom over the footprints and
// whether the known values disagree.
func nativeZoom(footprints []Footprint, zoom func(Footprint) int) (int, bool) {
	result := -1
	mixed := false
	for _, fp := range footprints {
		z := zoom(fp)
		if z < 0 {
			continue
		}
		if result >= 0 && z != result {
			mixed = true
		}
		if z > result {
			result = z
		}
	}
	return result, mixed
}

func resolveZooms(logger *log.Logger, footprints []Footprint, opts BuildOptions) (int, int, error) {
	minzoom, maxzoom := opts.MinZoom, opts.MaxZoom
	if minzoom < 0 {
		z, mixed := nativeZoom(footprints, func(fp Footprint) int { return fp.MinZoom })
		if z < 0 {
			return 0, 0, fmt.Errorf("minzoom is unknown for every asset and must be set")
		}
		if mixed {
			logger.Printf("assets have different minzoom values, using %d", z)
		}
		minzoom = z
	}
	if maxzoom < 0 {
		z, mixed := nativeZoom(footprints, func(fp Footprint) int { return fp.MaxZoom })
		if z < 0 {
			return 0, 0, fmt.Errorf("maxzoom is unknown for every asset and must be set")
		}
		if mixed {
			logger.Printf("assets have different maxzoom values, using %d", z)
		}
		maxzoom = z
	}
	if minzoom > maxzoom || maxzoom > MaxZoom {
		return 0, 0, fmt.Errorf("invalid zoom range %d-%d", minzoom, maxzoom)
	}
	return minzoom, maxzoom, nil
}

// index assigns each footprint to the cells it covers, in footprint order,
// and returns the union of the footprint envelopes.
func index(tiles map[string][]string, zoom int, footprints []Footprint) orb.Bound {
	var bound orb.Bound
	for i, fp := range footprints {
		for _, key := range coverCells(fp.Geometry, zoom) {
			tiles[key] = append(tiles[key], fp.Asset)
		}
		if i == 0 {
			bound = fp.Geometry.Bound()
		} else {
			bound = bound.Union(fp.Geometry.Bound())
		}
	}
	return bound
}

// Build creates a catalog over assets. Assets whose footprint cannot be
// computed are left out and returned; if none remain the build fails with
// an EmptyInputError.
func Build(ctx context.Context, logger *log.Logger, extractor FootprintExtractor, assets []string, opts BuildOptions) (*Catalog, []*ExtractError, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	assets = dedupe(assets)
	if len(assets) == 0 {
		return nil, nil, &EmptyInputError{}
	}

	footprints, skipped := ExtractFootprints(ctx, logger, extractor, assets, opts.Threads)
	if err := ctx.Err(); err != nil {
		return nil, skipped, err
	}
	if len(footprints) == 0 {
		return nil, skipped, &EmptyInputError{Skipped: skipped}
	}

	minzoom, maxzoom, err := resolveZooms(logger, footprints, opts)
	if err != nil {
		return nil, skipped, err
	}

	catalog := newCatalog(minzoom, maxzoom)
	bound := index(catalog.Tiles, minzoom, footprints)
	for key, list := range catalog.Tiles {
		catalog.Tiles[key] = dedupe(list)
	}
	catalog.setBound(bound)
	if len(opts.Metadata) > 0 {
		catalog.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			catalog.Metadata[k] = v
		}
	}
	logger.Printf("indexed %d assets into %d quadkeys at zoom %d", len(footprints), len(catalog.Tiles), minzoom)
	return catalog, skipped, nil
}

// Update returns a copy of the catalog with the footprints merged in. With
// addFirst the new assets take priority over the existing ones in every
// affected cell; otherwise they are appended. Duplicates keep their first
// position.
func (c *Catalog) Update(footprints []Footprint, addFirst bool) *Catalog {
	result := c.Clone()
	if len(footprints) == 0 {
		return result
	}

	added := make(map[string][]string)
	bound := index(added, c.MinZoom, footprints)

	for key, assets := range added {
		var merged []string
		if addFirst {
			merged = append(append(merged, assets...), result.Tiles[key]...)
		} else {
			merged = append(append(merged, result.Tiles[key]...), assets...)
		}
		result.Tiles[key] = dedupe(merged)
	}

	if len(c.Tiles) > 0 {
		bound = bound.Union(c.Bound())
	}
	result.setBound(bound)
	return result
}

// CreateStore builds a catalog and saves it to store.
func CreateStore(ctx context.Context, logger *log.Logger, store Store, extractor FootprintExtractor, assets []string, opts BuildOptions) (*Catalog, []*ExtractError, error) {
	if !store.SupportsUpdate() {
		return nil, nil, &UnsupportedOperationError{Store: store.String(), Operation: "write"}
	}
	catalog, skipped, err := Build(ctx, logger, extractor, assets, opts)
	if err != nil {
		return nil, skipped, err
	}
	if err := store.Save(ctx, catalog); err != nil {
		return nil, skipped, err
	}
	return catalog, skipped, nil
}

// UpdateStore loads the catalog in store, merges the assets and saves the
// result. Read-only stores fail before any footprint is computed.
func UpdateStore(ctx context.Context, logger *log.Logger, store Store, extractor FootprintExtractor, assets []string, addFirst bool, threads int) (*Catalog, []*ExtractError, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if !store.SupportsUpdate() {
		return nil, nil, &UnsupportedOperationError{Store: store.String(), Operation: "update"}
	}

	catalog, err := store.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	footprints, skipped := ExtractFootprints(ctx, logger, extractor, dedupe(assets), threads)
	if err := ctx.Err(); err != nil {
		return nil, skipped, err
	}

	updated := catalog.Update(footprints, addFirst)
	if err := store.Save(ctx, updated); err != nil {
		return nil, skipped, err
	}
	logger.Printf("added %d assets to %s", len(footprints), store)
	return updated, skipped, nil
}
