package mosaic

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Show prints a summary of the catalog at location.
func Show(ctx context.Context, location string, w io.Writer) error {
	store, err := OpenStore(ctx, location)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load %s, %w", location, err)
	}
	data, err := MarshalCatalog(catalog, false)
	if err != nil {
		return err
	}

	maxAssets := 0
	entries := 0
	for _, assets := range catalog.Tiles {
		entries += len(assets)
		if len(assets) > maxAssets {
			maxAssets = len(assets)
		}
	}

	fmt.Fprintf(w, "mosaicjson version: %s\n", catalog.Version)
	fmt.Fprintf(w, "serialized size: %s\n", humanize.Bytes(uint64(len(data))))
	fmt.Fprintf(w, "bounds: (long: %f, lat: %f) (long: %f, lat: %f)\n", catalog.Bounds[0], catalog.Bounds[1], catalog.Bounds[2], catalog.Bounds[3])
	fmt.Fprintf(w, "center: (long: %f, lat: %f)\n", catalog.Center[0], catalog.Center[1])
	fmt.Fprintf(w, "center zoom: %d\n", int(catalog.Center[2]))
	fmt.Fprintf(w, "min zoom: %d\n", catalog.MinZoom)
	fmt.Fprintf(w, "max zoom: %d\n", catalog.MaxZoom)
	fmt.Fprintf(w, "assets: %s\n", humanize.Comma(int64(len(catalog.Assets()))))
	fmt.Fprintf(w, "quadkeys: %s\n", humanize.Comma(int64(len(catalog.Tiles))))
	fmt.Fprintf(w, "quadkey entries: %s\n", humanize.Comma(int64(entries)))
	fmt.Fprintf(w, "max assets per quadkey: %d\n", maxAssets)
	for _, key := range sortedKeys(catalog.Metadata) {
		fmt.Fprintf(w, "%s %s\n", key, catalog.Metadata[key])
	}
	return nil
}

// ShowAsset prints the header of one raster archive asset.
func ShowAsset(ctx context.Context, reader *ArchiveReader, asset string, w io.Writer) error {
	header, err := reader.Header(ctx, asset)
	if err != nil {
		return fmt.Errorf("failed to read %s, %w", asset, err)
	}
	b := header.bounds()
	fmt.Fprintf(w, "tile type: %s\n", header.TileType)
	fmt.Fprintf(w, "bounds: (long: %f, lat: %f) (long: %f, lat: %f)\n", b[0], b[1], b[2], b[3])
	fmt.Fprintf(w, "min zoom: %d\n", header.MinZoom)
	fmt.Fprintf(w, "max zoom: %d\n", header.MaxZoom)
	fmt.Fprintf(w, "addressed tiles count: %s\n", humanize.Comma(int64(header.AddressedTilesCount)))
	fmt.Fprintf(w, "tile data size: %s\n", humanize.Bytes(header.TileDataLength))
	fmt.Fprintf(w, "clustered: %t\n", header.Clustered)
	return nil
}
