package mosaic

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// CreateTileJSON describes a catalog as TileJSON 2.2.0. tileURL is the
// tile endpoint up to the /{z}/{x}/{y} part.
func CreateTileJSON(catalog *Catalog, location string, tileURL string, scale int, format ImageFormat) ([]byte, error) {
	tilejson := make(map[string]interface{})

	suffix := "/{z}/{x}/{y}"
	if scale > 1 {
		suffix += fmt.Sprintf("@%dx", scale)
	}
	if format != "" {
		suffix += "." + string(format)
	}
	query := url.Values{"url": []string{location}}

	tilejson["tilejson"] = "2.2.0"
	tilejson["scheme"] = "xyz"
	tilejson["tiles"] = []string{tileURL + suffix + "?" + query.Encode()}
	tilejson["name"] = location
	if name, ok := catalog.Metadata["name"]; ok {
		tilejson["name"] = name
	}
	if description, ok := catalog.Metadata["description"]; ok {
		tilejson["description"] = description
	}
	if attribution, ok := catalog.Metadata["attribution"]; ok {
		tilejson["attribution"] = attribution
	}
	tilejson["bounds"] = catalog.Bounds
	tilejson["center"] = catalog.Center
	tilejson["minzoom"] = catalog.MinZoom
	tilejson["maxzoom"] = catalog.MaxZoom

	return json.Marshal(tilejson)
}
