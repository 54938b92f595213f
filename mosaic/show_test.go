package mosaic

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShow(t *testing.T) {
	location := filepath.Join(t.TempDir(), "catalog.json")
	assert.Nil(t, NewFileStore(location).Save(context.Background(), fixtureCatalog()))

	var buf bytes.Buffer
	assert.Nil(t, Show(context.Background(), location, &buf))
	out := buf.String()
	assert.True(t, strings.Contains(out, "mosaicjson version: "+CatalogVersion))
	assert.True(t, strings.Contains(out, "min zoom: 1"))
	assert.True(t, strings.Contains(out, "max zoom: 8"))
	assert.True(t, strings.Contains(out, "assets: 2"))
	assert.True(t, strings.Contains(out, "quadkeys: 2"))
	assert.True(t, strings.Contains(out, "quadkey entries: 3"))
	assert.True(t, strings.Contains(out, "max assets per quadkey: 2"))
	assert.True(t, strings.Contains(out, "name test"))
}

func TestShowMissing(t *testing.T) {
	var buf bytes.Buffer
	err := Show(context.Background(), filepath.Join(t.TempDir(), "missing.json"), &buf)
	assert.NotNil(t, err)
	assert.Empty(t, buf.String())
}
