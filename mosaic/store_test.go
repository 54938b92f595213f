package mosaic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"gocloud.dev/blob/memblob"
)

func storeCatalog() *Catalog {
	c := fixtureCatalog()
	c.Tiles["1"] = []string{"c.pmtiles", "b.pmtiles"}
	return c
}

// exerciseStore checks the contract every writable store shares.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	var notFound *NotFoundError
	_, err := store.Load(ctx)
	assert.True(t, errors.As(err, &notFound))

	assert.True(t, store.SupportsUpdate())
	c := storeCatalog()
	assert.Nil(t, store.Save(ctx, c))
	loaded, err := store.Load(ctx)
	assert.Nil(t, err)
	assert.Equal(t, c, loaded)

	// a second save replaces every quadkey
	smaller := c.Clone()
	delete(smaller.Tiles, "1")
	smaller.Metadata = nil
	assert.Nil(t, store.Save(ctx, smaller))
	loaded, err = store.Load(ctx)
	assert.Nil(t, err)
	assert.Equal(t, smaller, loaded)

	// documents from other producers may leave out quadkey_zoom
	bare := c.Clone()
	bare.QuadkeyZoom = nil
	assert.Nil(t, store.Save(ctx, bare))
	loaded, err = store.Load(ctx)
	assert.Nil(t, err)
	assert.Nil(t, loaded.QuadkeyZoom)
	assert.Equal(t, bare, loaded)
}

func TestFileStore(t *testing.T) {
	for _, name := range []string{"catalog.json", "catalog.json.gz"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		store := NewFileStore(path)
		exerciseStore(t, store)
		assert.Equal(t, path, store.String())

		info, err := os.Stat(path)
		assert.Nil(t, err)
		assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

		data, _ := os.ReadFile(path)
		assert.Equal(t, filepath.Ext(name) == ".gz", data[0] == 0x1f)

		entries, _ := os.ReadDir(filepath.Dir(path))
		assert.Equal(t, 1, len(entries))
	}
}

func TestBlobStore(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	store := NewBlobStore(bucket, "mosaics/catalog.json.gz")
	exerciseStore(t, store)
	assert.Nil(t, store.Close())

	attrs, err := bucket.Attributes(context.Background(), "mosaics/catalog.json.gz")
	assert.Nil(t, err)
	assert.Equal(t, "application/gzip", attrs.ContentType)
}

func TestOpenBlobStore(t *testing.T) {
	store, err := OpenStore(context.Background(), "mem://bucket/catalog.json")
	assert.Nil(t, err)
	defer store.Close()
	_, ok := store.(*BlobStore)
	assert.True(t, ok)
	exerciseStore(t, store)

	_, err = OpenBlobStore(context.Background(), "mem://bucket")
	assert.NotNil(t, err)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mosaics.sqlite")
	store, err := OpenStore(context.Background(), "sqlite://"+path+":landsat")
	assert.Nil(t, err)
	defer store.Close()
	exerciseStore(t, store)
	assert.Equal(t, "sqlite://"+path+":landsat", store.String())

	// names are independent
	other, err := NewSQLiteStore(path, "sentinel")
	assert.Nil(t, err)
	defer other.Close()
	var notFound *NotFoundError
	_, err = other.Load(context.Background())
	assert.True(t, errors.As(err, &notFound))

	_, err = OpenSQLiteStore("sqlite://" + path)
	assert.NotNil(t, err)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	assert.Nil(t, err)
	t.Cleanup(mr.Close)

	store, err := OpenStore(context.Background(), "redis://"+mr.Addr()+"/0?name=landsat")
	assert.Nil(t, err)
	defer store.Close()
	exerciseStore(t, store)

	assert.True(t, mr.Exists("mosaic:landsat"))
	assert.True(t, mr.Exists("mosaic:landsat:tiles"))
	keys, err := mr.HKeys("mosaic:landsat:tiles")
	assert.Nil(t, err)
	assert.Equal(t, []string{"0"}, keys)

	_, err = OpenRedisStore(context.Background(), "redis://"+mr.Addr()+"/0")
	assert.NotNil(t, err)
}

func TestHTTPStore(t *testing.T) {
	data, err := MarshalCatalog(storeCatalog(), false)
	assert.Nil(t, err)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/catalog.json":
			w.Write(data)
		case "/broken.json":
			w.WriteHeader(500)
		default:
			w.WriteHeader(404)
		}
	}))
	defer ts.Close()

	store, err := OpenStore(context.Background(), ts.URL+"/catalog.json")
	assert.Nil(t, err)
	loaded, err := store.Load(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, storeCatalog(), loaded)
	assert.False(t, store.SupportsUpdate())

	err = store.Save(context.Background(), loaded)
	var unsupported *UnsupportedOperationError
	assert.True(t, errors.As(err, &unsupported))

	var notFound *NotFoundError
	_, err = NewHTTPStore(ts.URL + "/missing.json").Load(context.Background())
	assert.True(t, errors.As(err, &notFound))

	_, err = NewHTTPStore(ts.URL + "/broken.json").Load(context.Background())
	assert.NotNil(t, err)
	assert.False(t, errors.As(err, &notFound))
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore(context.Background(), "catalog.json")
	assert.Nil(t, err)
	assert.Equal(t, NewFileStore("catalog.json"), store)

	store, err = OpenStore(context.Background(), "file:///tmp/catalog.json")
	assert.Nil(t, err)
	assert.Equal(t, filepath.FromSlash("/tmp/catalog.json"), store.String())

	_, err = OpenStore(context.Background(), "ftp://host/catalog.json")
	assert.NotNil(t, err)
}
