package mosaic

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Store persists one catalog at one location.
type Store interface {
	// Load returns a NotFoundError when the location holds no catalog.
	Load(ctx context.Context) (*Catalog, error)
	// Save returns an UnsupportedOperationError on read-only media.
	Save(ctx context.Context, catalog *Catalog) error
	SupportsUpdate() bool
	Close() error
	String() string
}

// OpenStore returns the store for a catalog location:
//
//	path/to/catalog.json, file:///abs/catalog.json.gz  local file
//	s3://, gs://, azblob://, mem://                     object storage
//	http://, https://                                   read-only HTTP
//	sqlite:///path/to/db.sqlite:name                    SQLite database
//	redis://host:port/db?name=name                      Redis
//
// Locations ending in .gz are gzip compressed.
func OpenStore(ctx context.Context, location string) (Store, error) {
	scheme, _, found := strings.Cut(location, "://")
	if !found {
		return NewFileStore(location), nil
	}

	switch scheme {
	case "file":
		u, err := url.Parse(location)
		if err != nil {
			return nil, err
		}
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		if string(os.PathSeparator) != "/" {
			path = strings.TrimPrefix(path, "/")
		}
		return NewFileStore(filepath.FromSlash(path)), nil
	case "http", "https":
		return NewHTTPStore(location), nil
	case "sqlite":
		return OpenSQLiteStore(location)
	case "redis", "rediss":
		return OpenRedisStore(ctx, location)
	case "s3", "gs", "azblob", "mem":
		return OpenBlobStore(ctx, location)
	}
	return nil, fmt.Errorf("unsupported catalog location %s", location)
}

func isGzipLocation(location string) bool {
	return strings.HasSuffix(location, ".gz")
}
