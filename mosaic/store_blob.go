package mosaic

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobStore keeps a catalog as one object in a gocloud bucket.
type BlobStore struct {
	bucket   *blob.Bucket
	key      string
	location string
	owned    bool
}

// NewBlobStore returns a store for key in an open bucket. Closing the store
// leaves the bucket open.
func NewBlobStore(bucket *blob.Bucket, key string) *BlobStore {
	return &BlobStore{bucket: bucket, key: key, location: key}
}

// OpenBlobStore opens the bucket of a location such as
// s3://bucket/path/catalog.json?region=us-west-2.
func OpenBlobStore(ctx context.Context, location string) (*BlobStore, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, fmt.Errorf("no object key in %s", location)
	}
	bucketURL := u.Scheme + "://" + u.Host
	if u.RawQuery != "" {
		bucketURL += "?" + u.RawQuery
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &BlobStore{bucket: bucket, key: key, location: location, owned: true}, nil
}

func isBlobNotFound(err error) bool {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return true
	}
	status, ok := providerStatusCode(err)
	return ok && status == 404
}

func (s *BlobStore) Load(ctx context.Context) (*Catalog, error) {
	data, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if isBlobNotFound(err) {
			return nil, &NotFoundError{Location: s.location, Err: err}
		}
		return nil, err
	}
	return UnmarshalCatalog(data)
}

// Save writes the object in one upload; readers never see a partial catalog.
func (s *BlobStore) Save(ctx context.Context, catalog *Catalog) error {
	gz := isGzipLocation(s.key)
	data, err := MarshalCatalog(catalog, gz)
	if err != nil {
		return err
	}
	contentType := "application/json"
	if gz {
		contentType = "application/gzip"
	}
	return s.bucket.WriteAll(ctx, s.key, data, &blob.WriterOptions{ContentType: contentType})
}

func (s *BlobStore) SupportsUpdate() bool {
	return true
}

func (s *BlobStore) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

func (s *BlobStore) String() string {
	return s.location
}
