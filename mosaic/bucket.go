package mosaic

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"github.com/cespare/xxhash/v2"
	"gocloud.dev/blob"
	"google.golang.org/api/googleapi"
)

// Bucket reads byte ranges of asset files from a directory, an HTTP server
// or a cloud bucket.
type Bucket interface {
	Close() error
	NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error)
	// NewRangeReaderEtag fails with a RefreshRequiredError when etag is set
	// and the object no longer matches it.
	NewRangeReaderEtag(ctx context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error)
}

// RefreshRequiredError indicates that an asset changed since it was first read.
type RefreshRequiredError struct {
	StatusCode int
}

func (m *RefreshRequiredError) Error() string {
	return fmt.Sprintf("HTTP error indicates file has changed: %d", m.StatusCode)
}

func isRefreshRequiredCode(code int) bool {
	return code == http.StatusPreconditionFailed || code == http.StatusRequestedRangeNotSatisfiable
}

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, n)
	return bs
}

func hasherToEtag(hasher *xxhash.Digest) string {
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(uintToBytes(hasher.Sum64())))
}

func generateEtag(data []byte) string {
	hasher := xxhash.New()
	hasher.Write(data)
	return hasherToEtag(hasher)
}

func generateEtagFromInts(ns ...int64) string {
	hasher := xxhash.New()
	for _, n := range ns {
		hasher.Write(uintToBytes(uint64(n)))
	}
	return hasherToEtag(hasher)
}

// FileBucket is a bucket backed by a directory on disk.
type FileBucket struct {
	path string
}

func NewFileBucket(path string) *FileBucket {
	return &FileBucket{path: path}
}

func (b FileBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b FileBucket) NewRangeReaderEtag(_ context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	file, err := os.Open(filepath.Join(b.path, key))
	if err != nil {
		return nil, "", 404, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, "", 404, err
	}
	newEtag := generateEtagFromInts(info.ModTime().UnixNano(), info.Size())
	if len(etag) > 0 && etag != newEtag {
		return nil, "", 412, &RefreshRequiredError{412}
	}
	if offset >= info.Size() {
		return nil, "", 416, &RefreshRequiredError{416}
	}

	result := make([]byte, length)
	read, err := file.ReadAt(result, offset)
	if err != nil && err != io.EOF {
		return nil, "", 500, err
	}
	return io.NopCloser(bytes.NewReader(result[:read])), newEtag, 206, nil
}

func (b FileBucket) Close() error {
	return nil
}

// HTTPClient lets tests swap out the default client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBucket reads ranges with HTTP Range requests below a base URL.
type HTTPBucket struct {
	baseURL string
	client  HTTPClient
}

func (b HTTPBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b HTTPBucket) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+"/"+key, nil)
	if err != nil {
		return nil, "", 500, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if len(etag) > 0 {
		req.Header.Set("If-Match", etag)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", 500, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		if isRefreshRequiredCode(resp.StatusCode) {
			err = &RefreshRequiredError{resp.StatusCode}
		} else {
			err = fmt.Errorf("HTTP error: %d", resp.StatusCode)
		}
		return nil, "", resp.StatusCode, err
	}
	return resp.Body, resp.Header.Get("ETag"), resp.StatusCode, nil
}

func (b HTTPBucket) Close() error {
	return nil
}

// BucketAdapter reads from a gocloud bucket, passing ETags as provider
// specific preconditions.
type BucketAdapter struct {
	Bucket *blob.Bucket
}

func (ba BucketAdapter) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := ba.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func etagToGeneration(etag string) int64 {
	i, _ := strconv.ParseInt(etag, 10, 64)
	return i
}

func generationToEtag(generation int64) string {
	return strconv.FormatInt(generation, 10)
}

func setProviderEtag(asFunc func(interface{}) bool, etag string) {
	var awsV2Req *s3.GetObjectInput
	var azblobReq *azblob.DownloadStreamOptions
	var gcsHandle **storage.ObjectHandle
	if asFunc(&awsV2Req) {
		awsV2Req.IfMatch = aws.String(etag)
	} else if asFunc(&azblobReq) {
		azEtag := azcore.ETag(etag)
		azblobReq.AccessConditions = &azblob.AccessConditions{
			ModifiedAccessConditions: &container.ModifiedAccessConditions{
				IfMatch: &azEtag,
			},
		}
	} else if asFunc(&gcsHandle) {
		*gcsHandle = (*gcsHandle).If(storage.Conditions{
			GenerationMatch: etagToGeneration(etag),
		})
	}
}

// providerStatusCode extracts the HTTP status of an S3, Azure or GCS error.
func providerStatusCode(err error) (int, bool) {
	var awsV2Err *smithyHttp.ResponseError
	var azureErr *azcore.ResponseError
	var gcpErr *googleapi.Error

	if errors.As(err, &awsV2Err) {
		return awsV2Err.HTTPStatusCode(), true
	} else if errors.As(err, &azureErr) {
		return azureErr.StatusCode, true
	} else if errors.As(err, &gcpErr) {
		return gcpErr.Code, true
	}
	return 0, false
}

func getProviderEtag(reader *blob.Reader) string {
	var awsV2Resp s3.GetObjectOutput
	var azureResp azblob.DownloadStreamResponse
	var gcpResp *storage.Reader

	if reader.As(&awsV2Resp) && awsV2Resp.ETag != nil {
		return *awsV2Resp.ETag
	} else if reader.As(&azureResp) && azureResp.ETag != nil {
		return string(*azureResp.ETag)
	} else if reader.As(&gcpResp) {
		return generationToEtag(gcpResp.Attrs.Generation)
	}
	return ""
}

func (ba BucketAdapter) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	reader, err := ba.Bucket.NewRangeReader(ctx, key, offset, length, &blob.ReaderOptions{
		BeforeRead: func(asFunc func(interface{}) bool) error {
			if len(etag) > 0 {
				setProviderEtag(asFunc, etag)
			}
			return nil
		},
	})
	if err != nil {
		status, ok := providerStatusCode(err)
		if !ok {
			status = 404
		}
		if isRefreshRequiredCode(status) {
			return nil, "", status, &RefreshRequiredError{status}
		}
		return nil, "", status, err
	}
	return reader, getProviderEtag(reader), 206, nil
}

func (ba BucketAdapter) Close() error {
	return ba.Bucket.Close()
}

// splitAsset separates an asset location into a bucket URL and a key.
// Plain paths become file:// buckets.
func splitAsset(asset string) (string, string, error) {
	if strings.HasPrefix(asset, "http://") || strings.HasPrefix(asset, "https://") {
		u, err := url.Parse(asset)
		if err != nil {
			return "", "", err
		}
		dir, file := path.Split(u.Path)
		return u.Scheme + "://" + u.Host + strings.TrimSuffix(dir, "/"), file, nil
	}
	if scheme, rest, ok := strings.Cut(asset, "://"); ok && scheme != "file" {
		u, err := url.Parse(asset)
		if err != nil {
			return "", "", err
		}
		bucketURL := scheme + "://" + u.Host
		if u.RawQuery != "" {
			bucketURL += "?" + u.RawQuery
		}
		if rest == "" {
			return "", "", fmt.Errorf("no key in asset %s", asset)
		}
		return bucketURL, strings.TrimPrefix(u.Path, "/"), nil
	}

	fileprotocol := "file://"
	if string(os.PathSeparator) != "/" {
		fileprotocol += "/"
	}
	abs, err := filepath.Abs(strings.TrimPrefix(asset, fileprotocol))
	if err != nil {
		return "", "", err
	}
	return fileprotocol + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
}

// OpenBucket opens the bucket at a URL returned by splitAsset.
func OpenBucket(ctx context.Context, bucketURL string) (Bucket, error) {
	if strings.HasPrefix(bucketURL, "http") {
		return HTTPBucket{bucketURL, http.DefaultClient}, nil
	}
	if strings.HasPrefix(bucketURL, "file") {
		fileprotocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileprotocol += "/"
		}
		return NewFileBucket(filepath.FromSlash(strings.TrimPrefix(bucketURL, fileprotocol))), nil
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return BucketAdapter{bucket}, nil
}
