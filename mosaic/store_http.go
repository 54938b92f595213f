package mosaic

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPStore reads a catalog from a URL. It cannot write.
type HTTPStore struct {
	url    string
	client HTTPClient
}

// NewHTTPStore returns a read-only store for url.
func NewHTTPStore(url string) *HTTPStore {
	return &HTTPStore{url: url, client: http.DefaultClient}
}

func (s *HTTPStore) Load(ctx context.Context) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Location: s.url}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return UnmarshalCatalog(data)
}

func (s *HTTPStore) Save(_ context.Context, _ *Catalog) error {
	return &UnsupportedOperationError{Store: "HTTP store", Operation: "write"}
}

func (s *HTTPStore) SupportsUpdate() bool {
	return false
}

func (s *HTTPStore) Close() error {
	return nil
}

func (s *HTTPStore) String() string {
	return s.url
}
