package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
	"github.com/vaultdisk/vaultdisk/pkg/vderrors"
)

// HTTPStore fetches chunks by appending their hex address to a base URL. It
// implements Getter only: publishing a repository over HTTP happens out of
// band (uploading whatever a FilesystemStore produced to a static host).
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPStore returns a store that fetches chunks from base, a URL whose
// path resolves by appending "/<chunk-hex>".
func NewHTTPStore(base *url.URL, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{base: base, client: client}
}

// Get fetches the chunk at addr, following redirects (the default
// http.Client behavior) and translating a 404 into vderrors.ErrNotFound.
func (s *HTTPStore) Get(ctx context.Context, addr chunkaddr.Address) ([]byte, error) {
	u := *s.base
	u.Path = u.Path + "/" + addr.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %v", vderrors.ErrIO, addr, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", vderrors.ErrIO, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", vderrors.ErrNotFound, addr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: unexpected status %s", vderrors.ErrIO, addr, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body for %s: %v", vderrors.ErrIO, addr, err)
	}
	return data, nil
}
