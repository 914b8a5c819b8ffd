package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/banshee-data/pointcloud/internal/httputil"
	"github.com/banshee-data/pointcloud/internal/version"
)

// URL is a source fetched with an HTTP GET.
type URL struct {
	client httputil.HTTPClient
	raw    string
}

// NewURL returns a source for rawURL. A nil client uses http.DefaultClient.
func NewURL(rawURL string, client httputil.HTTPClient) (*URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported source url scheme %q", u.Scheme)
	}
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &URL{client: client, raw: rawURL}, nil
}

// Name returns the last path element of the URL.
func (s *URL) Name() string {
	u, err := url.Parse(s.raw)
	if err != nil || u.Path == "" {
		return s.raw
	}
	return baseName(u.Path)
}

// URL returns the source URL.
func (s *URL) URL() string { return s.raw }

func (s *URL) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.raw, nil)
	if err != nil {
		return nil, 0, &Error{Source: s.raw, Op: "fetch", Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, &Error{Source: s.raw, Op: "fetch", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		err := fmt.Errorf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		if resp.StatusCode == http.StatusNotFound {
			err = fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, 0, &Error{Source: s.raw, Op: "fetch", Err: err}
	}
	size := resp.ContentLength
	if size < 0 {
		size = UnknownSize
	}
	return resp.Body, size, nil
}
