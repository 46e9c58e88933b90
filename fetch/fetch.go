// Package fetch retrieves byte ranges of remote or local resources and exposes them to the
// scheduler as the "range" protocol.
package fetch

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/pcstream/logging"
)

// A Fetcher reads bytes [start, end) of the resource at url. A negative end reads to the end
// of the resource.
type Fetcher interface {
	Fetch(ctx context.Context, url string, start, end int64) ([]byte, error)
}

// LocalHost is the host used to queue commands reading local files.
const LocalHost = "localhost-file"

// HostOf returns the queue host for a resource url.
func HostOf(rawURL string) string {
	if !isHTTP(rawURL) {
		return LocalHost
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func isHTTP(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Mux routes http(s) urls to an HTTPFetcher and everything else to a FileFetcher.
type Mux struct {
	HTTP *HTTPFetcher
	File *FileFetcher
}

// NewMux returns a Mux over a default HTTP fetcher configured by opts and a file fetcher.
func NewMux(logger logging.Logger, opts ...HTTPOption) *Mux {
	return &Mux{HTTP: NewHTTPFetcher(logger, opts...), File: NewFileFetcher()}
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	if isHTTP(rawURL) {
		if m.HTTP == nil {
			return nil, errors.Errorf("no http fetcher configured for %q", rawURL)
		}
		return m.HTTP.Fetch(ctx, rawURL, start, end)
	}
	if m.File == nil {
		return nil, errors.Errorf("no file fetcher configured for %q", rawURL)
	}
	return m.File.Fetch(ctx, rawURL, start, end)
}

func checkRange(rawURL string, start, end int64) error {
	if start < 0 {
		return errors.Errorf("invalid range start %d for %q", start, rawURL)
	}
	if end >= 0 && end < start {
		return errors.Errorf("invalid range [%d, %d) for %q", start, end, rawURL)
	}
	return nil
}
