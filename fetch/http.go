package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/utils"
)

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) HTTPOption {
	return func(f *HTTPFetcher) {
		for k, v := range headers {
			f.headers.Set(k, v)
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.timeout = timeout
	}
}

// WithRateLimit caps the request rate to each host. A non-positive perSecond disables the cap.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(f *HTTPFetcher) {
		if perSecond <= 0 {
			f.limit = rate.Inf
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limit = rate.Limit(perSecond)
		f.burst = burst
	}
}

// WithClient replaces the pooled client.
func WithClient(client *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// HTTPFetcher fetches byte ranges with HTTP Range requests.
type HTTPFetcher struct {
	client  *http.Client
	headers http.Header
	timeout time.Duration
	limit   rate.Limit
	burst   int
	logger  logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	bytesFetched atomic.Int64
	requests     atomic.Int64
}

// NewHTTPFetcher returns a fetcher backed by a pooled client.
func NewHTTPFetcher(logger logging.Logger, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:   cleanhttp.DefaultPooledClient(),
		headers:  http.Header{},
		limit:    rate.Inf,
		burst:    1,
		logger:   logger,
		limiters: map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BytesFetched returns the number of body bytes received so far.
func (f *HTTPFetcher) BytesFetched() int64 {
	return f.bytesFetched.Load()
}

// Requests returns the number of requests sent so far.
func (f *HTTPFetcher) Requests() int64 {
	return f.requests.Load()
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.limiters[host] = l
	}
	return l
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	if err := checkRange(rawURL, start, end); err != nil {
		return nil, err
	}
	if err := f.limiter(HostOf(rawURL)).Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "waiting to fetch %q", rawURL)
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %q", rawURL)
	}
	for k, v := range f.headers {
		req.Header[k] = v
	}
	ranged := start > 0 || end >= 0
	if ranged {
		if end >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}

	f.requests.Inc()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, rawURL, err)
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, utils.NewTransientNetworkError(rawURL, errors.Errorf("status %d", resp.StatusCode))
	default:
		return nil, utils.NewRequestError(rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, rawURL, err)
	}
	f.bytesFetched.Add(int64(len(body)))

	if ranged && resp.StatusCode == http.StatusOK {
		// the server ignored the Range header and sent the whole resource
		f.logger.Debugw("server ignored range request", "url", rawURL)
		if start > int64(len(body)) {
			return nil, utils.NewMalformedFormatErrorf("byte range", "start %d past end of %q (%d bytes)", start, rawURL, len(body))
		}
		body = body[start:]
		if end >= 0 && end-start < int64(len(body)) {
			body = body[:end-start]
		}
	}
	if end >= 0 && int64(len(body)) < end-start {
		return nil, utils.NewTransientNetworkError(rawURL,
			errors.Errorf("short body: got %d bytes, expected %d", len(body), end-start))
	}
	return body, nil
}

func classifyTransportError(ctx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "fetching %q", rawURL)
	}
	// timeouts, resets, refused connections and truncated bodies are all worth retrying
	return utils.NewTransientNetworkError(rawURL, err)
}
