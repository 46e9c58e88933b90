package octree

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.viam.com/test"

	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/scheduler"
	"go.viam.com/pcstream/utils"
)

// memFetcher serves in-memory files and counts the fetches of every url.
type memFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
	calls map[string]int
}

func newMemFetcher(files map[string][]byte) *memFetcher {
	return &memFetcher{files: files, calls: map[string]int{}}
}

func (f *memFetcher) Fetch(ctx context.Context, url string, start, end int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	f.calls[fmt.Sprintf("%s[%d:%d]", url, start, end)]++
	b, ok := f.files[url]
	if !ok {
		return nil, utils.NewRequestError(url, 404)
	}
	if end < 0 {
		end = int64(len(b))
	}
	if start < 0 || end > int64(len(b)) || start > end {
		return nil, utils.NewMalformedFormatErrorf("byte range", "[%d, %d) outside of %d bytes", start, end, len(b))
	}
	return append([]byte(nil), b[start:end]...), nil
}

func (f *memFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func openTestLayer(t *testing.T, f *memFetcher, url string) *Layer {
	t.Helper()
	logger := logging.NewTestLogger(t)
	sched := scheduler.New(scheduler.Config{}, logger)
	t.Cleanup(sched.Close)
	l, err := OpenLayer(context.Background(), LayerConfig{URL: url, Scheduler: sched, Fetcher: f, Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(l.Close)
	return l
}

func readyLayer(t *testing.T, f *memFetcher, url string) *Layer {
	t.Helper()
	l := openTestLayer(t, f, url)
	test.That(t, l.WhenReady(context.Background()), test.ShouldBeNil)
	return l
}

func childIDs(n Node) []string {
	var ids []string
	for _, c := range n.Children() {
		ids = append(ids, c.ID())
	}
	return ids
}
