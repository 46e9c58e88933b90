package las

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultChunkPoints is the number of records one goroutine decodes at a time.
const DefaultChunkPoints = 1 << 16

// A Pool decodes point data off the calling goroutine. At most workers decodes run at once
// and large chunks are split over several goroutines.
type Pool struct {
	workers     int
	chunkPoints int
	sem         *semaphore.Weighted
}

// NewPool returns a pool running at most workers decodes at once; zero or less means one
// per CPU.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{workers: workers, chunkPoints: DefaultChunkPoints, sem: semaphore.NewWeighted(int64(workers))}
}

// Workers returns the concurrency bound of the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// Decode is like the package level Decode but waits for a free slot first and honours ctx.
func (p *Pool) Decode(ctx context.Context, meta Metadata, data []byte) (*Attributes, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "waiting for a decode slot")
	}
	defer p.sem.Release(1)

	d, err := prepare(meta, data)
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for from := 0; from < meta.PointCount; from += p.chunkPoints {
		from := from
		to := min(from+p.chunkPoints, meta.PointCount)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.extract(from, to)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.finish()
	return d.attrs, nil
}
