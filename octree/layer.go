package octree

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/pcstream/fetch"
	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/scheduler"
	"go.viam.com/pcstream/utils"
)

// Format is a streamed point cloud format.
type Format string

// The supported formats. FormatAuto guesses from the URL.
const (
	FormatAuto   Format = ""
	FormatCOPC   Format = "copc"
	FormatEPT    Format = "ept"
	FormatPotree Format = "potree"
)

// DetectFormat guesses the format of the dataset at url from its file name.
func DetectFormat(url string) (Format, error) {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".copc.laz"), strings.HasSuffix(lower, ".copc.las"):
		return FormatCOPC, nil
	case strings.HasSuffix(lower, "ept.json"):
		return FormatEPT, nil
	case strings.HasSuffix(lower, "cloud.js"):
		return FormatPotree, nil
	default:
		return FormatAuto, errors.Errorf("cannot guess the point cloud format of %q", url)
	}
}

// Info describes an opened dataset.
type Info struct {
	Format Format
	URL    string
	Points int64
	// Spacing is the distance between points at the root level.
	Spacing float64
	// Cube is the octree root cube and Bounds the tight bounds of the points.
	Cube          Box
	Bounds        Box
	WKT           string
	PointFormatID int
	RecordLength  int
	Codec         string
	Dimensions    []string
}

// LayerConfig configures OpenLayer. Only URL is required.
type LayerConfig struct {
	Name   string
	Format Format
	URL    string
	// ColorDepth forces the color depth of EPT data, see las.Metadata.
	ColorDepth int
	// Scheduler runs the fetches. A scheduler without a range provider gets one serving
	// Fetcher. When nil the layer owns a default scheduler.
	Scheduler *scheduler.Scheduler
	Fetcher   fetch.Fetcher
	Pool      *las.Pool
	Logger    logging.Logger
}

// rangeFunc fetches [start, end) of url; end < 0 reads to the end.
type rangeFunc func(ctx context.Context, url string, start, end int64) ([]byte, error)

// A Layer is an opened dataset whose root hierarchy resolves in the background.
type Layer struct {
	name      string
	info      Info
	tree      *Tree
	logger    logging.Logger
	ownsSched bool
	workers   *utils.StoppableWorkers

	ready    chan struct{}
	readyErr error

	closeOnce sync.Once
}

// OpenLayer reads the dataset metadata, creates the root node and starts resolving its
// hierarchy.
func OpenLayer(ctx context.Context, cfg LayerConfig) (*Layer, error) {
	if cfg.URL == "" {
		return nil, errors.New("layer needs a url")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewBlankLogger("layer")
	}
	format := cfg.Format
	if format == FormatAuto {
		var err error
		if format, err = DetectFormat(cfg.URL); err != nil {
			return nil, err
		}
	}

	l := &Layer{name: cfg.Name, logger: logger, ready: make(chan struct{})}
	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.New(scheduler.Config{}, logger.Sublogger("scheduler"))
		l.ownsSched = true
	}
	if _, ok := sched.GetProtocolProvider(fetch.Protocol); !ok {
		fetcher := cfg.Fetcher
		if fetcher == nil {
			fetcher = fetch.NewMux(logger.Sublogger("fetch"))
		}
		if err := sched.AddProtocolProvider(fetch.Protocol, fetch.NewRangeProvider(fetcher)); err != nil {
			return nil, l.closeAfter(sched, err)
		}
	}
	pool := cfg.Pool
	if pool == nil {
		pool = las.NewPool(0)
	}

	get := func(ctx context.Context, url string, start, end int64) ([]byte, error) {
		return fetch.Range(ctx, sched, fetch.NewRangeCommand(url, start, end, cfg.Name, nil, -1))
	}
	var (
		src  source
		info Info
		err  error
	)
	switch format {
	case FormatCOPC:
		src, info, err = openCOPC(ctx, func(ctx context.Context, start, end int64) ([]byte, error) {
			return get(ctx, cfg.URL, start, end)
		}, cfg.URL)
	case FormatEPT:
		src, info, err = openEPT(ctx, get, cfg.URL, cfg.ColorDepth)
	case FormatPotree:
		src, info, err = openPotree(ctx, get, cfg.URL)
	default:
		err = errors.Errorf("unknown point cloud format %q", format)
	}
	if err != nil {
		return nil, l.closeAfter(sched, errors.Wrapf(err, "opening layer %s", cfg.Name))
	}

	l.info = info
	l.tree = newTree(src, sched, pool, logger)
	l.tree.setRoot(info.Cube, src.rootLocation())
	logger.Infow("opened layer", "name", cfg.Name, "format", format, "points", info.Points)

	l.workers = utils.NewStoppableWorkers(context.WithoutCancel(ctx), func(ctx context.Context) {
		defer close(l.ready)
		if err := l.tree.root.ResolveHierarchy(ctx); err != nil {
			l.logger.Warnw("resolving root hierarchy failed", "name", l.name, "error", err)
			l.readyErr = err
		}
	})
	return l, nil
}

func (l *Layer) closeAfter(sched *scheduler.Scheduler, err error) error {
	if l.ownsSched {
		sched.Close()
	}
	return err
}

// WhenReady blocks until the root hierarchy is resolved and returns the resolution error.
func (l *Layer) WhenReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return l.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.name
}

// Root returns the root node.
func (l *Layer) Root() Node {
	return l.tree.Root()
}

// Tree returns the node tree.
func (l *Layer) Tree() *Tree {
	return l.tree
}

// Scheduler returns the scheduler running the layer fetches.
func (l *Layer) Scheduler() *scheduler.Scheduler {
	return l.tree.sched
}

// Extent returns the bounding box of the root node.
func (l *Layer) Extent() Box {
	return l.tree.root.Box()
}

// Spacing returns the distance between points at the root level.
func (l *Layer) Spacing() float64 {
	return l.info.Spacing
}

// Info describes the dataset.
func (l *Layer) Info() Info {
	return l.info
}

// Close stops the background resolution and, when the layer created it, the scheduler.
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		l.workers.Stop()
		l.tree.close()
		if l.ownsSched {
			l.tree.sched.Close()
		}
	})
}
