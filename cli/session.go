package cli

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/pcstream/config"
	"go.viam.com/pcstream/fetch"
	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/octree"
	"go.viam.com/pcstream/scheduler"
)

// session holds what every command shares: the config, one scheduler and one decode pool.
type session struct {
	cfg     *config.Config
	logger  logging.Logger
	fetcher *fetch.Mux
	sched   *scheduler.Scheduler
	pool    *las.Pool
	layers  []*octree.Layer
}

func newLogger(c *cli.Context) logging.Logger {
	switch {
	case c.Bool(debugFlag):
		return logging.NewDebugLogger("pcstream")
	case c.Bool(jsonLogsFlag):
		return logging.NewJSONLogger("pcstream")
	default:
		return logging.NewLogger("pcstream")
	}
}

func newSession(c *cli.Context) (*session, error) {
	logger := newLogger(c)
	cfg := &config.Config{}
	if path := c.String(configFlag); path != "" {
		var err error
		if cfg, err = config.Read(path, logger); err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
		if !c.Bool(debugFlag) {
			logger.SetLevel(cfg.Level())
		}
	}

	schedCfg, err := cfg.Scheduler.SchedulerConfig()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.HTTP.Options()
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:     cfg,
		logger:  logger,
		fetcher: fetch.NewMux(logger.Sublogger("fetch"), opts...),
		sched:   scheduler.New(schedCfg, logger.Sublogger("scheduler")),
		pool:    cfg.NewPool(),
	}
	if err := s.sched.AddProtocolProvider(fetch.Protocol, fetch.NewRangeProvider(s.fetcher)); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// dataset returns the configured dataset named by the first argument, or a dataset
// streaming the argument as a url.
func (s *session) dataset(c *cli.Context) (config.Dataset, error) {
	arg := c.Args().First()
	if arg == "" {
		return config.Dataset{}, errors.New("a dataset name or url is required")
	}
	ds, ok := s.cfg.Dataset(arg)
	if !ok {
		ds = config.Dataset{Name: arg, URL: arg}
	}
	if format := c.String(formatFlag); format != "" {
		ds.Format = format
	}
	if err := ds.Validate("dataset"); err != nil {
		return config.Dataset{}, err
	}
	return ds, nil
}

// openLayer opens the dataset named by the first argument and waits for its root
// hierarchy.
func (s *session) openLayer(c *cli.Context) (*octree.Layer, *config.DatasetAttributes, error) {
	ds, err := s.dataset(c)
	if err != nil {
		return nil, nil, err
	}
	attrs, err := ds.ParseAttributes()
	if err != nil {
		return nil, nil, err
	}
	layerCfg, err := ds.LayerConfig()
	if err != nil {
		return nil, nil, err
	}
	if c.IsSet(colorDepthFlag) {
		layerCfg.ColorDepth = c.Int(colorDepthFlag)
	}
	layerCfg.Scheduler = s.sched
	layerCfg.Pool = s.pool
	layerCfg.Logger = s.logger.Sublogger(ds.Name)

	layer, err := octree.OpenLayer(c.Context, layerCfg)
	if err != nil {
		return nil, nil, err
	}
	s.layers = append(s.layers, layer)
	if err := layer.WhenReady(c.Context); err != nil {
		return nil, nil, errors.Wrapf(err, "resolving the root of %s", ds.Name)
	}
	return layer, attrs, nil
}

// Close closes every opened layer and the scheduler.
func (s *session) Close() {
	for _, l := range s.layers {
		l.Close()
	}
	s.sched.Close()
}

// printf prints a message with a newline.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
