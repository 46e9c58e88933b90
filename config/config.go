// Package config reads the pcstream session configuration: scheduler and transport
// tuning plus the datasets to stream.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/pcstream/fetch"
	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/logging"
	"go.viam.com/pcstream/octree"
	"go.viam.com/pcstream/scheduler"
)

// Config describes a streaming session.
type Config struct {
	LogLevel      string          `json:"log_level,omitempty"`
	DecodeWorkers int             `json:"decode_workers,omitempty"`
	Scheduler     SchedulerConfig `json:"scheduler"`
	HTTP          HTTPConfig      `json:"http"`
	Datasets      []Dataset       `json:"datasets"`

	// ConfigFilePath is the path the config was read from, if any.
	ConfigFilePath string `json:"-"`
}

// Validate returns an error naming the first invalid field.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := logging.LevelFromString(c.LogLevel); err != nil {
			return utils.NewConfigValidationError("log_level", err)
		}
	}
	if c.DecodeWorkers < 0 {
		return utils.NewConfigValidationError("decode_workers", errors.New("must not be negative"))
	}
	if err := c.Scheduler.Validate("scheduler"); err != nil {
		return err
	}
	if err := c.HTTP.Validate("http"); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Datasets))
	for idx := range c.Datasets {
		path := fmt.Sprintf("datasets.%d", idx)
		if err := c.Datasets[idx].Validate(path); err != nil {
			return err
		}
		name := c.Datasets[idx].Name
		if _, ok := seen[name]; ok {
			return utils.NewConfigValidationError(path, errors.Errorf("dataset name %q is not unique", name))
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Level returns the configured log level, INFO when unset.
func (c *Config) Level() logging.Level {
	if c.LogLevel == "" {
		return logging.INFO
	}
	level, err := logging.LevelFromString(c.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// Dataset returns the dataset with the given name.
func (c *Config) Dataset(name string) (Dataset, bool) {
	for _, d := range c.Datasets {
		if d.Name == name {
			return d, true
		}
	}
	return Dataset{}, false
}

// NewPool returns a decode pool sized by DecodeWorkers.
func (c *Config) NewPool() *las.Pool {
	return las.NewPool(c.DecodeWorkers)
}

// SchedulerConfig tunes the request scheduler. Durations are Go duration strings.
type SchedulerConfig struct {
	MaxCommandsPerHost int    `json:"max_commands_per_host,omitempty"`
	CacheLifetime      string `json:"cache_lifetime,omitempty"`
	CacheFlushInterval string `json:"cache_flush_interval,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *SchedulerConfig) Validate(path string) error {
	if cfg.MaxCommandsPerHost < 0 {
		return utils.NewConfigValidationError(path+".max_commands_per_host", errors.New("must not be negative"))
	}
	if _, err := parseDuration(cfg.CacheLifetime); err != nil {
		return utils.NewConfigValidationError(path+".cache_lifetime", err)
	}
	if _, err := parseDuration(cfg.CacheFlushInterval); err != nil {
		return utils.NewConfigValidationError(path+".cache_flush_interval", err)
	}
	return nil
}

// SchedulerConfig converts to a scheduler.Config; unset values take the scheduler defaults.
func (cfg *SchedulerConfig) SchedulerConfig() (scheduler.Config, error) {
	lifetime, err := parseDuration(cfg.CacheLifetime)
	if err != nil {
		return scheduler.Config{}, err
	}
	flush, err := parseDuration(cfg.CacheFlushInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		MaxCommandsPerHost: cfg.MaxCommandsPerHost,
		CacheLifetime:      lifetime,
		CacheFlushInterval: flush,
	}, nil
}

// HTTPConfig tunes the HTTP transport.
type HTTPConfig struct {
	Timeout   string            `json:"timeout,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	RateLimit float64           `json:"rate_limit,omitempty"`
	Burst     int               `json:"burst,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *HTTPConfig) Validate(path string) error {
	if _, err := parseDuration(cfg.Timeout); err != nil {
		return utils.NewConfigValidationError(path+".timeout", err)
	}
	if cfg.RateLimit < 0 {
		return utils.NewConfigValidationError(path+".rate_limit", errors.New("must not be negative"))
	}
	if cfg.Burst < 0 {
		return utils.NewConfigValidationError(path+".burst", errors.New("must not be negative"))
	}
	return nil
}

// Options returns the fetch options described by the config.
func (cfg *HTTPConfig) Options() ([]fetch.HTTPOption, error) {
	var opts []fetch.HTTPOption
	timeout, err := parseDuration(cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		opts = append(opts, fetch.WithTimeout(timeout))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, fetch.WithHeaders(cfg.Headers))
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = 1
		}
		opts = append(opts, fetch.WithRateLimit(cfg.RateLimit, burst))
	}
	return opts, nil
}

// A Dataset names a point cloud to stream. Attributes hold format specific options, see
// DatasetAttributes.
type Dataset struct {
	Name       string                 `json:"name"`
	URL        string                 `json:"url"`
	Format     string                 `json:"format,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// DatasetAttributes are the options a dataset may carry in its attributes.
type DatasetAttributes struct {
	// ColorDepth forces 8 or 16 bit colors for EPT data.
	ColorDepth int `json:"color_depth"`
	// MaxDepth bounds hierarchy walks, negative for unlimited.
	MaxDepth *int `json:"max_depth"`
}

// Validate ensures all parts of the config are valid.
func (d *Dataset) Validate(path string) error {
	if d.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if d.URL == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "url")
	}
	switch octree.Format(d.Format) {
	case octree.FormatAuto:
		if _, err := octree.DetectFormat(d.URL); err != nil {
			return utils.NewConfigValidationError(path+".url", err)
		}
	case octree.FormatCOPC, octree.FormatEPT, octree.FormatPotree:
	default:
		return utils.NewConfigValidationError(path+".format", errors.Errorf("unknown point cloud format %q", d.Format))
	}
	attrs, err := d.ParseAttributes()
	if err != nil {
		return utils.NewConfigValidationError(path+".attributes", err)
	}
	switch attrs.ColorDepth {
	case las.ColorDepthAuto, las.ColorDepth8, las.ColorDepth16:
	default:
		return utils.NewConfigValidationError(path+".attributes.color_depth",
			errors.Errorf("must be 8 or 16, got %d", attrs.ColorDepth))
	}
	return nil
}

// ParseAttributes decodes the dataset attributes. Unknown attributes are an error.
func (d *Dataset) ParseAttributes() (*DatasetAttributes, error) {
	var attrs DatasetAttributes
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &attrs,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(d.Attributes); err != nil {
		return nil, err
	}
	return &attrs, nil
}

// LayerConfig returns the octree layer config for the dataset. The caller fills in the
// shared scheduler, pool and logger.
func (d *Dataset) LayerConfig() (octree.LayerConfig, error) {
	attrs, err := d.ParseAttributes()
	if err != nil {
		return octree.LayerConfig{}, err
	}
	return octree.LayerConfig{
		Name:       d.Name,
		Format:     octree.Format(d.Format),
		URL:        d.URL,
		ColorDepth: attrs.ColorDepth,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}
