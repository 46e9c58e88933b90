package config

import (
	"bytes"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"go.viam.com/pcstream/logging"
)

// Read reads a config from the given file. Environment variables are substituted before
// parsing.
func Read(filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json5.Unmarshal(buf, &cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %s", originalPath)
	}
	cfg.ConfigFilePath = originalPath
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debugw("read config", "path", originalPath, "datasets", len(cfg.Datasets))
	return &cfg, nil
}
