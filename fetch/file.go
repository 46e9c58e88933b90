package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/pcstream/utils"
)

// FileFetcher reads byte ranges of local files given as plain paths or file:// urls.
type FileFetcher struct{}

// NewFileFetcher returns a FileFetcher.
func NewFileFetcher() *FileFetcher {
	return &FileFetcher{}
}

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	if err := checkRange(rawURL, start, end); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(rawURL, "file://")

	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, utils.NewRequestError(rawURL, http.StatusNotFound)
		}
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer goutils.UncheckedErrorFunc(file.Close)

	if end < 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "seeking %q", path)
		}
		data, err := io.ReadAll(file)
		return data, errors.Wrapf(err, "reading %q", path)
	}

	buf := make([]byte, end-start)
	n, err := file.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	if n < len(buf) {
		return nil, utils.NewMalformedFormatErrorf("byte range",
			"[%d, %d) is past the end of %q (read %d bytes)", start, end, path, n)
	}
	return buf, nil
}
