package las

import (
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec names.
const (
	CodecNone      = "none"
	CodecBinary    = "binary"
	CodecZstandard = "zstandard"
	CodecLaszip    = "laszip"
)

// A Codec expands compressed point data into meta.PointCount raw records.
type Codec interface {
	Decompress(data []byte, meta Metadata) ([]byte, error)
}

// CodecFunc adapts a function to a Codec.
type CodecFunc func(data []byte, meta Metadata) ([]byte, error)

// Decompress calls f.
func (f CodecFunc) Decompress(data []byte, meta Metadata) ([]byte, error) {
	return f(data, meta)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{}
)

// RegisterCodec registers a codec under name, replacing any previous one. LASzip has no
// built-in implementation; hosts that read compressed COPC or LAZ data register one here.
func RegisterCodec(name string, c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[strings.ToLower(name)] = c
}

// DeregisterCodec removes the codec registered under name.
func DeregisterCodec(name string) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	delete(codecs, strings.ToLower(name))
}

// LookupCodec returns the codec registered under name. An empty name means CodecNone.
func LookupCodec(name string) (Codec, bool) {
	if name == "" {
		name = CodecNone
	}
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[strings.ToLower(name)]
	return c, ok
}

var identity = CodecFunc(func(data []byte, _ Metadata) ([]byte, error) {
	return data, nil
})

var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(errors.Wrap(err, "creating zstandard decoder"))
	}
	RegisterCodec(CodecNone, identity)
	RegisterCodec(CodecBinary, identity)
	RegisterCodec(CodecZstandard, CodecFunc(func(data []byte, _ Metadata) ([]byte, error) {
		return zstdDecoder.DecodeAll(data, nil)
	}))
}
