// Package las parses LAS 1.x headers, variable length records and point records, and
// decodes point records into columnar attribute buffers.
package las

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/pcstream/utils"
)

const (
	// MinHeaderLength is the size of a LAS 1.0 to 1.2 public header block.
	MinHeaderLength = 227
	// HeaderLength14 is the size of a LAS 1.4 public header block.
	HeaderLength14 = 375

	signature = "LASF"
)

// Header is the LAS public header block.
type Header struct {
	FileSourceID       uint16
	GlobalEncoding     uint16
	VersionMajor       uint8
	VersionMinor       uint8
	SystemIdentifier   string
	GeneratingSoftware string
	HeaderSize         uint16
	OffsetToPointData  uint32
	NumVLRs            uint32
	PointFormatID      uint8
	// Compressed is set when the high bits of the point format byte mark LASzip data.
	Compressed        bool
	RecordLength      uint16
	PointCount        uint64
	Scale             [3]float64
	Offset            [3]float64
	Min               r3.Vector
	Max               r3.Vector
	EVLRStart         uint64
	NumEVLRs          uint32
	WaveformDataStart uint64
}

// ParseHeader parses the public header block at the start of b.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < MinHeaderLength {
		return nil, utils.NewMalformedFormatErrorf("las header", "got %d bytes, need at least %d", len(b), MinHeaderLength)
	}
	if string(b[0:4]) != signature {
		return nil, utils.NewMalformedFormatErrorf("las header", "invalid file signature %q", b[0:4])
	}

	le := binary.LittleEndian
	h := &Header{
		FileSourceID:       le.Uint16(b[4:]),
		GlobalEncoding:     le.Uint16(b[6:]),
		VersionMajor:       b[24],
		VersionMinor:       b[25],
		SystemIdentifier:   cString(b[26:58]),
		GeneratingSoftware: cString(b[58:90]),
		HeaderSize:         le.Uint16(b[94:]),
		OffsetToPointData:  le.Uint32(b[96:]),
		NumVLRs:            le.Uint32(b[100:]),
		PointFormatID:      b[104] & 0x3f,
		Compressed:         b[104]&0xc0 != 0,
		RecordLength:       le.Uint16(b[105:]),
		PointCount:         uint64(le.Uint32(b[107:])),
	}
	for i := 0; i < 3; i++ {
		h.Scale[i] = float64At(b, 131+8*i)
		h.Offset[i] = float64At(b, 155+8*i)
	}
	h.Max = r3.Vector{X: float64At(b, 179), Y: float64At(b, 195), Z: float64At(b, 211)}
	h.Min = r3.Vector{X: float64At(b, 187), Y: float64At(b, 203), Z: float64At(b, 219)}

	if h.VersionMajor != 1 {
		return nil, utils.NewMalformedFormatErrorf("las header", "unsupported version %d.%d", h.VersionMajor, h.VersionMinor)
	}
	if int(h.HeaderSize) < MinHeaderLength {
		return nil, utils.NewMalformedFormatErrorf("las header", "header size %d is too small", h.HeaderSize)
	}
	if h.VersionMinor >= 3 && len(b) >= 235 {
		h.WaveformDataStart = le.Uint64(b[227:])
	}
	if h.VersionMinor >= 4 {
		if len(b) < HeaderLength14 {
			return nil, utils.NewMalformedFormatErrorf("las header",
				"got %d bytes, need %d for version 1.4", len(b), HeaderLength14)
		}
		h.EVLRStart = le.Uint64(b[235:])
		h.NumEVLRs = le.Uint32(b[243:])
		if count := le.Uint64(b[247:]); count != 0 {
			h.PointCount = count
		}
	}
	if h.Scale[0] == 0 || h.Scale[1] == 0 || h.Scale[2] == 0 {
		return nil, utils.NewMalformedFormatErrorf("las header", "zero scale %v", h.Scale)
	}
	return h, nil
}

// Metadata returns the decode metadata of the point records described by h.
func (h *Header) Metadata(extraBytes []ExtraBytesField) Metadata {
	codec := CodecNone
	if h.Compressed {
		codec = CodecLaszip
	}
	return Metadata{
		PointFormatID: int(h.PointFormatID),
		RecordLength:  int(h.RecordLength),
		Scale:         h.Scale,
		Offset:        h.Offset,
		ExtraBytes:    extraBytes,
		PointCount:    int(h.PointCount),
		Codec:         codec,
	}
}

func float64At(b []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
}

// cString returns the bytes of b up to the first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
