package las

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"go.viam.com/pcstream/utils"
)

const (
	vlrHeaderLength  = 54
	evlrHeaderLength = 60
)

// A GetFunc returns bytes [start, end) of a LAS resource.
type GetFunc func(ctx context.Context, start, end int64) ([]byte, error)

// BytesGetter serves a GetFunc from an in-memory file.
func BytesGetter(b []byte) GetFunc {
	return func(_ context.Context, start, end int64) ([]byte, error) {
		if start < 0 || end > int64(len(b)) || end < start {
			return nil, utils.NewMalformedFormatErrorf("byte range", "[%d, %d) outside of %d bytes", start, end, len(b))
		}
		return b[start:end], nil
	}
}

// A VLR is a variable length record or an extended variable length record. The content
// is not read; ContentOffset and ContentLength locate it in the file.
type VLR struct {
	UserID        string
	RecordID      uint16
	Description   string
	Extended      bool
	ContentOffset int64
	ContentLength int64
}

// WalkVLRs reads the headers of every VLR following the public header and every EVLR
// following the point data.
func WalkVLRs(ctx context.Context, get GetFunc, h *Header) ([]VLR, error) {
	var vlrs []VLR
	if h.NumVLRs > 0 {
		start, end := int64(h.HeaderSize), int64(h.OffsetToPointData)
		if end < start {
			return nil, utils.NewMalformedFormatErrorf("vlr", "point data offset %d precedes header end %d", end, start)
		}
		b, err := get(ctx, start, end)
		if err != nil {
			return nil, errors.Wrap(err, "reading vlrs")
		}
		parsed, err := parseVLRs(b, start, int(h.NumVLRs))
		if err != nil {
			return nil, err
		}
		vlrs = append(vlrs, parsed...)
	}

	pos := int64(h.EVLRStart)
	for i := 0; i < int(h.NumEVLRs); i++ {
		b, err := get(ctx, pos, pos+evlrHeaderLength)
		if err != nil {
			return nil, errors.Wrapf(err, "reading evlr %d", i)
		}
		if len(b) < evlrHeaderLength {
			return nil, utils.NewMalformedFormatErrorf("evlr", "header %d truncated", i)
		}
		v := VLR{
			UserID:        cString(b[2:18]),
			RecordID:      binary.LittleEndian.Uint16(b[18:]),
			Description:   cString(b[28:60]),
			Extended:      true,
			ContentOffset: pos + evlrHeaderLength,
			ContentLength: int64(binary.LittleEndian.Uint64(b[20:])),
		}
		vlrs = append(vlrs, v)
		pos = v.ContentOffset + v.ContentLength
	}
	return vlrs, nil
}

// parseVLRs parses count VLRs from b, whose first byte is at file offset base.
func parseVLRs(b []byte, base int64, count int) ([]VLR, error) {
	vlrs := make([]VLR, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if len(b)-pos < vlrHeaderLength {
			return nil, utils.NewMalformedFormatErrorf("vlr", "header %d truncated", i)
		}
		h := b[pos : pos+vlrHeaderLength]
		length := int(binary.LittleEndian.Uint16(h[20:]))
		v := VLR{
			UserID:        cString(h[2:18]),
			RecordID:      binary.LittleEndian.Uint16(h[18:]),
			Description:   cString(h[22:54]),
			ContentOffset: base + int64(pos+vlrHeaderLength),
			ContentLength: int64(length),
		}
		pos += vlrHeaderLength + length
		if pos > len(b) {
			return nil, utils.NewMalformedFormatErrorf("vlr", "content of %s/%d runs past the point data", v.UserID, v.RecordID)
		}
		vlrs = append(vlrs, v)
	}
	return vlrs, nil
}

// FindVLR returns the first record with the given user id and record id.
func FindVLR(vlrs []VLR, userID string, recordID uint16) (VLR, bool) {
	for _, v := range vlrs {
		if v.UserID == userID && v.RecordID == recordID {
			return v, true
		}
	}
	return VLR{}, false
}

// FetchVLR reads the content of v.
func FetchVLR(ctx context.Context, get GetFunc, v VLR) ([]byte, error) {
	b, err := get(ctx, v.ContentOffset, v.ContentOffset+v.ContentLength)
	if err != nil {
		return nil, errors.Wrapf(err, "reading vlr %s/%d", v.UserID, v.RecordID)
	}
	return b, nil
}

// Well known records.
const (
	CopcUserID           = "copc"
	CopcInfoRecordID     = 1
	CopcHierarchyID      = 1000
	ProjectionUserID     = "LASF_Projection"
	WKTRecordID          = 2112
	SpecUserID           = "LASF_Spec"
	ExtraBytesRecordID   = 4
	copcInfoLength       = 160
	extraBytesDescLength = 192
)

// CopcInfo is the content of the COPC info VLR.
type CopcInfo struct {
	Center         [3]float64
	Halfsize       float64
	Spacing        float64
	RootHierOffset int64
	RootHierSize   int64
	GpsTimeMinimum float64
	GpsTimeMaximum float64
}

// Cube returns the min and max corners of the octree root cube.
func (c CopcInfo) Cube() (lo, hi [3]float64) {
	for i := range c.Center {
		lo[i] = c.Center[i] - c.Halfsize
		hi[i] = c.Center[i] + c.Halfsize
	}
	return lo, hi
}

// ParseCopcInfo parses the content of the COPC info VLR.
func ParseCopcInfo(b []byte) (CopcInfo, error) {
	if len(b) < copcInfoLength {
		return CopcInfo{}, utils.NewMalformedFormatErrorf("copc info", "got %d bytes, need %d", len(b), copcInfoLength)
	}
	le := binary.LittleEndian
	info := CopcInfo{
		Center:         [3]float64{float64At(b, 0), float64At(b, 8), float64At(b, 16)},
		Halfsize:       float64At(b, 24),
		Spacing:        float64At(b, 32),
		RootHierOffset: int64(le.Uint64(b[40:])),
		RootHierSize:   int64(le.Uint64(b[48:])),
		GpsTimeMinimum: float64At(b, 56),
		GpsTimeMaximum: float64At(b, 64),
	}
	if info.Halfsize <= 0 {
		return CopcInfo{}, utils.NewMalformedFormatErrorf("copc info", "non positive halfsize %v", info.Halfsize)
	}
	return info, nil
}

// ParseWKT returns the text of a WKT VLR.
func ParseWKT(b []byte) string {
	return cString(b)
}
