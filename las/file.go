package las

import (
	"context"

	"github.com/pkg/errors"
)

// FileInfo is everything in a LAS file except its point records.
type FileInfo struct {
	Header     *Header
	VLRs       []VLR
	ExtraBytes []ExtraBytesField
	// WKT is the coordinate system, empty when the file has no WKT record.
	WKT string
}

// Metadata returns the decode metadata of the whole point data block.
func (fi *FileInfo) Metadata() Metadata {
	return fi.Header.Metadata(fi.ExtraBytes)
}

// ReadFileInfo reads the header, the VLR and EVLR headers, the extra bytes descriptors and
// the WKT of a LAS file.
func ReadFileInfo(ctx context.Context, get GetFunc) (*FileInfo, error) {
	b, err := get(ctx, 0, HeaderLength14)
	if err != nil {
		return nil, errors.Wrap(err, "reading las header")
	}
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	vlrs, err := WalkVLRs(ctx, get, h)
	if err != nil {
		return nil, err
	}
	fi := &FileInfo{Header: h, VLRs: vlrs}

	if v, ok := FindVLR(vlrs, ProjectionUserID, WKTRecordID); ok {
		content, err := FetchVLR(ctx, get, v)
		if err != nil {
			return nil, err
		}
		fi.WKT = ParseWKT(content)
	}
	if v, ok := FindVLR(vlrs, SpecUserID, ExtraBytesRecordID); ok {
		content, err := FetchVLR(ctx, get, v)
		if err != nil {
			return nil, err
		}
		if fi.ExtraBytes, err = ParseExtraBytes(content); err != nil {
			return nil, err
		}
	}
	return fi, nil
}

// SplitFile parses the header and records of a whole LAS or LAZ file held in memory and
// returns the still encoded point data block.
func SplitFile(ctx context.Context, b []byte) (*FileInfo, []byte, error) {
	get := BytesGetter(b)
	// LAS 1.0 to 1.3 headers are shorter than a 1.4 one, so small files are padded
	headerBytes := b
	if len(headerBytes) < HeaderLength14 {
		headerBytes = make([]byte, HeaderLength14)
		copy(headerBytes, b)
	}
	fi, err := ReadFileInfo(ctx, func(ctx context.Context, start, end int64) ([]byte, error) {
		if start == 0 && end == HeaderLength14 {
			return headerBytes[:HeaderLength14], nil
		}
		return get(ctx, start, end)
	})
	if err != nil {
		return nil, nil, err
	}

	start := int64(fi.Header.OffsetToPointData)
	end := int64(len(b))
	if fi.Header.NumEVLRs > 0 && int64(fi.Header.EVLRStart) > start && int64(fi.Header.EVLRStart) <= end {
		end = int64(fi.Header.EVLRStart)
	}
	if !fi.Header.Compressed {
		if recordsEnd := start + int64(fi.Header.PointCount)*int64(fi.Header.RecordLength); recordsEnd <= end {
			end = recordsEnd
		}
	}
	data, err := get(ctx, start, end)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading point data")
	}
	return fi, data, nil
}

// DecodeFile decodes a whole LAS or LAZ file held in memory. LAZ needs a registered
// laszip codec.
func DecodeFile(ctx context.Context, b []byte) (*FileInfo, *Attributes, error) {
	fi, data, err := SplitFile(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	attrs, err := Decode(fi.Metadata(), data)
	if err != nil {
		return nil, nil, err
	}
	return fi, attrs, nil
}
