package octree

import (
	"context"
	"encoding/binary"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/utils"
)

// CopcEntryLength is the size of one entry of a COPC hierarchy page.
const CopcEntryLength = 32

// ParseCopcPage parses a COPC hierarchy page. Entries with a point count of -1 point at
// nested pages.
func ParseCopcPage(b []byte) (*Hierarchy, error) {
	if len(b)%CopcEntryLength != 0 {
		return nil, utils.NewMalformedFormatErrorf("copc hierarchy page",
			"length %d is not a multiple of %d", len(b), CopcEntryLength)
	}
	le := binary.LittleEndian
	h := NewHierarchy()
	for pos := 0; pos < len(b); pos += CopcEntryLength {
		e := b[pos : pos+CopcEntryLength]
		key := Key{
			Depth: int(int32(le.Uint32(e[0:]))),
			X:     int(int32(le.Uint32(e[4:]))),
			Y:     int(int32(le.Uint32(e[8:]))),
			Z:     int(int32(le.Uint32(e[12:]))),
		}
		if key.Depth < 0 || key.X < 0 || key.Y < 0 || key.Z < 0 {
			return nil, utils.NewMalformedFormatErrorf("copc hierarchy page", "invalid key %s", key)
		}
		offset := int64(le.Uint64(e[16:]))
		byteSize := int64(int32(le.Uint32(e[24:])))
		pointCount := int64(int32(le.Uint32(e[28:])))

		var err error
		if pointCount == -1 {
			err = h.AddPage(key, Page{Offset: offset, Length: byteSize})
		} else {
			err = h.AddEntry(key, Entry{PointCount: pointCount, Offset: offset, Length: byteSize})
		}
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// copcSource reads a single COPC file: the root page location comes from the copc info VLR
// and every node's data is a byte range of the file.
type copcSource struct {
	url  string
	info las.CopcInfo
	file *las.FileInfo
	meta las.Metadata
}

func openCOPC(ctx context.Context, get las.GetFunc, url string) (*copcSource, Info, error) {
	fi, err := las.ReadFileInfo(ctx, get)
	if err != nil {
		return nil, Info{}, errors.Wrapf(err, "reading %s", url)
	}
	v, ok := las.FindVLR(fi.VLRs, las.CopcUserID, las.CopcInfoRecordID)
	if !ok {
		return nil, Info{}, utils.NewMalformedFormatErrorf("copc", "%s has no copc info record", url)
	}
	content, err := las.FetchVLR(ctx, get, v)
	if err != nil {
		return nil, Info{}, err
	}
	copcInfo, err := las.ParseCopcInfo(content)
	if err != nil {
		return nil, Info{}, err
	}

	src := &copcSource{url: url, info: copcInfo, file: fi, meta: fi.Metadata()}
	center := r3.Vector{X: copcInfo.Center[0], Y: copcInfo.Center[1], Z: copcInfo.Center[2]}
	info := Info{
		Format:        FormatCOPC,
		URL:           url,
		Points:        int64(fi.Header.PointCount),
		Spacing:       copcInfo.Spacing,
		Cube:          NewCube(center, copcInfo.Halfsize),
		Bounds:        Box{Min: fi.Header.Min, Max: fi.Header.Max},
		WKT:           fi.WKT,
		PointFormatID: src.meta.PointFormatID,
		RecordLength:  src.meta.RecordLength,
		Codec:         src.meta.Codec,
	}
	layout, err := src.meta.ResolveLayout()
	if err != nil {
		return nil, Info{}, err
	}
	for _, f := range layout.Fields {
		info.Dimensions = append(info.Dimensions, f.Name)
	}
	return src, info, nil
}

func (s *copcSource) rootLocation() location {
	return location{pageOffset: s.info.RootHierOffset, pageLength: s.info.RootHierSize}
}

func (s *copcSource) fetchHierarchy(ctx context.Context, n *node) (*Hierarchy, error) {
	loc := n.location()
	b, err := n.tree.fetch(ctx, n, s.url, loc.pageOffset, loc.pageOffset+loc.pageLength, true)
	if err != nil {
		return nil, err
	}
	return ParseCopcPage(b)
}

func (s *copcSource) load(ctx context.Context, n *node) (*las.Attributes, error) {
	loc := n.location()
	b, err := n.tree.fetch(ctx, n, s.url, loc.dataOffset, loc.dataOffset+loc.dataLength, false)
	if err != nil {
		return nil, err
	}
	meta := s.meta
	meta.PointCount = int(n.PointCount())
	return n.tree.decode(ctx, n, meta, b)
}
