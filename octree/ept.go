package octree

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/utils"
)

// EPTMetadata is the content of an ept.json file.
type EPTMetadata struct {
	Bounds           []float64             `json:"bounds"`
	BoundsConforming []float64             `json:"boundsConforming"`
	DataType         string                `json:"dataType"`
	HierarchyType    string                `json:"hierarchyType"`
	Points           int64                 `json:"points"`
	Schema           []las.SchemaDimension `json:"schema"`
	Span             int                   `json:"span"`
	SRS              struct {
		WKT string `json:"wkt"`
	} `json:"srs"`
	Version string `json:"version"`
}

// ParseEPTMetadata parses and checks an ept.json file.
func ParseEPTMetadata(b []byte) (*EPTMetadata, error) {
	var md EPTMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, utils.NewMalformedFormatError("ept.json", err.Error())
	}
	if len(md.Bounds) != 6 {
		return nil, utils.NewMalformedFormatErrorf("ept.json", "bounds has %d values, want 6", len(md.Bounds))
	}
	if md.HierarchyType != "" && md.HierarchyType != "json" {
		return nil, utils.NewMalformedFormatErrorf("ept.json", "unsupported hierarchy type %q", md.HierarchyType)
	}
	if _, err := eptExtension(md.DataType); err != nil {
		return nil, err
	}
	return &md, nil
}

func eptExtension(dataType string) (string, error) {
	switch dataType {
	case las.CodecLaszip:
		return "laz", nil
	case las.CodecBinary:
		return "bin", nil
	case las.CodecZstandard:
		return "zst", nil
	default:
		return "", utils.NewMalformedFormatErrorf("ept.json", "unsupported data type %q", dataType)
	}
}

// ParseEPTHierarchy parses an ept-hierarchy document. A count of -1 marks the root of a
// nested document.
func ParseEPTHierarchy(b []byte) (*Hierarchy, error) {
	var counts map[string]int64
	if err := json.Unmarshal(b, &counts); err != nil {
		return nil, utils.NewMalformedFormatError("ept hierarchy", err.Error())
	}
	h := NewHierarchy()
	for id, count := range counts {
		key, err := ParseKey(id)
		if err != nil {
			return nil, err
		}
		if count == -1 {
			err = h.AddPage(key, Page{})
		} else {
			err = h.AddEntry(key, Entry{PointCount: count})
		}
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// eptSource reads an Entwine point tile dataset: one hierarchy document per subtree root
// and one data file per node.
type eptSource struct {
	base       string
	md         *EPTMetadata
	extension  string
	layout     *las.Layout
	colorDepth int
}

func eptBase(url string) string {
	if strings.HasSuffix(url, "ept.json") {
		return strings.TrimSuffix(url, "ept.json")
	}
	return strings.TrimSuffix(url, "/") + "/"
}

func openEPT(ctx context.Context, get rangeFunc, url string, colorDepth int) (*eptSource, Info, error) {
	base := eptBase(url)
	b, err := get(ctx, base+"ept.json", 0, -1)
	if err != nil {
		return nil, Info{}, errors.Wrapf(err, "reading %sept.json", base)
	}
	md, err := ParseEPTMetadata(b)
	if err != nil {
		return nil, Info{}, err
	}
	ext, err := eptExtension(md.DataType)
	if err != nil {
		return nil, Info{}, err
	}
	src := &eptSource{base: base, md: md, extension: ext, colorDepth: colorDepth}
	if md.DataType != las.CodecLaszip {
		if src.layout, err = las.LayoutFromSchema(md.Schema); err != nil {
			return nil, Info{}, err
		}
	}

	cube := Box{
		Min: r3.Vector{X: md.Bounds[0], Y: md.Bounds[1], Z: md.Bounds[2]},
		Max: r3.Vector{X: md.Bounds[3], Y: md.Bounds[4], Z: md.Bounds[5]},
	}
	info := Info{
		Format: FormatEPT,
		URL:    url,
		Points: md.Points,
		Cube:   cube,
		Bounds: cube,
		WKT:    md.SRS.WKT,
		Codec:  md.DataType,
	}
	if len(md.BoundsConforming) == 6 {
		info.Bounds = Box{
			Min: r3.Vector{X: md.BoundsConforming[0], Y: md.BoundsConforming[1], Z: md.BoundsConforming[2]},
			Max: r3.Vector{X: md.BoundsConforming[3], Y: md.BoundsConforming[4], Z: md.BoundsConforming[5]},
		}
	}
	if md.Span > 0 {
		info.Spacing = cube.Size().X / float64(md.Span)
	}
	if src.layout != nil {
		info.RecordLength = src.layout.RecordLength
	}
	for _, d := range md.Schema {
		info.Dimensions = append(info.Dimensions, d.Name)
	}
	return src, info, nil
}

func (s *eptSource) rootLocation() location {
	return location{}
}

func (s *eptSource) fetchHierarchy(ctx context.Context, n *node) (*Hierarchy, error) {
	b, err := n.tree.fetch(ctx, n, s.base+"ept-hierarchy/"+n.ID()+".json", 0, -1, true)
	if err != nil {
		return nil, err
	}
	return ParseEPTHierarchy(b)
}

func (s *eptSource) dataURL(n *node) string {
	return s.base + "ept-data/" + n.ID() + "." + s.extension
}

func (s *eptSource) load(ctx context.Context, n *node) (*las.Attributes, error) {
	b, err := n.tree.fetch(ctx, n, s.dataURL(n), 0, -1, false)
	if err != nil {
		return nil, err
	}
	if s.md.DataType == las.CodecLaszip {
		fi, data, err := las.SplitFile(ctx, b)
		if err != nil {
			return nil, err
		}
		meta := fi.Metadata()
		meta.ColorDepth = s.colorDepth
		return n.tree.decode(ctx, n, meta, data)
	}
	meta := las.Metadata{
		PointCount: int(n.PointCount()),
		Codec:      s.md.DataType,
		ColorDepth: s.colorDepth,
		Layout:     s.layout,
	}
	return n.tree.decode(ctx, n, meta, b)
}
