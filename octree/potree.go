package octree

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/utils"
)

// PotreeRecordLength is the size of one node record of a Potree .hrc file.
const PotreeRecordLength = 5

// Potree point attribute layouts stored as whole LAS files.
const (
	PotreeLAS = "LAS"
	PotreeLAZ = "LAZ"
)

// PotreeBox is a bounding box of a cloud.js file.
type PotreeBox struct {
	LX float64 `json:"lx"`
	LY float64 `json:"ly"`
	LZ float64 `json:"lz"`
	UX float64 `json:"ux"`
	UY float64 `json:"uy"`
	UZ float64 `json:"uz"`
}

// Box converts b.
func (b PotreeBox) Box() Box {
	return Box{Min: r3.Vector{X: b.LX, Y: b.LY, Z: b.LZ}, Max: r3.Vector{X: b.UX, Y: b.UY, Z: b.UZ}}
}

// PotreeMetadata is the content of a Potree 1.x cloud.js file.
type PotreeMetadata struct {
	Version           string          `json:"version"`
	OctreeDir         string          `json:"octreeDir"`
	Points            int64           `json:"points"`
	BoundingBox       PotreeBox       `json:"boundingBox"`
	TightBoundingBox  PotreeBox       `json:"tightBoundingBox"`
	RawAttributes     json.RawMessage `json:"pointAttributes"`
	Spacing           float64         `json:"spacing"`
	Scale             float64         `json:"scale"`
	HierarchyStepSize int             `json:"hierarchyStepSize"`

	// Attributes is the binary attribute list, or a single PotreeLAS or PotreeLAZ.
	Attributes []string `json:"-"`
}

// ParsePotreeMetadata parses and checks a cloud.js file.
func ParsePotreeMetadata(b []byte) (*PotreeMetadata, error) {
	var md PotreeMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, utils.NewMalformedFormatError("cloud.js", err.Error())
	}
	var single string
	if err := json.Unmarshal(md.RawAttributes, &single); err == nil {
		md.Attributes = []string{single}
	} else if err := json.Unmarshal(md.RawAttributes, &md.Attributes); err != nil {
		return nil, utils.NewMalformedFormatErrorf("cloud.js", "pointAttributes: %v", err)
	}
	if md.HierarchyStepSize <= 0 {
		return nil, utils.NewMalformedFormatErrorf("cloud.js", "hierarchyStepSize %d", md.HierarchyStepSize)
	}
	if md.OctreeDir == "" {
		return nil, utils.NewMalformedFormatError("cloud.js", "missing octreeDir")
	}
	if !md.isLAS() && md.Scale <= 0 {
		return nil, utils.NewMalformedFormatErrorf("cloud.js", "scale %v", md.Scale)
	}
	return &md, nil
}

func (md *PotreeMetadata) isLAS() bool {
	return len(md.Attributes) == 1 && (md.Attributes[0] == PotreeLAS || md.Attributes[0] == PotreeLAZ)
}

func (md *PotreeMetadata) extension() string {
	if md.isLAS() {
		return strings.ToLower(md.Attributes[0])
	}
	return "bin"
}

// PotreeName returns the Potree name of key: "r" followed by one child index per level.
func PotreeName(key Key) string {
	var sb strings.Builder
	sb.WriteByte('r')
	for level := key.Depth - 1; level >= 0; level-- {
		idx := (key.X>>level&1)<<2 | (key.Y>>level&1)<<1 | key.Z>>level&1
		sb.WriteByte(byte('0' + idx))
	}
	return sb.String()
}

// PotreeHierarchyPath returns the directory, relative to the octree directory, holding the
// files of the node called name.
func PotreeHierarchyPath(name string, stepSize int) string {
	parts := []string{"r"}
	indices := strings.TrimPrefix(name, "r")
	for i := 0; i+stepSize <= len(indices); i += stepSize {
		parts = append(parts, indices[i:i+stepSize])
	}
	return strings.Join(parts, "/")
}

// ParsePotreeHierarchy parses the .hrc file of the node root. Records are a children
// bitfield byte and a little endian point count, in breadth first order. Nodes stepSize
// levels below root that have children are the roots of nested files.
func ParsePotreeHierarchy(b []byte, root Key, stepSize int) (*Hierarchy, error) {
	h := NewHierarchy()
	queue := []Key{root}
	pos := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if pos+PotreeRecordLength > len(b) {
			return nil, utils.NewMalformedFormatErrorf("potree hierarchy", "missing record for %s", key)
		}
		mask := b[pos]
		count := int64(binary.LittleEndian.Uint32(b[pos+1:]))
		pos += PotreeRecordLength

		boundary := key.Depth-root.Depth >= stepSize
		var err error
		if boundary && mask != 0 {
			err = h.AddPage(key, Page{})
		} else {
			err = h.AddEntry(key, Entry{PointCount: count})
		}
		if err != nil {
			return nil, err
		}
		if boundary {
			continue
		}
		for i := 0; i < 8; i++ {
			if mask&(1<<i) != 0 {
				queue = append(queue, key.Child(i))
			}
		}
	}
	if pos != len(b) {
		return nil, utils.NewMalformedFormatErrorf("potree hierarchy", "%d trailing bytes", len(b)-pos)
	}
	return h, nil
}

// potreeSource reads a Potree 1.x dataset.
type potreeSource struct {
	octreeBase string
	md         *PotreeMetadata
}

func potreeBase(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[:i+1]
	}
	return ""
}

func openPotree(ctx context.Context, get rangeFunc, url string) (*potreeSource, Info, error) {
	b, err := get(ctx, url, 0, -1)
	if err != nil {
		return nil, Info{}, errors.Wrapf(err, "reading %s", url)
	}
	md, err := ParsePotreeMetadata(b)
	if err != nil {
		return nil, Info{}, err
	}
	if !md.isLAS() {
		if _, err := las.LayoutFromPotree(md.Attributes, md.Scale, r3.Vector{}); err != nil {
			return nil, Info{}, err
		}
	}
	src := &potreeSource{octreeBase: potreeBase(url) + strings.Trim(md.OctreeDir, "/") + "/", md: md}
	info := Info{
		Format:     FormatPotree,
		URL:        url,
		Points:     md.Points,
		Spacing:    md.Spacing,
		Cube:       md.BoundingBox.Box(),
		Bounds:     md.TightBoundingBox.Box(),
		Dimensions: md.Attributes,
		Codec:      las.CodecBinary,
	}
	if md.isLAS() {
		info.Codec = las.CodecNone
		if md.Attributes[0] == PotreeLAZ {
			info.Codec = las.CodecLaszip
		}
	}
	return src, info, nil
}

func (s *potreeSource) rootLocation() location {
	return location{}
}

func (s *potreeSource) url(n *node, ext string) string {
	name := PotreeName(n.key)
	return s.octreeBase + PotreeHierarchyPath(name, s.md.HierarchyStepSize) + "/" + name + "." + ext
}

func (s *potreeSource) fetchHierarchy(ctx context.Context, n *node) (*Hierarchy, error) {
	b, err := n.tree.fetch(ctx, n, s.url(n, "hrc"), 0, -1, true)
	if err != nil {
		return nil, err
	}
	return ParsePotreeHierarchy(b, n.key, s.md.HierarchyStepSize)
}

func (s *potreeSource) load(ctx context.Context, n *node) (*las.Attributes, error) {
	b, err := n.tree.fetch(ctx, n, s.url(n, s.md.extension()), 0, -1, false)
	if err != nil {
		return nil, err
	}
	if s.md.isLAS() {
		fi, data, err := las.SplitFile(ctx, b)
		if err != nil {
			return nil, err
		}
		return n.tree.decode(ctx, n, fi.Metadata(), data)
	}
	layout, err := las.LayoutFromPotree(s.md.Attributes, s.md.Scale, n.box.Min)
	if err != nil {
		return nil, err
	}
	if len(b)%layout.RecordLength != 0 {
		return nil, utils.NewMalformedFormatErrorf("potree node",
			"%d bytes is not a multiple of the %d byte record", len(b), layout.RecordLength)
	}
	meta := las.Metadata{
		PointCount: len(b) / layout.RecordLength,
		Codec:      las.CodecBinary,
		ColorDepth: las.ColorDepth8,
		Layout:     layout,
	}
	return n.tree.decode(ctx, n, meta, b)
}
