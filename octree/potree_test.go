package octree

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pcstream/las"
	"go.viam.com/pcstream/las/lastest"
	"go.viam.com/pcstream/utils"
)

const (
	potreeURL  = "mem://potree/cloud.js"
	potreeData = "mem://potree/data/"
)

func cloudJS(attributes string) []byte {
	return []byte(`{
		"version": "1.7",
		"octreeDir": "data",
		"points": 7,
		"boundingBox": {"lx": 0, "ly": 0, "lz": 0, "ux": 8, "uy": 8, "uz": 8},
		"tightBoundingBox": {"lx": 0.5, "ly": 0.5, "lz": 0.5, "ux": 7, "uy": 7, "uz": 7},
		"pointAttributes": ` + attributes + `,
		"spacing": 1.5,
		"scale": 0.01,
		"hierarchyStepSize": 1
	}`)
}

func hrc(records ...[2]int) []byte {
	out := make([]byte, 0, PotreeRecordLength*len(records))
	for _, r := range records {
		b := make([]byte, PotreeRecordLength)
		b[0] = byte(r[0])
		binary.LittleEndian.PutUint32(b[1:], uint32(r[1]))
		out = append(out, b...)
	}
	return out
}

// potreeRecords encodes POSITION_CARTESIAN, COLOR_PACKED, INTENSITY records relative to min.
func potreeRecords(min r3.Vector, points ...lastest.Point) []byte {
	out := make([]byte, 0, 18*len(points))
	for _, p := range points {
		r := make([]byte, 18)
		binary.LittleEndian.PutUint32(r[0:], uint32(math.Round((p.X-min.X)/0.01)))
		binary.LittleEndian.PutUint32(r[4:], uint32(math.Round((p.Y-min.Y)/0.01)))
		binary.LittleEndian.PutUint32(r[8:], uint32(math.Round((p.Z-min.Z)/0.01)))
		r[12], r[13], r[14], r[15] = uint8(p.Red), uint8(p.Green), uint8(p.Blue), 255
		binary.LittleEndian.PutUint16(r[16:], p.Intensity)
		out = append(out, r...)
	}
	return out
}

// potreeFiles is a two level tree with hierarchy files every level: r holds r0 and r7, r7
// is nested and holds r70.
func potreeFiles() map[string][]byte {
	return map[string][]byte{
		potreeURL:                 cloudJS(`["POSITION_CARTESIAN", "COLOR_PACKED", "INTENSITY"]`),
		potreeData + "r/r.hrc":    hrc([2]int{0x81, 3}, [2]int{0, 2}, [2]int{0x01, 2}),
		potreeData + "r/7/r7.hrc": hrc([2]int{0x01, 2}, [2]int{0, 1}),
		potreeData + "r/r.bin": potreeRecords(r3.Vector{},
			lastest.Point{X: 1, Y: 1, Z: 1}, lastest.Point{X: 2, Y: 3, Z: 4}, lastest.Point{X: 7, Y: 7, Z: 7}),
		potreeData + "r/7/r7.bin": potreeRecords(r3.Vector{X: 4, Y: 4, Z: 4},
			lastest.Point{X: 5, Y: 6, Z: 7, Red: 200, Green: 100, Blue: 50, Intensity: 42},
			lastest.Point{X: 4.5, Y: 4.5, Z: 4.5}),
	}
}

func TestPotreeNames(t *testing.T) {
	test.That(t, PotreeName(RootKey), test.ShouldEqual, "r")
	test.That(t, PotreeName(RootKey.Child(7)), test.ShouldEqual, "r7")
	test.That(t, PotreeName(RootKey.Child(7).Child(0)), test.ShouldEqual, "r70")
	test.That(t, PotreeName(RootKey.Child(3).Child(5).Child(1)), test.ShouldEqual, "r351")

	test.That(t, PotreeHierarchyPath("r", 5), test.ShouldEqual, "r")
	test.That(t, PotreeHierarchyPath("r0123", 5), test.ShouldEqual, "r")
	test.That(t, PotreeHierarchyPath("r01234", 5), test.ShouldEqual, "r/01234")
	test.That(t, PotreeHierarchyPath("r012345670", 5), test.ShouldEqual, "r/01234")
	test.That(t, PotreeHierarchyPath("r0123456701", 5), test.ShouldEqual, "r/01234/56701")
	test.That(t, PotreeHierarchyPath("r70", 1), test.ShouldEqual, "r/7/0")
}

func TestParsePotreeHierarchy(t *testing.T) {
	h, err := ParsePotreeHierarchy(hrc([2]int{0x81, 3}, [2]int{0x02, 2}, [2]int{0, 5}), RootKey, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Entries[RootKey].PointCount, test.ShouldEqual, int64(3))
	test.That(t, h.Entries[RootKey.Child(7)].PointCount, test.ShouldEqual, int64(5))
	_, isPage := h.Pages[RootKey.Child(0)]
	test.That(t, isPage, test.ShouldBeTrue)

	h, err = ParsePotreeHierarchy(hrc([2]int{0x01, 3}, [2]int{0x01, 2}, [2]int{0, 1}), RootKey, 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Entries[Key{Depth: 2}].PointCount, test.ShouldEqual, int64(1))

	_, err = ParsePotreeHierarchy(hrc([2]int{0x81, 3}, [2]int{0, 2}), RootKey, 5)
	test.That(t, utils.IsMalformedFormatError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing record for 1-1-1-1")

	_, err = ParsePotreeHierarchy(append(hrc([2]int{0, 3}), 1, 2), RootKey, 5)
	test.That(t, err.Error(), test.ShouldContainSubstring, "2 trailing bytes")
}

func TestParsePotreeMetadata(t *testing.T) {
	md, err := ParsePotreeMetadata(cloudJS(`"LAZ"`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, md.Attributes, test.ShouldResemble, []string{PotreeLAZ})
	test.That(t, md.extension(), test.ShouldEqual, "laz")

	md, err = ParsePotreeMetadata(cloudJS(`["POSITION_CARTESIAN"]`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, md.extension(), test.ShouldEqual, "bin")
	test.That(t, md.HierarchyStepSize, test.ShouldEqual, 1)

	_, err = ParsePotreeMetadata([]byte(`{"octreeDir": "data", "pointAttributes": "LAS"}`))
	test.That(t, err.Error(), test.ShouldContainSubstring, "hierarchyStepSize")
	_, err = ParsePotreeMetadata([]byte(`{"octreeDir": "data", "hierarchyStepSize": 5, "pointAttributes": 3}`))
	test.That(t, utils.IsMalformedFormatError(err), test.ShouldBeTrue)
}

func TestPotreeLayer(t *testing.T) {
	f := newMemFetcher(potreeFiles())
	l := readyLayer(t, f, potreeURL)

	info := l.Info()
	test.That(t, info.Format, test.ShouldEqual, FormatPotree)
	test.That(t, info.Spacing, test.ShouldEqual, 1.5)
	test.That(t, info.Bounds.Min.X, test.ShouldEqual, 0.5)
	test.That(t, info.Codec, test.ShouldEqual, las.CodecBinary)

	root := l.Root()
	test.That(t, root.PointCount(), test.ShouldEqual, int64(3))
	test.That(t, childIDs(root), test.ShouldResemble, []string{"1-0-0-0", "1-1-1-1"})

	r7, _ := l.Tree().Node(Key{Depth: 1, X: 1, Y: 1, Z: 1})
	test.That(t, r7.IsHierarchyResolved(), test.ShouldBeFalse)

	attrs, err := r7.Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.count(potreeData+"r/7/r7.hrc"), test.ShouldEqual, 1)
	test.That(t, r7.PointCount(), test.ShouldEqual, int64(2))
	test.That(t, childIDs(r7), test.ShouldResemble, []string{"2-2-2-2"})

	test.That(t, attrs.PointCount, test.ShouldEqual, 2)
	p := attrs.Position(0)
	test.That(t, p.X, test.ShouldAlmostEqual, 5, 1e-4)
	test.That(t, p.Y, test.ShouldAlmostEqual, 6, 1e-4)
	test.That(t, p.Z, test.ShouldAlmostEqual, 7, 1e-4)
	test.That(t, attrs.Colors[:4], test.ShouldResemble, []uint8{200, 100, 50, 255})
	test.That(t, attrs.Intensity[0], test.ShouldEqual, uint16(42))

	attrs, err = root.Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, attrs.PointCount, test.ShouldEqual, 3)
	test.That(t, attrs.TightMax.X, test.ShouldAlmostEqual, 7, 1e-4)

	leaf, _ := l.Tree().Node(Key{Depth: 2, X: 2, Y: 2, Z: 2})
	_, err = leaf.Load(context.Background())
	test.That(t, utils.IsRequestError(err), test.ShouldBeTrue)
}

func TestPotreeLASNodes(t *testing.T) {
	files := potreeFiles()
	files[potreeURL] = cloudJS(`"LAS"`)
	points := []lastest.Point{{X: 1.25, Y: 2.5, Z: 3.75, Classification: 5}}
	files[potreeData+"r/r.las"] = lastest.Encode(lastest.File{
		PointFormat:  3,
		RecordLength: 34,
		Scale:        [3]float64{0.01, 0.01, 0.01},
		PointCount:   1,
		PointData:    lastest.EncodeRecords(3, 34, [3]float64{0.01, 0.01, 0.01}, [3]float64{}, points),
	})

	l := readyLayer(t, newMemFetcher(files), potreeURL)
	test.That(t, l.Info().Codec, test.ShouldEqual, las.CodecNone)
	attrs, err := l.Root().Load(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, attrs.PointCount, test.ShouldEqual, 1)
	test.That(t, attrs.Position(0).Z, test.ShouldAlmostEqual, 3.75, 1e-4)
	test.That(t, attrs.Classification, test.ShouldResemble, []uint8{5})
}
