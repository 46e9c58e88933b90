package las

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcstream/utils"
)

// Color depths.
const (
	ColorDepthAuto = 0
	ColorDepth8    = 8
	ColorDepth16   = 16
)

// Metadata is what the decoder needs to know about a chunk of point data.
type Metadata struct {
	PointFormatID int
	RecordLength  int
	Scale         [3]float64
	Offset        [3]float64
	// ColorDepth is 8, 16 or ColorDepthAuto to guess from the data.
	ColorDepth int
	ExtraBytes []ExtraBytesField
	PointCount int
	Codec      string
	// Origin is subtracted from every decoded position to keep float32 precision.
	Origin r3.Vector
	// Layout, when set, replaces the layout derived from PointFormatID and RecordLength.
	Layout *Layout
}

// ResolveLayout returns the record layout of m.
func (m Metadata) ResolveLayout() (*Layout, error) {
	if m.Layout != nil {
		return m.Layout, m.Layout.Validate()
	}
	return LayoutForFormat(m.PointFormatID, m.RecordLength, m.Scale, m.Offset, m.ExtraBytes)
}

// Attributes are the columnar buffers decoded from a chunk of point records. Positions
// hold three values per point and Colors four (RGBA); the other standard buffers hold one.
// Buffers of fields absent from the records are zero filled, except GpsTime and Normals
// which are nil.
type Attributes struct {
	PointCount int
	// HasColor reports whether the records carried color channels.
	HasColor        bool
	Positions       []float32
	Colors          []uint8
	Intensity       []uint16
	Classification  []uint8
	ReturnNumber    []uint8
	NumberOfReturns []uint8
	PointSourceID   []uint16
	GpsTime         []float64
	Normals         []float32
	Extra           map[string][]float64

	// Mean is the average decoded position.
	Mean r3.Vector
	// TightMin and TightMax bound the decoded positions.
	TightMin r3.Vector
	TightMax r3.Vector
}

// Position returns the decoded position of point i.
func (a *Attributes) Position(i int) r3.Vector {
	return r3.Vector{X: float64(a.Positions[3*i]), Y: float64(a.Positions[3*i+1]), Z: float64(a.Positions[3*i+2])}
}

func newAttributes(n int, l *Layout) *Attributes {
	a := &Attributes{
		PointCount:      n,
		Positions:       make([]float32, 3*n),
		Colors:          make([]uint8, 4*n),
		Intensity:       make([]uint16, n),
		Classification:  make([]uint8, n),
		ReturnNumber:    make([]uint8, n),
		NumberOfReturns: make([]uint8, n),
		PointSourceID:   make([]uint16, n),
		Extra:           map[string][]float64{},
	}
	for _, f := range l.Fields {
		switch f.Name {
		case FieldRed:
			a.HasColor = true
		case FieldGpsTime:
			a.GpsTime = make([]float64, n)
		case FieldNormalX, FieldNormalSpheremapped, FieldNormalOct16:
			a.Normals = make([]float32, 3*n)
		case FieldX, FieldY, FieldZ, FieldIntensity, FieldReturnNumber, FieldNumberOfReturns,
			FieldClassification, FieldPointSourceID, FieldGreen, FieldBlue, FieldNormalY, FieldNormalZ:
		default:
			a.Extra[f.Name] = make([]float64, n)
		}
	}
	return a
}

// EmptyAttributes returns the attributes of a chunk without points.
func EmptyAttributes() *Attributes {
	return newAttributes(0, &Layout{})
}

// Decode decompresses data with the codec named in meta and decodes its records.
func Decode(meta Metadata, data []byte) (*Attributes, error) {
	d, err := prepare(meta, data)
	if err != nil {
		return nil, err
	}
	d.extract(0, meta.PointCount)
	d.finish()
	return d.attrs, nil
}

// decoding is one chunk being decoded.
type decoding struct {
	meta     Metadata
	layout   *Layout
	raw      []byte
	attrs    *Attributes
	color16  bool
	fieldIdx map[string]int
}

func prepare(meta Metadata, data []byte) (*decoding, error) {
	codec, ok := LookupCodec(meta.Codec)
	if !ok {
		return nil, utils.NewDecodeError(meta.Codec, errors.New("no codec registered"))
	}
	if meta.PointCount < 0 {
		return nil, utils.NewMalformedFormatErrorf("point data", "negative point count %d", meta.PointCount)
	}

	layout, err := meta.ResolveLayout()
	if err != nil {
		return nil, err
	}

	var raw []byte
	if meta.PointCount > 0 {
		raw, err = codec.Decompress(data, meta)
		if err != nil {
			return nil, utils.NewDecodeError(meta.Codec, err)
		}
	}
	if expected := meta.PointCount * layout.RecordLength; len(raw) != expected {
		return nil, utils.NewMalformedFormatErrorf("point data",
			"got %d bytes for %d records of %d bytes", len(raw), meta.PointCount, layout.RecordLength)
	}

	d := &decoding{
		meta:     meta,
		layout:   layout,
		raw:      raw,
		attrs:    newAttributes(meta.PointCount, layout),
		fieldIdx: map[string]int{},
	}
	for i, f := range layout.Fields {
		d.fieldIdx[f.Name] = i
	}
	d.color16 = d.detectColorDepth() == ColorDepth16
	return d, nil
}

func (d *decoding) field(name string) (Field, bool) {
	i, ok := d.fieldIdx[name]
	if !ok {
		return Field{}, false
	}
	return d.layout.Fields[i], true
}

func (d *decoding) detectColorDepth() int {
	if d.meta.ColorDepth != ColorDepthAuto {
		return d.meta.ColorDepth
	}
	var channels []Field
	for _, name := range []string{FieldRed, FieldGreen, FieldBlue} {
		if f, ok := d.field(name); ok {
			channels = append(channels, f)
		}
	}
	rl := d.layout.RecordLength
	for i := 0; i < d.meta.PointCount; i++ {
		record := d.raw[i*rl : (i+1)*rl]
		for _, f := range channels {
			if f.raw(record) > 255 {
				return ColorDepth16
			}
		}
	}
	return ColorDepth8
}

// extract decodes records [from, to). Calls on disjoint ranges may run concurrently.
func (d *decoding) extract(from, to int) {
	a := d.attrs
	rl := d.layout.RecordLength
	origin := [3]float64{d.meta.Origin.X, d.meta.Origin.Y, d.meta.Origin.Z}

	for i := from; i < to; i++ {
		record := d.raw[i*rl : (i+1)*rl]
		a.Colors[4*i+3] = 255
		for _, f := range d.layout.Fields {
			switch f.Name {
			case FieldX:
				a.Positions[3*i] = float32(f.Value(record) - origin[0])
			case FieldY:
				a.Positions[3*i+1] = float32(f.Value(record) - origin[1])
			case FieldZ:
				a.Positions[3*i+2] = float32(f.Value(record) - origin[2])
			case FieldIntensity:
				a.Intensity[i] = uint16(f.Value(record))
			case FieldReturnNumber:
				a.ReturnNumber[i] = uint8(f.Value(record))
			case FieldNumberOfReturns:
				a.NumberOfReturns[i] = uint8(f.Value(record))
			case FieldClassification:
				a.Classification[i] = uint8(f.Value(record))
			case FieldPointSourceID:
				a.PointSourceID[i] = uint16(f.Value(record))
			case FieldGpsTime:
				a.GpsTime[i] = f.Value(record)
			case FieldRed:
				a.Colors[4*i] = d.color(f.raw(record))
			case FieldGreen:
				a.Colors[4*i+1] = d.color(f.raw(record))
			case FieldBlue:
				a.Colors[4*i+2] = d.color(f.raw(record))
			case FieldNormalX:
				a.Normals[3*i] = float32(f.Value(record))
			case FieldNormalY:
				a.Normals[3*i+1] = float32(f.Value(record))
			case FieldNormalZ:
				a.Normals[3*i+2] = float32(f.Value(record))
			case FieldNormalSpheremapped:
				n := decodeSpheremapped(record[f.Offset], record[f.Offset+1])
				a.Normals[3*i], a.Normals[3*i+1], a.Normals[3*i+2] = float32(n.X), float32(n.Y), float32(n.Z)
			case FieldNormalOct16:
				n := decodeOct16(record[f.Offset], record[f.Offset+1])
				a.Normals[3*i], a.Normals[3*i+1], a.Normals[3*i+2] = float32(n.X), float32(n.Y), float32(n.Z)
			default:
				a.Extra[f.Name][i] = f.Value(record)
			}
		}
	}
}

func (d *decoding) color(v float64) uint8 {
	if d.color16 {
		return uint8(uint16(v) >> 8)
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// finish computes the summary statistics of the decoded positions.
func (d *decoding) finish() {
	a := d.attrs
	if a.PointCount == 0 {
		return
	}
	a.TightMin = r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	a.TightMax = r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	var sum r3.Vector
	for i := 0; i < a.PointCount; i++ {
		p := a.Position(i)
		sum = sum.Add(p)
		a.TightMin = r3.Vector{X: math.Min(a.TightMin.X, p.X), Y: math.Min(a.TightMin.Y, p.Y), Z: math.Min(a.TightMin.Z, p.Z)}
		a.TightMax = r3.Vector{X: math.Max(a.TightMax.X, p.X), Y: math.Max(a.TightMax.Y, p.Y), Z: math.Max(a.TightMax.Z, p.Z)}
	}
	a.Mean = sum.Mul(1 / float64(a.PointCount))
}

// decodeSpheremapped expands a normal stored as two bytes of a sphere map.
func decodeSpheremapped(bx, by uint8) r3.Vector {
	nx := float64(bx)/255*2 - 1
	ny := float64(by)/255*2 - 1
	l := -nx*nx - ny*ny + 1
	s := math.Sqrt(math.Max(l, 0))
	return r3.Vector{X: nx * s * 2, Y: ny * s * 2, Z: l*2 - 1}
}

// decodeOct16 expands a normal stored as two bytes of an octahedral map.
func decodeOct16(bx, by uint8) r3.Vector {
	u := float64(bx)/255*2 - 1
	v := float64(by)/255*2 - 1
	z := 1 - math.Abs(u) - math.Abs(v)
	x, y := u, v
	if z < 0 {
		x = (1 - math.Abs(v)) * sign(u)
		y = (1 - math.Abs(u)) * sign(v)
	}
	n := r3.Vector{X: x, Y: y, Z: z}
	if n.Norm() == 0 {
		return n
	}
	return n.Normalize()
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
