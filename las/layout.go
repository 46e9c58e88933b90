package las

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/pcstream/utils"
)

// FieldType is the storage type of a point record field.
type FieldType int

// The field types.
const (
	Undocumented FieldType = iota
	Uint8
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Uint64
	Int64
	Float32
	Float64
)

// Size returns the byte size of t, or 0 for undocumented fields.
func (t FieldType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	case Undocumented:
		return 0
	default:
		return 0
	}
}

// Names of the fields the decoder maps onto attribute buffers. Any other field name is
// decoded into Attributes.Extra.
const (
	FieldX                  = "X"
	FieldY                  = "Y"
	FieldZ                  = "Z"
	FieldIntensity          = "Intensity"
	FieldReturnNumber       = "ReturnNumber"
	FieldNumberOfReturns    = "NumberOfReturns"
	FieldClassification     = "Classification"
	FieldPointSourceID      = "PointSourceId"
	FieldGpsTime            = "GpsTime"
	FieldRed                = "Red"
	FieldGreen              = "Green"
	FieldBlue               = "Blue"
	FieldNormalX            = "NormalX"
	FieldNormalY            = "NormalY"
	FieldNormalZ            = "NormalZ"
	FieldNormalSpheremapped = "NormalSpheremapped"
	FieldNormalOct16        = "NormalOct16"
)

// A Field locates one value inside a point record. Bit fields set Mask and Shift and are
// read from a Uint8. The decoded value is raw*Scale+Add, with a zero Scale meaning 1.
type Field struct {
	Name   string
	Type   FieldType
	Offset int
	Mask   uint8
	Shift  uint8
	Scale  float64
	Add    float64
}

func (f Field) end() int {
	size := f.Type.Size()
	switch f.Name {
	case FieldNormalSpheremapped, FieldNormalOct16:
		size = 2
	}
	return f.Offset + size
}

// raw reads the unscaled value of f from a record.
func (f Field) raw(record []byte) float64 {
	b := record[f.Offset:]
	le := binary.LittleEndian
	switch f.Type {
	case Uint8:
		v := b[0]
		if f.Mask != 0 {
			v = (v & f.Mask) >> f.Shift
		}
		return float64(v)
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(le.Uint16(b))
	case Int16:
		return float64(int16(le.Uint16(b)))
	case Uint32:
		return float64(le.Uint32(b))
	case Int32:
		return float64(int32(le.Uint32(b)))
	case Uint64:
		return float64(le.Uint64(b))
	case Int64:
		return float64(int64(le.Uint64(b)))
	case Float32:
		return float64(math.Float32frombits(le.Uint32(b)))
	case Float64:
		return math.Float64frombits(le.Uint64(b))
	case Undocumented:
		return 0
	default:
		return 0
	}
}

// Value reads the scaled value of f from a record.
func (f Field) Value(record []byte) float64 {
	v := f.raw(record)
	if f.Scale != 0 {
		v *= f.Scale
	}
	return v + f.Add
}

// A Layout describes a fixed-size point record.
type Layout struct {
	RecordLength int
	Fields       []Field
}

// Field returns the field called name.
func (l *Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks that every field fits in the record.
func (l *Layout) Validate() error {
	if l.RecordLength <= 0 {
		return utils.NewMalformedFormatErrorf("point layout", "record length %d", l.RecordLength)
	}
	for _, f := range l.Fields {
		if f.Offset < 0 || f.end() > l.RecordLength {
			return utils.NewMalformedFormatErrorf("point layout",
				"field %q [%d, %d) does not fit in a %d byte record", f.Name, f.Offset, f.end(), l.RecordLength)
		}
	}
	return nil
}

type pointFormat struct {
	minLength   int
	gpsOffset   int
	colorOffset int
	extended    bool
}

// pointFormats lists the LAS 1.4 point data record formats 0 to 10.
var pointFormats = []pointFormat{
	{minLength: 20, gpsOffset: -1, colorOffset: -1},
	{minLength: 28, gpsOffset: 20, colorOffset: -1},
	{minLength: 26, gpsOffset: -1, colorOffset: 20},
	{minLength: 34, gpsOffset: 20, colorOffset: 28},
	{minLength: 57, gpsOffset: 20, colorOffset: -1},
	{minLength: 63, gpsOffset: 20, colorOffset: 28},
	{minLength: 30, gpsOffset: 22, colorOffset: -1, extended: true},
	{minLength: 36, gpsOffset: 22, colorOffset: 30, extended: true},
	{minLength: 38, gpsOffset: 22, colorOffset: 30, extended: true},
	{minLength: 59, gpsOffset: 22, colorOffset: -1, extended: true},
	{minLength: 67, gpsOffset: 22, colorOffset: 30, extended: true},
}

// MinRecordLength returns the size of the standard fields of a LAS point format.
func MinRecordLength(format int) (int, error) {
	if format < 0 || format >= len(pointFormats) {
		return 0, utils.NewMalformedFormatErrorf("point format", "unknown point data record format %d", format)
	}
	return pointFormats[format].minLength, nil
}

// HasColor returns whether a LAS point format stores RGB.
func HasColor(format int) bool {
	return format >= 0 && format < len(pointFormats) && pointFormats[format].colorOffset >= 0
}

// LayoutForFormat returns the layout of LAS point format records of the given length.
// Extra bytes fields are laid out after the standard fields.
func LayoutForFormat(format, recordLength int, scale, offset [3]float64, extra []ExtraBytesField) (*Layout, error) {
	minLength, err := MinRecordLength(format)
	if err != nil {
		return nil, err
	}
	if recordLength < minLength {
		return nil, utils.NewMalformedFormatErrorf("point format",
			"record length %d is shorter than %d required by format %d", recordLength, minLength, format)
	}
	pf := pointFormats[format]

	l := &Layout{RecordLength: recordLength}
	l.Fields = append(l.Fields,
		Field{Name: FieldX, Type: Int32, Offset: 0, Scale: scale[0], Add: offset[0]},
		Field{Name: FieldY, Type: Int32, Offset: 4, Scale: scale[1], Add: offset[1]},
		Field{Name: FieldZ, Type: Int32, Offset: 8, Scale: scale[2], Add: offset[2]},
		Field{Name: FieldIntensity, Type: Uint16, Offset: 12},
	)
	if pf.extended {
		l.Fields = append(l.Fields,
			Field{Name: FieldReturnNumber, Type: Uint8, Offset: 14, Mask: 0x0f},
			Field{Name: FieldNumberOfReturns, Type: Uint8, Offset: 14, Mask: 0xf0, Shift: 4},
			Field{Name: FieldClassification, Type: Uint8, Offset: 16},
			Field{Name: FieldPointSourceID, Type: Uint16, Offset: 20},
		)
	} else {
		l.Fields = append(l.Fields,
			Field{Name: FieldReturnNumber, Type: Uint8, Offset: 14, Mask: 0x07},
			Field{Name: FieldNumberOfReturns, Type: Uint8, Offset: 14, Mask: 0x38, Shift: 3},
			Field{Name: FieldClassification, Type: Uint8, Offset: 15, Mask: 0x1f},
			Field{Name: FieldPointSourceID, Type: Uint16, Offset: 18},
		)
	}
	if pf.gpsOffset >= 0 {
		l.Fields = append(l.Fields, Field{Name: FieldGpsTime, Type: Float64, Offset: pf.gpsOffset})
	}
	if pf.colorOffset >= 0 {
		l.Fields = append(l.Fields,
			Field{Name: FieldRed, Type: Uint16, Offset: pf.colorOffset},
			Field{Name: FieldGreen, Type: Uint16, Offset: pf.colorOffset + 2},
			Field{Name: FieldBlue, Type: Uint16, Offset: pf.colorOffset + 4},
		)
	}

	pos := minLength
	for _, eb := range extra {
		if eb.Type != Undocumented {
			l.Fields = append(l.Fields, Field{Name: eb.Name, Type: eb.Type, Offset: pos, Scale: eb.Scale, Add: eb.Offset})
		}
		pos += eb.Size
	}
	if pos > recordLength {
		return nil, utils.NewMalformedFormatErrorf("point format",
			"extra bytes need %d bytes but records are %d long", pos, recordLength)
	}
	return l, nil
}

// A SchemaDimension is one entry of an Entwine schema.
type SchemaDimension struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Size   int     `json:"size"`
	Scale  float64 `json:"scale,omitempty"`
	Offset float64 `json:"offset,omitempty"`
}

// LayoutFromSchema returns the layout of Entwine binary records. Dimensions are packed in
// schema order.
func LayoutFromSchema(schema []SchemaDimension) (*Layout, error) {
	l := &Layout{}
	for _, d := range schema {
		t, err := schemaType(d)
		if err != nil {
			return nil, err
		}
		l.Fields = append(l.Fields, Field{Name: d.Name, Type: t, Offset: l.RecordLength, Scale: d.Scale, Add: d.Offset})
		l.RecordLength += d.Size
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func schemaType(d SchemaDimension) (FieldType, error) {
	switch {
	case d.Type == "signed" && d.Size == 1:
		return Int8, nil
	case d.Type == "signed" && d.Size == 2:
		return Int16, nil
	case d.Type == "signed" && d.Size == 4:
		return Int32, nil
	case d.Type == "signed" && d.Size == 8:
		return Int64, nil
	case d.Type == "unsigned" && d.Size == 1:
		return Uint8, nil
	case d.Type == "unsigned" && d.Size == 2:
		return Uint16, nil
	case d.Type == "unsigned" && d.Size == 4:
		return Uint32, nil
	case d.Type == "unsigned" && d.Size == 8:
		return Uint64, nil
	case d.Type == "float" && d.Size == 4:
		return Float32, nil
	case d.Type == "float" && d.Size == 8:
		return Float64, nil
	default:
		return Undocumented, utils.NewMalformedFormatErrorf("ept schema", "dimension %q has unsupported type %s/%d", d.Name, d.Type, d.Size)
	}
}

// Potree binary point attributes.
const (
	PotreePositionCartesian  = "POSITION_CARTESIAN"
	PotreeColorPacked        = "COLOR_PACKED"
	PotreeIntensity          = "INTENSITY"
	PotreeClassification     = "CLASSIFICATION"
	PotreeReturnNumber       = "RETURN_NUMBER"
	PotreeNumberOfReturns    = "NUMBER_OF_RETURNS"
	PotreeSourceID           = "SOURCE_ID"
	PotreeGpsTime            = "GPS_TIME"
	PotreeNormalSpheremapped = "NORMAL_SPHEREMAPPED"
	PotreeNormalOct16        = "NORMAL_OCT16"
	PotreeNormal             = "NORMAL"
)

// LayoutFromPotree returns the layout of Potree 1.x binary records. Positions are stored as
// unsigned integers relative to the min corner of the node bounding box.
func LayoutFromPotree(attributes []string, scale float64, nodeMin r3.Vector) (*Layout, error) {
	l := &Layout{}
	add := func(fields ...Field) {
		for _, f := range fields {
			f.Offset += l.RecordLength
			l.Fields = append(l.Fields, f)
		}
	}
	for _, name := range attributes {
		switch name {
		case PotreePositionCartesian:
			add(
				Field{Name: FieldX, Type: Uint32, Offset: 0, Scale: scale, Add: nodeMin.X},
				Field{Name: FieldY, Type: Uint32, Offset: 4, Scale: scale, Add: nodeMin.Y},
				Field{Name: FieldZ, Type: Uint32, Offset: 8, Scale: scale, Add: nodeMin.Z},
			)
			l.RecordLength += 12
		case PotreeColorPacked:
			add(
				Field{Name: FieldRed, Type: Uint8, Offset: 0},
				Field{Name: FieldGreen, Type: Uint8, Offset: 1},
				Field{Name: FieldBlue, Type: Uint8, Offset: 2},
			)
			l.RecordLength += 4
		case PotreeIntensity:
			add(Field{Name: FieldIntensity, Type: Uint16})
			l.RecordLength += 2
		case PotreeClassification:
			add(Field{Name: FieldClassification, Type: Uint8})
			l.RecordLength++
		case PotreeReturnNumber:
			add(Field{Name: FieldReturnNumber, Type: Uint8})
			l.RecordLength++
		case PotreeNumberOfReturns:
			add(Field{Name: FieldNumberOfReturns, Type: Uint8})
			l.RecordLength++
		case PotreeSourceID:
			add(Field{Name: FieldPointSourceID, Type: Uint16})
			l.RecordLength += 2
		case PotreeGpsTime:
			add(Field{Name: FieldGpsTime, Type: Float64})
			l.RecordLength += 8
		case PotreeNormalSpheremapped:
			add(Field{Name: FieldNormalSpheremapped, Type: Uint8})
			l.RecordLength += 2
		case PotreeNormalOct16:
			add(Field{Name: FieldNormalOct16, Type: Uint8})
			l.RecordLength += 2
		case PotreeNormal:
			add(
				Field{Name: FieldNormalX, Type: Float32, Offset: 0},
				Field{Name: FieldNormalY, Type: Float32, Offset: 4},
				Field{Name: FieldNormalZ, Type: Float32, Offset: 8},
			)
			l.RecordLength += 12
		default:
			return nil, utils.NewMalformedFormatErrorf("potree attributes", "unknown point attribute %q", name)
		}
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}
