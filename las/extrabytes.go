package las

import (
	"go.viam.com/pcstream/utils"
)

// ExtraBytesField describes one user field appended to the standard point record, as
// declared by the extra bytes VLR.
type ExtraBytesField struct {
	Name        string
	Description string
	Type        FieldType
	// Size is the byte size of the field; for undocumented fields it is the only information.
	Size   int
	Scale  float64
	Offset float64
}

// ExtraBytesTypes lists the extra bytes data types 1 to 10 in order.
var ExtraBytesTypes = []FieldType{Uint8, Int8, Uint16, Int16, Uint32, Int32, Uint64, Int64, Float32, Float64}

// ParseExtraBytes parses the content of the extra bytes VLR. Array types deprecated since
// LAS 1.4 R14 are rejected.
func ParseExtraBytes(b []byte) ([]ExtraBytesField, error) {
	if len(b)%extraBytesDescLength != 0 {
		return nil, utils.NewMalformedFormatErrorf("extra bytes", "length %d is not a multiple of %d", len(b), extraBytesDescLength)
	}
	fields := make([]ExtraBytesField, 0, len(b)/extraBytesDescLength)
	for pos := 0; pos < len(b); pos += extraBytesDescLength {
		d := b[pos : pos+extraBytesDescLength]
		dataType, options := int(d[2]), d[3]
		f := ExtraBytesField{
			Name:        cString(d[4:36]),
			Description: cString(d[160:192]),
			Scale:       1,
		}
		switch {
		case dataType == 0:
			f.Type = Undocumented
			f.Size = int(options)
		case dataType <= len(ExtraBytesTypes):
			f.Type = ExtraBytesTypes[dataType-1]
			f.Size = f.Type.Size()
		default:
			return nil, utils.NewMalformedFormatErrorf("extra bytes", "field %q has unsupported data type %d", f.Name, dataType)
		}
		if options&0x08 != 0 {
			f.Scale = float64At(d, 112)
		}
		if options&0x10 != 0 {
			f.Offset = float64At(d, 136)
		}
		if f.Size <= 0 {
			return nil, utils.NewMalformedFormatErrorf("extra bytes", "field %q has no size", f.Name)
		}
		fields = append(fields, f)
	}
	return fields, nil
}
