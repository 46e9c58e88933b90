// Package lastest builds LAS and COPC byte streams for tests.
package lastest

import (
	"encoding/binary"
	"math"

	"go.viam.com/pcstream/las"
)

var le = binary.LittleEndian

// A Point is one record to encode. Coordinates are real-world values.
type Point struct {
	X, Y, Z          float64
	Intensity        uint16
	ReturnNumber     uint8
	NumberOfReturns  uint8
	Classification   uint8
	PointSourceID    uint16
	GpsTime          float64
	Red, Green, Blue uint16
	// Extra is copied right after the standard fields.
	Extra []byte
}

// EncodeRecords encodes points as LAS point format records of recordLength bytes.
func EncodeRecords(format, recordLength int, scale, offset [3]float64, points []Point) []byte {
	out := make([]byte, len(points)*recordLength)
	minLength, err := las.MinRecordLength(format)
	if err != nil {
		panic(err)
	}
	for i, p := range points {
		r := out[i*recordLength : (i+1)*recordLength]
		le.PutUint32(r[0:], uint32(int32(math.Round((p.X-offset[0])/scale[0]))))
		le.PutUint32(r[4:], uint32(int32(math.Round((p.Y-offset[1])/scale[1]))))
		le.PutUint32(r[8:], uint32(int32(math.Round((p.Z-offset[2])/scale[2]))))
		le.PutUint16(r[12:], p.Intensity)
		var gps, color int
		if format >= 6 {
			r[14] = p.ReturnNumber&0x0f | p.NumberOfReturns<<4
			r[16] = p.Classification
			le.PutUint16(r[20:], p.PointSourceID)
			gps, color = 22, 30
			if format == 6 || format == 9 {
				color = -1
			}
		} else {
			r[14] = p.ReturnNumber&0x07 | (p.NumberOfReturns&0x07)<<3
			r[15] = p.Classification & 0x1f
			le.PutUint16(r[18:], p.PointSourceID)
			gps, color = -1, -1
			switch format {
			case 1, 4:
				gps = 20
			case 2:
				color = 20
			case 3, 5:
				gps, color = 20, 28
			}
		}
		if gps >= 0 {
			le.PutUint64(r[gps:], math.Float64bits(p.GpsTime))
		}
		if color >= 0 {
			le.PutUint16(r[color:], p.Red)
			le.PutUint16(r[color+2:], p.Green)
			le.PutUint16(r[color+4:], p.Blue)
		}
		copy(r[minLength:], p.Extra)
	}
	return out
}

// A VLR is a record to embed in a file.
type VLR struct {
	UserID      string
	RecordID    uint16
	Description string
	Content     []byte
}

// File describes a LAS 1.4 file to encode.
type File struct {
	PointFormat  int
	RecordLength int
	Scale        [3]float64
	Offset       [3]float64
	Min, Max     [3]float64
	PointCount   int
	// PointData is written verbatim after the VLRs.
	PointData []byte
	// Compressed sets the LASzip bit of the point format.
	Compressed bool
	VLRs       []VLR
	EVLRs      []VLR
}

// Encode serializes f.
func Encode(f File) []byte {
	const headerSize = las.HeaderLength14
	vlrBytes := 0
	for _, v := range f.VLRs {
		vlrBytes += 54 + len(v.Content)
	}
	pointStart := headerSize + vlrBytes
	evlrStart := pointStart + len(f.PointData)

	out := make([]byte, headerSize)
	copy(out[0:4], "LASF")
	out[24], out[25] = 1, 4
	copy(out[26:58], "pcstream")
	copy(out[58:90], "lastest")
	le.PutUint16(out[94:], headerSize)
	le.PutUint32(out[96:], uint32(pointStart))
	le.PutUint32(out[100:], uint32(len(f.VLRs)))
	out[104] = byte(f.PointFormat)
	if f.Compressed {
		out[104] |= 0x80
	}
	le.PutUint16(out[105:], uint16(f.RecordLength))
	for i := 0; i < 3; i++ {
		le.PutUint64(out[131+8*i:], math.Float64bits(f.Scale[i]))
		le.PutUint64(out[155+8*i:], math.Float64bits(f.Offset[i]))
		le.PutUint64(out[179+16*i:], math.Float64bits(f.Max[i]))
		le.PutUint64(out[187+16*i:], math.Float64bits(f.Min[i]))
	}
	le.PutUint64(out[235:], uint64(evlrStart))
	le.PutUint32(out[243:], uint32(len(f.EVLRs)))
	le.PutUint64(out[247:], uint64(f.PointCount))

	for _, v := range f.VLRs {
		h := make([]byte, 54)
		copy(h[2:18], v.UserID)
		le.PutUint16(h[18:], v.RecordID)
		le.PutUint16(h[20:], uint16(len(v.Content)))
		copy(h[22:54], v.Description)
		out = append(out, h...)
		out = append(out, v.Content...)
	}
	out = append(out, f.PointData...)
	for _, v := range f.EVLRs {
		h := make([]byte, 60)
		copy(h[2:18], v.UserID)
		le.PutUint16(h[18:], v.RecordID)
		le.PutUint64(h[20:], uint64(len(v.Content)))
		copy(h[28:60], v.Description)
		out = append(out, h...)
		out = append(out, v.Content...)
	}
	return out
}

// EncodeCopcInfo serializes the content of a COPC info VLR.
func EncodeCopcInfo(info las.CopcInfo) []byte {
	out := make([]byte, 160)
	for i := 0; i < 3; i++ {
		le.PutUint64(out[8*i:], math.Float64bits(info.Center[i]))
	}
	le.PutUint64(out[24:], math.Float64bits(info.Halfsize))
	le.PutUint64(out[32:], math.Float64bits(info.Spacing))
	le.PutUint64(out[40:], uint64(info.RootHierOffset))
	le.PutUint64(out[48:], uint64(info.RootHierSize))
	le.PutUint64(out[56:], math.Float64bits(info.GpsTimeMinimum))
	le.PutUint64(out[64:], math.Float64bits(info.GpsTimeMaximum))
	return out
}

// EncodeExtraBytes serializes extra bytes descriptors.
func EncodeExtraBytes(fields []las.ExtraBytesField) []byte {
	out := make([]byte, len(fields)*192)
	for i, f := range fields {
		d := out[i*192 : (i+1)*192]
		if f.Type == las.Undocumented {
			d[3] = byte(f.Size)
		} else {
			for idx, t := range las.ExtraBytesTypes {
				if t == f.Type {
					d[2] = byte(idx + 1)
				}
			}
			if f.Scale != 0 && f.Scale != 1 {
				d[3] |= 0x08
				le.PutUint64(d[112:], math.Float64bits(f.Scale))
			}
			if f.Offset != 0 {
				d[3] |= 0x10
				le.PutUint64(d[136:], math.Float64bits(f.Offset))
			}
		}
		copy(d[4:36], f.Name)
		copy(d[160:192], f.Description)
	}
	return out
}

// A CopcEntry is one 32-byte COPC hierarchy entry. A PointCount of -1 points at a child
// hierarchy page.
type CopcEntry struct {
	Depth, X, Y, Z int32
	Offset         uint64
	ByteSize       int32
	PointCount     int32
}

// EncodeHierarchyPage serializes a COPC hierarchy page.
func EncodeHierarchyPage(entries []CopcEntry) []byte {
	out := make([]byte, 32*len(entries))
	for i, e := range entries {
		b := out[32*i:]
		le.PutUint32(b[0:], uint32(e.Depth))
		le.PutUint32(b[4:], uint32(e.X))
		le.PutUint32(b[8:], uint32(e.Y))
		le.PutUint32(b[12:], uint32(e.Z))
		le.PutUint64(b[16:], e.Offset)
		le.PutUint32(b[24:], uint32(e.ByteSize))
		le.PutUint32(b[28:], uint32(e.PointCount))
	}
	return out
}
