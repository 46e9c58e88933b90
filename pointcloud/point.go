package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Coordinates beyond this magnitude are rejected because float64 can no longer hold them
// with a comfortable fractional precision.
const (
	maxPreciseFloat64 = float64(1 << 48)
	minPreciseFloat64 = -maxPreciseFloat64
)

func newOutOfRangeErr(dim string, val float64) error {
	return errors.Errorf("%s component (%v) is out of range [%v,%v]", dim, val, minPreciseFloat64, maxPreciseFloat64)
}

// IsPreciseVector returns an error naming the first component of v that is out of range.
func IsPreciseVector(v r3.Vector) error {
	if v.X < minPreciseFloat64 || v.X > maxPreciseFloat64 {
		return newOutOfRangeErr("x", v.X)
	}
	if v.Y < minPreciseFloat64 || v.Y > maxPreciseFloat64 {
		return newOutOfRangeErr("y", v.Y)
	}
	if v.Z < minPreciseFloat64 || v.Z > maxPreciseFloat64 {
		return newOutOfRangeErr("z", v.Z)
	}
	return nil
}

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Data describes data associated single point within a PointCloud.
type Data interface {
	// HasColor returns whether or not this point is colored.
	HasColor() bool

	// RGB255 returns, if colored, the RGB components of the color. There
	// is no alpha channel right now and as such the data can be assumed to be
	// premultiplied.
	RGB255() (uint8, uint8, uint8)

	// Color returns the native color of the point.
	Color() color.Color

	// SetColor sets the given color on the point.
	SetColor(c color.NRGBA) Data

	HasIntensity() bool
	Intensity() uint16
	SetIntensity(v uint16) Data

	// HasValue returns whether or not this point has some user data value
	// associated with it. Clouds built from decoded nodes store the classification there.
	HasValue() bool

	// Value returns the user data set value, if it exists.
	Value() int

	// SetValue sets the given user data value on the point.
	SetValue(v int) Data
}

type basicData struct {
	hasColor bool
	c        color.NRGBA

	hasIntensity bool
	intensity    uint16

	hasValue bool
	value    int
}

// NewBasicData returns a point that is solely positionally based.
func NewBasicData() Data {
	return &basicData{}
}

// NewColoredData returns a point that has both position and color.
func NewColoredData(c color.NRGBA) Data {
	return &basicData{c: c, hasColor: true}
}

// NewValueData returns a point that has both position and a user data value.
func NewValueData(v int) Data {
	return &basicData{value: v, hasValue: true}
}

func (bp *basicData) SetColor(c color.NRGBA) Data {
	bp.c = c
	bp.hasColor = true
	return bp
}

func (bp *basicData) HasColor() bool {
	return bp.hasColor
}

func (bp *basicData) RGB255() (uint8, uint8, uint8) {
	return bp.c.R, bp.c.G, bp.c.B
}

func (bp *basicData) Color() color.Color {
	return &bp.c
}

func (bp *basicData) HasIntensity() bool {
	return bp.hasIntensity
}

func (bp *basicData) Intensity() uint16 {
	return bp.intensity
}

func (bp *basicData) SetIntensity(v uint16) Data {
	bp.hasIntensity = true
	bp.intensity = v
	return bp
}

func (bp *basicData) SetValue(v int) Data {
	bp.hasValue = true
	bp.value = v
	return bp
}

func (bp *basicData) HasValue() bool {
	return bp.hasValue
}

func (bp *basicData) Value() int {
	return bp.value
}
