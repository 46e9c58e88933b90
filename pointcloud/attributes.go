package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"

	"go.viam.com/pcstream/las"
)

// FromAttributes returns a cloud holding the points of one or more decoded chunks. origin
// is added back to every position; pass the origin the chunks were decoded with. Points
// sharing a position keep the data of the last one.
func FromAttributes(origin r3.Vector, chunks ...*las.Attributes) (PointCloud, error) {
	size := 0
	for _, a := range chunks {
		size += a.PointCount
	}
	pc := NewWithPrealloc(size)
	for _, a := range chunks {
		if err := AddAttributes(pc, origin, a); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// AddAttributes sets every point of a in pc. Colors are kept when the chunk has them,
// intensity always, and the classification is stored as the point value.
func AddAttributes(pc PointCloud, origin r3.Vector, a *las.Attributes) error {
	for i := 0; i < a.PointCount; i++ {
		d := NewBasicData()
		if a.HasColor {
			d.SetColor(color.NRGBA{R: a.Colors[4*i], G: a.Colors[4*i+1], B: a.Colors[4*i+2], A: a.Colors[4*i+3]})
		}
		d.SetIntensity(a.Intensity[i])
		d.SetValue(int(a.Classification[i]))
		if err := pc.Set(a.Position(i).Add(origin), d); err != nil {
			return err
		}
	}
	return nil
}
