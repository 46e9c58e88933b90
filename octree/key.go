package octree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pcstream/utils"
)

// A Key identifies a node of the octree: its depth and its integer coordinates at that
// depth. The root is 0-0-0-0.
type Key struct {
	Depth, X, Y, Z int
}

// RootKey is the key of the root node.
var RootKey = Key{}

// String returns the "depth-x-y-z" form of k.
func (k Key) String() string {
	return fmt.Sprintf("%d-%d-%d-%d", k.Depth, k.X, k.Y, k.Z)
}

// ParseKey parses the "depth-x-y-z" form of a key.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return Key{}, utils.NewMalformedFormatErrorf("node key", "%q does not have four parts", s)
	}
	var vals [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return Key{}, utils.NewMalformedFormatErrorf("node key", "%q has an invalid part %q", s, p)
		}
		vals[i] = v
	}
	return Key{Depth: vals[0], X: vals[1], Y: vals[2], Z: vals[3]}, nil
}

// Child returns the key of the child at index i, 0 to 7. Bit 4 of i selects the upper half
// along x, bit 2 along y and bit 1 along z.
func (k Key) Child(i int) Key {
	return Key{
		Depth: k.Depth + 1,
		X:     2*k.X + ((i >> 2) & 1),
		Y:     2*k.Y + ((i >> 1) & 1),
		Z:     2*k.Z + (i & 1),
	}
}

// Parent returns the key of the parent of k. The root is its own parent.
func (k Key) Parent() Key {
	if k.Depth == 0 {
		return k
	}
	return Key{Depth: k.Depth - 1, X: k.X / 2, Y: k.Y / 2, Z: k.Z / 2}
}

// IsAncestorOf returns whether other lies strictly below k.
func (k Key) IsAncestorOf(other Key) bool {
	delta := other.Depth - k.Depth
	if delta <= 0 {
		return false
	}
	return other.X>>delta == k.X && other.Y>>delta == k.Y && other.Z>>delta == k.Z
}

// A Box is an axis aligned bounding box.
type Box struct {
	Min, Max r3.Vector
}

// NewCube returns the cube of the given half size around center.
func NewCube(center r3.Vector, halfsize float64) Box {
	h := r3.Vector{X: halfsize, Y: halfsize, Z: halfsize}
	return Box{Min: center.Sub(h), Max: center.Add(h)}
}

// Size returns the extent of b along each axis.
func (b Box) Size() r3.Vector {
	return b.Max.Sub(b.Min)
}

// Center returns the center of b.
func (b Box) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Contains returns whether p lies in b, boundaries included.
func (b Box) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ChildBox returns the bounding box of the descendant child of the node key whose box is
// box. The child may be any number of levels below key.
func ChildBox(key Key, box Box, child Key) (Box, error) {
	if !key.IsAncestorOf(child) {
		return Box{}, errors.Errorf("%s is not a descendant of %s", child, key)
	}
	delta := child.Depth - key.Depth
	factor := 1 / float64(int(1)<<delta)
	size := box.Size().Mul(factor)
	scale := 1 << delta
	lo := box.Min.Add(r3.Vector{
		X: float64(child.X-key.X*scale) * size.X,
		Y: float64(child.Y-key.Y*scale) * size.Y,
		Z: float64(child.Z-key.Z*scale) * size.Z,
	})
	return Box{Min: lo, Max: lo.Add(size)}, nil
}
