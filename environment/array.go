package environment

import (
	"fmt"
	"slices"
)

// DType names the element type an ArraySpec declares. Values always travel
// as float64; the dtype is metadata for the consumer.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int32   DType = "int32"
	Int64   DType = "int64"
)

// Array is a dense row-major numeric value.
type Array struct {
	Shape []int     `json:"shape,omitempty"`
	Data  []float64 `json:"data"`
}

// NewArray builds an Array and checks that data fills the shape exactly.
func NewArray(shape []int, data []float64) (Array, error) {
	a := Array{Shape: slices.Clone(shape), Data: data}
	if err := a.check(); err != nil {
		return Array{}, err
	}
	return a, nil
}

// Scalar wraps a single value.
func Scalar(v float64) Array {
	return Array{Data: []float64{v}}
}

// Vector wraps values as a rank-1 array.
func Vector(values ...float64) Array {
	return Array{Shape: []int{len(values)}, Data: values}
}

// Size returns the number of elements the shape describes.
func (a Array) Size() int {
	return shapeSize(a.Shape)
}

// Reshape returns a view of the same data under a new shape.
func (a Array) Reshape(shape ...int) (Array, error) {
	if shapeSize(shape) != len(a.Data) {
		return Array{}, fmt.Errorf("cannot reshape array of size %d into shape %v", len(a.Data), shape)
	}
	return Array{Shape: slices.Clone(shape), Data: a.Data}, nil
}

// Clone returns a deep copy.
func (a Array) Clone() Array {
	return Array{Shape: slices.Clone(a.Shape), Data: slices.Clone(a.Data)}
}

func (a Array) check() error {
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", a.Shape)
		}
	}
	if len(a.Data) != a.Size() {
		return fmt.Errorf("shape %v needs %d values, got %d", a.Shape, a.Size(), len(a.Data))
	}
	return nil
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// ArraySpec describes the shape, dtype and bounds of an Array.
type ArraySpec struct {
	Name    string  `json:"name" yaml:"name"`
	Shape   []int   `json:"shape,omitempty" yaml:"shape"`
	DType   DType   `json:"dtype" yaml:"dtype"`
	Bounded bool    `json:"bounded,omitempty" yaml:"bounded"`
	Minimum float64 `json:"minimum,omitempty" yaml:"minimum"`
	Maximum float64 `json:"maximum,omitempty" yaml:"maximum"`
}

// NewArraySpec returns an unbounded spec.
func NewArraySpec(name string, dtype DType, shape ...int) ArraySpec {
	return ArraySpec{Name: name, Shape: shape, DType: dtype}
}

// NewBoundedArraySpec returns a spec whose values lie in [minimum, maximum].
func NewBoundedArraySpec(name string, dtype DType, minimum, maximum float64, shape ...int) ArraySpec {
	return ArraySpec{Name: name, Shape: shape, DType: dtype, Bounded: true, Minimum: minimum, Maximum: maximum}
}

// Size returns the number of elements of a conforming Array.
func (s ArraySpec) Size() int {
	return shapeSize(s.Shape)
}

// Validate checks that a conforms to s's shape and bounds.
func (s ArraySpec) Validate(a Array) error {
	if len(a.Data) != s.Size() {
		return fmt.Errorf("%s: expected %d values, got %d", s.label(), s.Size(), len(a.Data))
	}
	if len(a.Shape) != 0 && !slices.Equal(a.Shape, s.Shape) {
		return fmt.Errorf("%s: expected shape %v, got %v", s.label(), s.Shape, a.Shape)
	}
	if s.Bounded {
		for i, v := range a.Data {
			if v < s.Minimum || v > s.Maximum {
				return fmt.Errorf("%s: value %g at %d outside [%g, %g]", s.label(), v, i, s.Minimum, s.Maximum)
			}
		}
	}
	return nil
}

func (s ArraySpec) label() string {
	if s.Name == "" {
		return "array"
	}
	return s.Name
}
