package environment

import (
	"fmt"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/BaSui01/envbatch/types"
)

// FlatTimeStep is the flattened transport form of a TimeStep: step type,
// reward, discount and then every observation in ObservationKeys order.
// Info is not numeric and travels alongside.
type FlatTimeStep struct {
	Values []float64      `json:"values"`
	Info   map[string]any `json:"info,omitempty"`
}

// FlattenTimeStep packs ts into a single vector laid out by spec.
func FlattenTimeStep(spec TimeStepSpec, ts TimeStep) (FlatTimeStep, error) {
	values := make([]float64, 0, spec.FlatSize())
	values = append(values, float64(ts.StepType), ts.Reward, ts.Discount)
	for _, key := range spec.ObservationKeys() {
		obs, ok := ts.Observation[key]
		if !ok {
			return FlatTimeStep{}, fmt.Errorf("observation %q missing from time step", key)
		}
		if len(obs.Data) != spec.Observation[key].Size() {
			return FlatTimeStep{}, fmt.Errorf("observation %q: expected %d values, got %d",
				key, spec.Observation[key].Size(), len(obs.Data))
		}
		values = append(values, obs.Data...)
	}
	return FlatTimeStep{Values: values, Info: ts.Info}, nil
}

// UnflattenTimeStep is the inverse of FlattenTimeStep.
func UnflattenTimeStep(spec TimeStepSpec, flat FlatTimeStep) (TimeStep, error) {
	if len(flat.Values) != spec.FlatSize() {
		return TimeStep{}, fmt.Errorf("flat time step: expected %d values, got %d", spec.FlatSize(), len(flat.Values))
	}
	ts := TimeStep{
		StepType:    StepType(int(flat.Values[0])),
		Reward:      flat.Values[1],
		Discount:    flat.Values[2],
		Observation: make(map[string]Array, len(spec.Observation)),
		Info:        flat.Info,
	}
	offset := 3
	for _, key := range spec.ObservationKeys() {
		s := spec.Observation[key]
		n := s.Size()
		ts.Observation[key] = Array{
			Shape: slices.Clone(s.Shape),
			Data:  slices.Clone(flat.Values[offset : offset+n]),
		}
		offset += n
	}
	return ts, nil
}

// UnflattenAction reshapes a raw action vector to the declared action shape.
func UnflattenAction(spec ArraySpec, raw []float64) (Array, error) {
	a, err := Array{Data: raw}.Reshape(spec.Shape...)
	if err != nil {
		return Array{}, types.NewError(types.ErrInvalidAction, "action does not match action spec").WithCause(err)
	}
	return a, nil
}

// UnstackActions splits a batched action into per-environment actions of
// the action spec's shape, in row order. The total size must be an exact multiple
// of the per-environment action width.
func UnstackActions(batched Array, spec ArraySpec) ([]Array, error) {
	width := spec.Size()
	if width <= 0 {
		return nil, types.Errorf(types.ErrInvalidAction, "action spec %v has no elements", spec.Shape)
	}
	if len(batched.Data)%width != 0 {
		return nil, types.Errorf(types.ErrInvalidAction,
			"batched action of size %d is not a multiple of action width %d", len(batched.Data), width)
	}
	n := len(batched.Data) / width
	out := make([]Array, n)
	for i := range n {
		out[i] = Array{
			Shape: slices.Clone(spec.Shape),
			Data:  slices.Clone(batched.Data[i*width : (i+1)*width]),
		}
	}
	return out, nil
}

// StackActions is the inverse of UnstackActions: it concatenates actions
// into one batched array of shape [len(actions), spec.Shape...].
func StackActions(actions []Array, spec ArraySpec) (Array, error) {
	width := spec.Size()
	data := make([]float64, 0, len(actions)*width)
	for i, a := range actions {
		if len(a.Data) != width {
			return Array{}, types.Errorf(types.ErrInvalidAction, "action %d: expected %d values, got %d", i, width, len(a.Data))
		}
		data = append(data, a.Data...)
	}
	return Array{Shape: append([]int{len(actions)}, spec.Shape...), Data: data}, nil
}

// DispatchedIndices lists worker indices in [0, n) not present in skip,
// in ascending order.
func DispatchedIndices(n int, skip []int) ([]int, error) {
	skipped := make([]bool, n)
	for _, i := range skip {
		if i < 0 || i >= n {
			return nil, types.Errorf(types.ErrInvalidAction, "skip index %d out of range [0, %d)", i, n)
		}
		skipped[i] = true
	}
	indices := make([]int, 0, n)
	for i := range n {
		if !skipped[i] {
			indices = append(indices, i)
		}
	}
	return indices, nil
}

// DiffSpecs returns a human-readable diff between two specs, or "" when
// they are equal. Nil and empty shapes compare equal.
func DiffSpecs(want, got any) string {
	return cmp.Diff(want, got, cmpopts.EquateEmpty())
}

func errMismatchedBatch(got, want int) error {
	return types.Errorf(types.ErrInvalidAction, "batch has %d entries, skip set leaves %d", got, want)
}
