package environment

import (
	"maps"
	"slices"
)

// StepType marks where a TimeStep sits inside an episode.
type StepType int

const (
	StepFirst StepType = iota
	StepMid
	StepLast
)

func (s StepType) String() string {
	switch s {
	case StepFirst:
		return "first"
	case StepMid:
		return "mid"
	case StepLast:
		return "last"
	default:
		return "unknown"
	}
}

// TimeStep is one environment's reset/step result. It is never mutated
// after creation; batches only read and restack its fields.
type TimeStep struct {
	StepType    StepType         `json:"step_type"`
	Reward      float64          `json:"reward"`
	Discount    float64          `json:"discount"`
	Observation map[string]Array `json:"observation"`
	Info        map[string]any   `json:"info,omitempty"`
}

// Restart builds the first TimeStep of an episode.
func Restart(observation map[string]Array) TimeStep {
	return TimeStep{StepType: StepFirst, Discount: 1, Observation: observation}
}

// Transition builds a mid-episode TimeStep.
func Transition(observation map[string]Array, reward, discount float64) TimeStep {
	return TimeStep{StepType: StepMid, Reward: reward, Discount: discount, Observation: observation}
}

// Termination builds the last TimeStep of an episode.
func Termination(observation map[string]Array, reward float64) TimeStep {
	return TimeStep{StepType: StepLast, Reward: reward, Observation: observation}
}

func (t TimeStep) IsFirst() bool { return t.StepType == StepFirst }
func (t TimeStep) IsMid() bool   { return t.StepType == StepMid }
func (t TimeStep) IsLast() bool  { return t.StepType == StepLast }

// WithInfo returns a copy carrying info.
func (t TimeStep) WithInfo(info map[string]any) TimeStep {
	t.Info = info
	return t
}

// TimeStepSpec describes every field of a TimeStep.
type TimeStepSpec struct {
	StepType    ArraySpec            `json:"step_type"`
	Reward      ArraySpec            `json:"reward"`
	Discount    ArraySpec            `json:"discount"`
	Observation map[string]ArraySpec `json:"observation"`
}

// NewTimeStepSpec uses scalar specs for step type, reward and discount.
func NewTimeStepSpec(observation map[string]ArraySpec) TimeStepSpec {
	return TimeStepSpec{
		StepType:    NewArraySpec("step_type", Int32),
		Reward:      NewArraySpec("reward", Float32),
		Discount:    NewBoundedArraySpec("discount", Float32, 0, 1),
		Observation: observation,
	}
}

// ObservationKeys returns observation names in flattening order.
func (s TimeStepSpec) ObservationKeys() []string {
	return slices.Sorted(maps.Keys(s.Observation))
}

// FlatSize is the length of a flattened TimeStep under this spec.
func (s TimeStepSpec) FlatSize() int {
	n := s.StepType.Size() + s.Reward.Size() + s.Discount.Size()
	for _, spec := range s.Observation {
		n += spec.Size()
	}
	return n
}

// BatchedTimeStep holds per-worker TimeSteps aligned by ascending worker
// index over the workers that were dispatched.
type BatchedTimeStep []TimeStep

func (b BatchedTimeStep) StepTypes() []StepType {
	out := make([]StepType, len(b))
	for i, ts := range b {
		out[i] = ts.StepType
	}
	return out
}

func (b BatchedTimeStep) Rewards() []float64 {
	out := make([]float64, len(b))
	for i, ts := range b {
		out[i] = ts.Reward
	}
	return out
}

func (b BatchedTimeStep) Discounts() []float64 {
	out := make([]float64, len(b))
	for i, ts := range b {
		out[i] = ts.Discount
	}
	return out
}

// Observations collects the named observation across the batch.
func (b BatchedTimeStep) Observations(name string) []Array {
	out := make([]Array, len(b))
	for i, ts := range b {
		out[i] = ts.Observation[name]
	}
	return out
}

func (b BatchedTimeStep) Infos() []map[string]any {
	out := make([]map[string]any, len(b))
	for i, ts := range b {
		out[i] = ts.Info
	}
	return out
}

// Expand spreads a batch produced with a skip set back to full width.
// Skipped slots hold the zero TimeStep and are reported false in the mask.
func (b BatchedTimeStep) Expand(n int, skip []int) (BatchedTimeStep, []bool, error) {
	indices, err := DispatchedIndices(n, skip)
	if err != nil {
		return nil, nil, err
	}
	if len(indices) != len(b) {
		return nil, nil, errMismatchedBatch(len(b), len(indices))
	}
	out := make(BatchedTimeStep, n)
	mask := make([]bool, n)
	for j, i := range indices {
		out[i] = b[j]
		mask[i] = true
	}
	return out, mask, nil
}
