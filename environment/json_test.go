package environment

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// viaGenericJSON mimics a stream channel: encode, decode into an untyped
// value with UseNumber, then re-encode into T.
func viaGenericJSON[T any](t *testing.T, v any) T {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	require.NoError(t, dec.Decode(&generic))

	raw, err = json.Marshal(generic)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestTimeStepJSON_NonFiniteValues(t *testing.T) {
	ts := Transition(map[string]Array{
		"scan": Vector(1.5, math.Inf(1), math.Inf(-1), math.NaN()),
	}, math.Inf(1), 0.5)

	got := viaGenericJSON[TimeStep](t, ts)

	assert.Equal(t, StepMid, got.StepType)
	assert.True(t, math.IsInf(got.Reward, 1))
	assert.Equal(t, 0.5, got.Discount)
	scan := got.Observation["scan"]
	require.Len(t, scan.Data, 4)
	assert.Equal(t, []int{4}, scan.Shape)
	assert.Equal(t, 1.5, scan.Data[0])
	assert.True(t, math.IsInf(scan.Data[1], 1))
	assert.True(t, math.IsInf(scan.Data[2], -1))
	assert.True(t, math.IsNaN(scan.Data[3]))
}

func TestFlatTimeStepJSON_NonFiniteValues(t *testing.T) {
	flat := FlatTimeStep{Values: []float64{1, math.Inf(-1), 0}, Info: map[string]any{"k": "v"}}

	got := viaGenericJSON[FlatTimeStep](t, flat)

	require.Len(t, got.Values, 3)
	assert.True(t, math.IsInf(got.Values[1], -1))
	assert.Equal(t, "v", got.Info["k"])
}

func TestArraySpecJSON_UnboundedLimits(t *testing.T) {
	spec := NewBoundedArraySpec("range", Float32, 0, math.Inf(1), 8)

	got := viaGenericJSON[ArraySpec](t, spec)

	assert.Empty(t, DiffSpecs(spec, got))
}

func TestValuesJSON(t *testing.T) {
	tests := []struct {
		name string
		in   Values
		want string
	}{
		{name: "finite", in: Values{1, -2.5, 0}, want: `[1,-2.5,0]`},
		{name: "non-finite", in: Values{math.Inf(1), math.Inf(-1)}, want: `["+Inf","-Inf"]`},
		{name: "nil", in: nil, want: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))

			var back Values
			require.NoError(t, json.Unmarshal(raw, &back))
			assert.Equal(t, tt.in, back)
		})
	}

	var v Values
	assert.Error(t, json.Unmarshal([]byte(`["infinity"]`), &v))
}
