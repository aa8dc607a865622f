package environment

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// JSON has no literal for NaN or ±Inf, yet range sensors and unbounded
// specs produce them. Every float this package puts on the wire is written
// as a plain number when finite and as the string "NaN", "+Inf" or "-Inf"
// otherwise. Decoding accepts either form.

type number float64

func (n number) MarshalJSON() ([]byte, error) {
	v := float64(n)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "NaN", "+Inf", "-Inf", "Inf":
		default:
			return fmt.Errorf("invalid non-finite number %q", s)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = number(v)
	return nil
}

// Values is a float vector that survives JSON transport with non-finite
// elements intact. Flattened actions travel as Values.
type Values []float64

func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	out := make([]number, len(v))
	for i, f := range v {
		out[i] = number(f)
	}
	return json.Marshal(out)
}

func (v *Values) UnmarshalJSON(b []byte) error {
	var in []number
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in == nil {
		*v = nil
		return nil
	}
	out := make(Values, len(in))
	for i, n := range in {
		out[i] = float64(n)
	}
	*v = out
	return nil
}

type arrayJSON struct {
	Shape []int  `json:"shape,omitempty"`
	Data  Values `json:"data"`
}

func (a Array) MarshalJSON() ([]byte, error) {
	return json.Marshal(arrayJSON{Shape: a.Shape, Data: a.Data})
}

func (a *Array) UnmarshalJSON(b []byte) error {
	var w arrayJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*a = Array{Shape: w.Shape, Data: w.Data}
	return nil
}

type arraySpecJSON struct {
	Name    string `json:"name"`
	Shape   []int  `json:"shape,omitempty"`
	DType   DType  `json:"dtype"`
	Bounded bool   `json:"bounded,omitempty"`
	Minimum number `json:"minimum,omitempty"`
	Maximum number `json:"maximum,omitempty"`
}

func (s ArraySpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(arraySpecJSON{
		Name:    s.Name,
		Shape:   s.Shape,
		DType:   s.DType,
		Bounded: s.Bounded,
		Minimum: number(s.Minimum),
		Maximum: number(s.Maximum),
	})
}

func (s *ArraySpec) UnmarshalJSON(b []byte) error {
	var w arraySpecJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = ArraySpec{
		Name:    w.Name,
		Shape:   w.Shape,
		DType:   w.DType,
		Bounded: w.Bounded,
		Minimum: float64(w.Minimum),
		Maximum: float64(w.Maximum),
	}
	return nil
}

type timeStepJSON struct {
	StepType    StepType         `json:"step_type"`
	Reward      number           `json:"reward"`
	Discount    number           `json:"discount"`
	Observation map[string]Array `json:"observation"`
	Info        map[string]any   `json:"info,omitempty"`
}

func (t TimeStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(timeStepJSON{
		StepType:    t.StepType,
		Reward:      number(t.Reward),
		Discount:    number(t.Discount),
		Observation: t.Observation,
		Info:        t.Info,
	})
}

func (t *TimeStep) UnmarshalJSON(b []byte) error {
	var w timeStepJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = TimeStep{
		StepType:    w.StepType,
		Reward:      float64(w.Reward),
		Discount:    float64(w.Discount),
		Observation: w.Observation,
		Info:        w.Info,
	}
	return nil
}

type flatTimeStepJSON struct {
	Values Values         `json:"values"`
	Info   map[string]any `json:"info,omitempty"`
}

func (f FlatTimeStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(flatTimeStepJSON{Values: f.Values, Info: f.Info})
}

func (f *FlatTimeStep) UnmarshalJSON(b []byte) error {
	var w flatTimeStepJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*f = FlatTimeStep{Values: w.Values, Info: w.Info}
	return nil
}
