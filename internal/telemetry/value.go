package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is a sample as it appears in JSON. Speeds are raw float32 bit
// patterns, so NaN and the infinities are legal readings; they encode as the
// strings "NaN", "Infinity" and "-Infinity".
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*v = Value(math.NaN())
		case "Infinity":
			*v = Value(math.Inf(1))
		case "-Infinity":
			*v = Value(math.Inf(-1))
		default:
			return fmt.Errorf("telemetry value %q is not a number", s)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

// Values converts a history slice for encoding.
func Values(vs []float64) []Value {
	out := make([]Value, len(vs))
	for i, f := range vs {
		out[i] = Value(f)
	}
	return out
}

type sampleJSON struct {
	Value Value `json:"value"`
	Count int   `json:"count"`
	Valid bool  `json:"valid"`
}

func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{Value: Value(s.Value), Count: s.Count, Valid: s.Valid})
}

func (s *Sample) UnmarshalJSON(data []byte) error {
	var w sampleJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Sample{Value: float64(w.Value), Count: w.Count, Valid: w.Valid}
	return nil
}
