// Package intrinsics parses pinhole camera calibration text.
package intrinsics

import (
	"encoding/json"
	"math"
	"strings"
)

// Intrinsics holds focal lengths, principal point and lens distortion
// coefficients in OpenCV's k1, k2, p1, p2, k3 order. Values are immutable
// once parsed; a new calibration produces a new value.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
	K3 float64 `json:"k3"`
}

// Usable reports whether the focal lengths allow undistortion.
func (in Intrinsics) Usable() bool {
	return usableFocal(in.Fx) && usableFocal(in.Fy)
}

func usableFocal(f float64) bool {
	return f != 0 && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ZeroDistortion reports whether every distortion coefficient is zero.
func (in Intrinsics) ZeroDistortion() bool {
	return in.K1 == 0 && in.K2 == 0 && in.P1 == 0 && in.P2 == 0 && in.K3 == 0
}

// JSON encodes the record in the same shape Parse accepts.
func (in Intrinsics) JSON() string {
	b, _ := json.Marshal(in)
	return string(b)
}

// fieldNames are the required keys, in Intrinsics field order. Keys are
// matched exactly.
var fieldNames = [...]string{"fx", "fy", "cx", "cy", "k1", "k2", "p1", "p2", "k3"}

func isFieldName(key string) bool {
	for _, name := range fieldNames {
		if key == name {
			return true
		}
	}
	return false
}

// Parse reads a JSON object with the nine numeric fields fx, fy, cx, cy, k1,
// k2, p1, p2, k3. Keys are case sensitive. It returns false for blank or
// malformed text, for a missing or null field, for a field that is not a JSON
// number, and for a key that differs from a field name only in case. It never
// panics.
func Parse(text string) (Intrinsics, bool) {
	if strings.TrimSpace(text) == "" {
		return Intrinsics{}, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return Intrinsics{}, false
	}
	for key := range obj {
		if lower := strings.ToLower(key); lower != key && isFieldName(lower) {
			return Intrinsics{}, false
		}
	}
	var vals [len(fieldNames)]float64
	for i, name := range fieldNames {
		raw, ok := obj[name]
		if !ok {
			return Intrinsics{}, false
		}
		var f *float64
		if err := json.Unmarshal(raw, &f); err != nil || f == nil {
			return Intrinsics{}, false
		}
		vals[i] = *f
	}
	return Intrinsics{
		Fx: vals[0], Fy: vals[1], Cx: vals[2], Cy: vals[3],
		K1: vals[4], K2: vals[5], P1: vals[6], P2: vals[7], K3: vals[8],
	}, true
}
