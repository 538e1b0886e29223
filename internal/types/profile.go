// Package types holds value types shared across phaseloop packages.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Dimension indexes one axis of a DimensionalProfile.
type Dimension int

const (
	DimUrgency        Dimension = iota // Time pressure, deadlines, blockers
	DimFunctional                      // New behavior to build
	DimErrorProneness                  // Failures, bugs, flaky areas
	DimIntegration                     // Cross-component wiring
	DimContext                         // Need to read and understand existing code
	DimComplexity                      // Structural difficulty, refactoring pressure
	DimData                            // Schemas, persistence, data shape
	NumDimensions
)

var dimensionNames = [NumDimensions]string{
	"urgency",
	"functional",
	"error_proneness",
	"integration",
	"context",
	"complexity",
	"data",
}

// String returns the axis name used in JSON and logs.
func (d Dimension) String() string {
	if d < 0 || d >= NumDimensions {
		return fmt.Sprintf("dimension(%d)", int(d))
	}
	return dimensionNames[d]
}

// ParseDimension maps an axis name back to its index.
func ParseDimension(name string) (Dimension, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range dimensionNames {
		if n == name {
			return Dimension(i), true
		}
	}
	return 0, false
}

// NeutralValue is the value of an axis with no information.
const NeutralValue = 0.5

// DimensionalProfile is a fixed-length vector in [0,1]^k describing the
// character of an objective or the learned affinity of a phase.
type DimensionalProfile [NumDimensions]float64

// NeutralProfile returns a profile with every axis at NeutralValue.
func NeutralProfile() DimensionalProfile {
	var p DimensionalProfile
	for i := range p {
		p[i] = NeutralValue
	}
	return p
}

// NewProfile builds a profile from named axes; unspecified axes are neutral.
func NewProfile(values map[Dimension]float64) DimensionalProfile {
	p := NeutralProfile()
	for d, v := range values {
		if d >= 0 && d < NumDimensions {
			p[d] = v
		}
	}
	return p.Clamp()
}

// Clamp returns a copy with every component forced into [0,1]. NaN becomes neutral.
func (p DimensionalProfile) Clamp() DimensionalProfile {
	for i, v := range p {
		switch {
		case math.IsNaN(v):
			p[i] = NeutralValue
		case v < 0:
			p[i] = 0
		case v > 1:
			p[i] = 1
		}
	}
	return p
}

// Get returns the value of one axis.
func (p DimensionalProfile) Get(d Dimension) float64 {
	return p[d]
}

// Nudge moves one axis by delta and clamps the result.
func (p DimensionalProfile) Nudge(d Dimension, delta float64) DimensionalProfile {
	p[d] += delta
	return p.Clamp()
}

// Dominant returns the axes strictly above threshold, in axis order.
func (p DimensionalProfile) Dominant(threshold float64) []Dimension {
	var dims []Dimension
	for i, v := range p {
		if v > threshold {
			dims = append(dims, Dimension(i))
		}
	}
	return dims
}

// Similarity returns the cosine similarity of two profiles. Because all
// components are non-negative the result lies in [0,1]. A zero vector has
// similarity 0 with everything.
func (p DimensionalProfile) Similarity(other DimensionalProfile) float64 {
	var dot, na, nb float64
	for i := range p {
		dot += p[i] * other[i]
		na += p[i] * p[i]
		nb += other[i] * other[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	}
	return sim
}

// MarshalJSON encodes the profile as an object keyed by axis name.
func (p DimensionalProfile) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, NumDimensions)
	for i, v := range p {
		m[dimensionNames[i]] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes an object keyed by axis name. Missing axes are
// neutral and unknown axes are ignored, so profiles written by older or newer
// builds still load.
func (p *DimensionalProfile) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("invalid dimensional profile: %w", err)
	}
	out := NeutralProfile()
	for name, v := range m {
		if d, ok := ParseDimension(name); ok {
			out[d] = v
		}
	}
	*p = out.Clamp()
	return nil
}

// String renders the profile compactly for logs.
func (p DimensionalProfile) String() string {
	parts := make([]string, 0, NumDimensions)
	for i, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%.2f", dimensionNames[i], v))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
