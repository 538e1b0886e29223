package types

import (
	"encoding/json"
	"math"
	"testing"
)

func TestClampBoundsEveryComponent(t *testing.T) {
	p := DimensionalProfile{-0.5, 1.7, 0.3, math.NaN(), 1, 0, 2}
	c := p.Clamp()
	for i, v := range c {
		if v < 0 || v > 1 {
			t.Fatalf("component %d = %v out of [0,1]", i, v)
		}
	}
	if c[DimIntegration] != NeutralValue {
		t.Errorf("NaN should become neutral, got %v", c[DimIntegration])
	}
}

func TestNudgeClamps(t *testing.T) {
	p := NeutralProfile()
	for i := 0; i < 100; i++ {
		p = p.Nudge(DimUrgency, 0.03)
		p = p.Nudge(DimData, -0.03)
	}
	if p[DimUrgency] != 1 || p[DimData] != 0 {
		t.Errorf("expected saturation at bounds, got %v", p)
	}
}

func TestDominant(t *testing.T) {
	p := NewProfile(map[Dimension]float64{DimUrgency: 0.9, DimErrorProneness: 0.61, DimContext: 0.6})
	got := p.Dominant(0.6)
	if len(got) != 2 || got[0] != DimUrgency || got[1] != DimErrorProneness {
		t.Errorf("Dominant(0.6) = %v", got)
	}
}

func TestSimilarity(t *testing.T) {
	a := NewProfile(map[Dimension]float64{DimFunctional: 1})
	if s := a.Similarity(a); math.Abs(s-1) > 1e-9 {
		t.Errorf("self similarity = %v, want 1", s)
	}

	var zero DimensionalProfile
	if s := zero.Similarity(a); s != 0 {
		t.Errorf("zero vector similarity = %v, want 0", s)
	}

	x := DimensionalProfile{1, 0, 0, 0, 0, 0, 0}
	y := DimensionalProfile{0, 1, 0, 0, 0, 0, 0}
	if s := x.Similarity(y); s != 0 {
		t.Errorf("orthogonal similarity = %v, want 0", s)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	p := NewProfile(map[Dimension]float64{DimUrgency: 0.8, DimData: 0.1})
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	var back DimensionalProfile
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if back != p {
		t.Errorf("round trip mismatch: %v != %v", back, p)
	}
}

func TestUnmarshalToleratesUnknownAndMissingAxes(t *testing.T) {
	var p DimensionalProfile
	if err := json.Unmarshal([]byte(`{"urgency": 0.9, "quantum_flux": 0.1, "data": 3}`), &p); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if p[DimUrgency] != 0.9 {
		t.Errorf("urgency = %v", p[DimUrgency])
	}
	if p[DimFunctional] != NeutralValue {
		t.Errorf("missing axis should be neutral, got %v", p[DimFunctional])
	}
	if p[DimData] != 1 {
		t.Errorf("out-of-range value should clamp, got %v", p[DimData])
	}
}

func TestParseDimension(t *testing.T) {
	d, ok := ParseDimension(" Error_Proneness ")
	if !ok || d != DimErrorProneness {
		t.Errorf("ParseDimension = %v, %v", d, ok)
	}
	if _, ok := ParseDimension("nope"); ok {
		t.Error("expected unknown dimension to fail")
	}
}
