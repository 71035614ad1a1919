package placement

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

const tolerance = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestFitLetterbox(t *testing.T) {
	// wide canvas: height limits the scale
	v, err := Fit(Size{Width: 2000, Height: 1000}, Size{Width: 1000, Height: 400})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if !approx(v.Scale, 0.4) {
		t.Errorf("expected scale 0.4, got %v", v.Scale)
	}
	if !approx(v.OffsetX, 100) || !approx(v.OffsetY, 0) {
		t.Errorf("expected offset (100, 0), got (%v, %v)", v.OffsetX, v.OffsetY)
	}

	p := v.Forward(500)
	if !approx(p.X, 500) || !approx(p.Y, 200) {
		t.Errorf("expected (500, 200), got %+v", p)
	}
}

func TestFitInvalid(t *testing.T) {
	cases := []struct{ tmpl, canvas Size }{
		{Size{0, 100}, Size{100, 100}},
		{Size{100, 100}, Size{100, -1}},
	}
	for _, c := range cases {
		if _, err := Fit(c.tmpl, c.canvas); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("expected ErrInvalidSize for %+v, got %v", c, err)
		}
	}
}

func TestInverseClamps(t *testing.T) {
	v, err := Fit(Size{Width: 800, Height: 600}, Size{Width: 400, Height: 400})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	// scale 0.5, offsetY 50
	if got := v.Inverse(10); got != 0 {
		t.Errorf("expected clamp to 0, got %v", got)
	}
	if got := v.Inverse(399); got != 600 {
		t.Errorf("expected clamp to 600, got %v", got)
	}
	if got := v.InversePixel(200.2); got != 300 {
		t.Errorf("expected 300, got %d", got)
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		tmpl := Size{Width: 100 + rng.Float64()*4000, Height: 100 + rng.Float64()*4000}
		canvas := Size{Width: 50 + rng.Float64()*2000, Height: 50 + rng.Float64()*2000}
		v, err := Fit(tmpl, canvas)
		if err != nil {
			t.Fatalf("Fit failed: %v", err)
		}

		y := rng.Float64() * tmpl.Height
		got := v.Inverse(v.Forward(y).Y)
		if math.Abs(got-y) > tolerance*math.Max(1, tmpl.Height) {
			t.Fatalf("round trip mismatch: y=%v got=%v (tmpl=%+v canvas=%+v)", y, got, tmpl, canvas)
		}
	}
}

func TestRoundTripBounds(t *testing.T) {
	v, err := Fit(Size{Width: 1754, Height: 1240}, Size{Width: 900, Height: 700})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	for _, y := range []float64{0, v.Template.Height} {
		if got := v.Inverse(v.Forward(y).Y); math.Abs(got-y) > tolerance {
			t.Errorf("round trip at %v gave %v", y, got)
		}
	}
}
