// Package placement maps the name anchor between template pixels and an
// on-screen canvas where the template is drawn scaled and letterboxed.
package placement

import (
	"errors"
	"math"
)

// ErrInvalidSize is returned for non-positive template or canvas dimensions
var ErrInvalidSize = errors.New("template and canvas dimensions must be positive")

// Size is a width/height pair in pixels
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a position in canvas space
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// View describes how a template is fitted into a canvas
type View struct {
	Template Size
	Scale    float64
	OffsetX  float64
	OffsetY  float64
}

// Fit scales the template to fit inside the canvas and centres it
func Fit(template, canvas Size) (View, error) {
	if template.Width <= 0 || template.Height <= 0 || canvas.Width <= 0 || canvas.Height <= 0 {
		return View{}, ErrInvalidSize
	}
	s := Scale(template, canvas)
	return View{
		Template: template,
		Scale:    s,
		OffsetX:  (canvas.Width - template.Width*s) / 2,
		OffsetY:  (canvas.Height - template.Height*s) / 2,
	}, nil
}

// Scale returns min(canvasWidth/templateWidth, canvasHeight/templateHeight)
func Scale(template, canvas Size) float64 {
	return math.Min(canvas.Width/template.Width, canvas.Height/template.Height)
}

// Forward maps a template y anchor to its canvas position.
// X is the horizontal centre of the displayed template.
func (v View) Forward(y float64) Point {
	return Point{
		X: v.OffsetX + v.Template.Width*v.Scale/2,
		Y: v.OffsetY + y*v.Scale,
	}
}

// Inverse maps a canvas pointer y back to template space, clamped to [0, H]
func (v View) Inverse(pointerY float64) float64 {
	y := (pointerY - v.OffsetY) / v.Scale
	switch {
	case y < 0:
		return 0
	case y > v.Template.Height:
		return v.Template.Height
	}
	return y
}

// InversePixel is Inverse rounded to the nearest whole template pixel
func (v View) InversePixel(pointerY float64) int {
	return int(math.Round(v.Inverse(pointerY)))
}
