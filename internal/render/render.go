// Package render draws participant names onto certificate templates.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/foxzi/certmailer/internal/models"
)

// DefaultTitle is the PDF document title
const DefaultTitle = "Certificate of Participation"

// Certificate is a rendered certificate
type Certificate struct {
	FileName string
	PNG      []byte
	PDF      []byte
}

// Renderer draws names onto templates
type Renderer struct {
	fonts *Fonts
	title string
	now   func() time.Time
}

// Fonts returns the font registry the renderer draws with
func (r *Renderer) Fonts() *Fonts {
	return r.fonts
}

// NewRenderer creates a renderer using fonts
func NewRenderer(fonts *Fonts) *Renderer {
	return &Renderer{
		fonts: fonts,
		title: DefaultTitle,
		now:   time.Now,
	}
}

// DecodeTemplate decodes a PNG or JPEG template
func DecodeTemplate(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", wrap("decode", fmt.Errorf("unsupported template image: %w", err))
	}
	return img, format, nil
}

// Draw returns a copy of tmpl with name drawn on it.
// The name is centred horizontally and style.YPosition is the vertical
// centre of the text.
func (r *Renderer) Draw(ctx context.Context, tmpl image.Image, name string, style models.TextSettings) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("draw", err)
	}

	col, err := ParseColor(style.TextColor)
	if err != nil {
		return nil, wrap("draw", err)
	}
	face, err := r.fonts.Face(style.FontName, float64(style.FontSize))
	if err != nil {
		return nil, wrap("font", err)
	}
	defer face.Close()

	b := tmpl.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), tmpl, b.Min, draw.Src)

	drawCentered(dst, face, name, style.YPosition, col)
	return dst, nil
}

func drawCentered(dst *image.RGBA, face font.Face, text string, y int, col color.Color) {
	bounds, _ := font.BoundString(face, text)
	width := bounds.Max.X - bounds.Min.X
	height := bounds.Max.Y - bounds.Min.Y

	x := (fixed.I(dst.Bounds().Dx())-width)/2 - bounds.Min.X
	baseline := fixed.I(y) - height/2 - bounds.Min.Y

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{X: x, Y: baseline},
	}
	d.DrawString(text)
}

// PNG renders the certificate as PNG
func (r *Renderer) PNG(ctx context.Context, tmpl image.Image, name string, style models.TextSettings) ([]byte, error) {
	img, err := r.Draw(ctx, tmpl, name, style)
	if err != nil {
		return nil, err
	}
	return encodePNG(ctx, img)
}

// Certificate renders the PNG and wraps it into a single page PDF
func (r *Renderer) Certificate(ctx context.Context, tmpl image.Image, name string, style models.TextSettings) (*Certificate, error) {
	pngData, err := r.PNG(ctx, tmpl, name, style)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("pdf", err)
	}

	b := tmpl.Bounds()
	pdfData, err := wrapPDF(pngData, b.Dx(), b.Dy(), r.title, r.now())
	if err != nil {
		return nil, wrap("pdf", err)
	}

	return &Certificate{
		FileName: AttachmentName(name),
		PNG:      pngData,
		PDF:      pdfData,
	}, nil
}

// Preview renders a PNG scaled down to at most maxWidth pixels wide
func (r *Renderer) Preview(ctx context.Context, tmpl image.Image, name string, style models.TextSettings, maxWidth int) ([]byte, error) {
	img, err := r.Draw(ctx, tmpl, name, style)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return encodePNG(ctx, img)
	}

	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	scaled := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)
	return encodePNG(ctx, scaled)
}

func encodePNG(ctx context.Context, img image.Image) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("encode", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, wrap("encode", err)
	}
	return buf.Bytes(), nil
}
