// internal/browser/observer/overlay.go
package observer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

const (
	borderWidth = 2
	labelPadX   = 3
	labelPadY   = 2
)

var overlayPalette = []color.RGBA{
	{R: 0xe6, G: 0x19, B: 0x4b, A: 0xff},
	{R: 0x3c, G: 0xb4, B: 0x4b, A: 0xff},
	{R: 0x43, G: 0x63, B: 0xd8, A: 0xff},
	{R: 0xf5, G: 0x82, B: 0x31, A: 0xff},
	{R: 0x91, G: 0x1e, B: 0xb4, A: 0xff},
	{R: 0x00, G: 0x80, B: 0x80, A: 0xff},
}

// DrawOverlay returns a PNG copy of screenshot with a box and index label drawn
// for every element. Element bounds are in CSS pixels, so they are scaled by
// the ratio between the image width and the viewport width.
func DrawOverlay(screenshot []byte, elements []schemas.InteractiveElement, vp schemas.Viewport) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	scale := 1.0
	if vp.Width > 0 {
		scale = float64(bounds.Dx()) / float64(vp.Width)
	}

	face := basicfont.Face7x13
	for _, el := range elements {
		c := overlayPalette[el.Index%len(overlayPalette)]
		box := image.Rect(
			bounds.Min.X+int(el.Bounds.X*scale),
			bounds.Min.Y+int(el.Bounds.Y*scale),
			bounds.Min.X+int((el.Bounds.X+el.Bounds.Width)*scale),
			bounds.Min.Y+int((el.Bounds.Y+el.Bounds.Height)*scale),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		strokeRect(canvas, box, c)

		label := strconv.Itoa(el.Index)
		labelW := font.MeasureString(face, label).Ceil() + 2*labelPadX
		labelH := face.Height + 2*labelPadY
		tag := image.Rect(box.Min.X, box.Min.Y, box.Min.X+labelW, box.Min.Y+labelH).Intersect(bounds)
		draw.Draw(canvas, tag, image.NewUniform(c), image.Point{}, draw.Src)

		d := font.Drawer{
			Dst:  canvas,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P(tag.Min.X+labelPadX, tag.Min.Y+labelPadY+face.Ascent),
		}
		d.DrawString(label)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color) {
	fill := image.NewUniform(c)
	w := borderWidth
	if r.Dx() < 2*w || r.Dy() < 2*w {
		draw.Draw(dst, r, fill, image.Point{}, draw.Src)
		return
	}
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, fill, image.Point{}, draw.Src)
	}
}
