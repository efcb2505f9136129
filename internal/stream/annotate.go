package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Box colors
var (
	BoxColor       = color.RGBA{0, 200, 255, 255}
	CollisionColor = color.RGBA{255, 40, 40, 255}
)

// Box is a detection box to draw on a frame
type Box struct {
	Label      string
	Score      float64
	X, Y, W, H int
	Colliding  bool
}

// Annotate draws the boxes and their labels onto a copy of img and returns it
// encoded as JPEG. Boxes that take part in a collision are drawn in red.
func Annotate(img image.Image, boxes []Box) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("annotate: nil frame")
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, b := range boxes {
		c := BoxColor
		if b.Colliding {
			c = CollisionColor
		}
		drawBox(rgba, b.X, b.Y, b.W, b.H, c, 2)
		label := b.Label
		if b.Score > 0 {
			label = fmt.Sprintf("%s %.0f%%", b.Label, b.Score*100)
		}
		drawLabel(rgba, b.X, b.Y-14, label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	b := img.Bounds()
	set := func(px, py int) {
		if px >= b.Min.X && px < b.Max.X && py >= b.Min.Y && py < b.Max.Y {
			img.Set(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	width := len(label) * 7
	b := img.Bounds()
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < width+2; dx++ {
			px, py := x+dx, y+dy
			if px >= b.Min.X && px < b.Max.X && py >= b.Min.Y && py < b.Max.Y {
				img.Set(px, py, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
