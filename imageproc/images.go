// Package imageproc holds the image manipulation used by validation:
// resizing, side-by-side comparison stitching and simple pixel statistics.
package imageproc

import (
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const labelBarHeight = 20

// Resize scales img to the given size.
func Resize(img image.Image, width, height int) image.Image {
	if b := img.Bounds(); b.Dx() == width && b.Dy() == height {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// Stitch places two images side by side under a labeled header bar, used for
// benchmark diffs and controlnet input/output comparisons. The right image
// is scaled to the left image's height.
func Stitch(left, right image.Image, leftLabel, rightLabel string) image.Image {
	lb := left.Bounds()
	rb := right.Bounds()

	rw := rb.Dx() * lb.Dy() / rb.Dy()
	right = Resize(right, rw, lb.Dy())

	out := image.NewRGBA(image.Rect(0, 0, lb.Dx()+rw, lb.Dy()+labelBarHeight))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(out, image.Rect(0, labelBarHeight, lb.Dx(), labelBarHeight+lb.Dy()), left, lb.Min, draw.Src)
	draw.Draw(out, image.Rect(lb.Dx(), labelBarHeight, lb.Dx()+rw, labelBarHeight+lb.Dy()), right, right.Bounds().Min, draw.Src)

	drawLabel(out, leftLabel, 4)
	drawLabel(out, rightLabel, lb.Dx()+4)
	return out
}

func drawLabel(dst *image.RGBA, label string, x int) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, labelBarHeight-6),
	}
	d.DrawString(label)
}

// Luminance returns the mean perceptual brightness in [0, 255].
func Luminance(img image.Image) float64 {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return 0
	}

	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += 0.2126*float64(r>>8) + 0.7152*float64(g>>8) + 0.0722*float64(bl>>8)
		}
	}
	return sum / float64(b.Dx()*b.Dy())
}

// SavePNG writes img to path, creating parent directories as needed.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return err
	}
	return f.Close()
}

// LoadImage reads a PNG or JPEG from disk.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}
