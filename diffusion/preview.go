package diffusion

import (
	"fmt"
	"image"
	"image/color"

	"github.com/tessera-ml/tessera/ml"
)

// PreviewDecoder renders latents [batch, channels, height, width] straight
// to RGB by min-max normalizing the first three channels. It stands in for
// a VAE when none is attached: fast, rough, good enough for visual
// monitoring and tests.
type PreviewDecoder struct{}

func (PreviewDecoder) Release() {}

func (PreviewDecoder) Decode(ctx ml.Context, latents ml.Tensor) (image.Image, error) {
	shape := latents.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("diffusion: preview decoder wants [1, channels, height, width], got %v", shape)
	}

	channels, height, width := shape[1], shape[2], shape[3]
	vals := latents.Floats()

	plane := height * width
	lo, hi := vals[0], vals[0]
	for _, v := range vals {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := hi - lo
	if scale == 0 {
		scale = 1
	}

	channel := func(c, i int) uint8 {
		if c >= channels {
			c = channels - 1
		}
		return uint8(255 * (vals[c*plane+i] - lo) / scale)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			img.SetRGBA(x, y, color.RGBA{channel(0, i), channel(1, i), channel(2, i), 255})
		}
	}
	return img, nil
}
