package diffusion

import (
	"image"

	"github.com/tessera-ml/tessera/ml"
)

// Decoder turns denoised latents into images. The VAE is an external
// collaborator; pipelines only see this interface so validation can release
// it between cycles.
type Decoder interface {
	Decode(ctx ml.Context, latents ml.Tensor) (image.Image, error)

	// Release drops any device memory the decoder holds. The decoder may be
	// used again afterwards at the cost of re-uploading.
	Release()
}

// Encoder is the inverse collaborator, needed for image-conditioned
// generation.
type Encoder interface {
	Encode(ctx ml.Context, img image.Image) (ml.Tensor, error)
}
