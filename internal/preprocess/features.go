// Package preprocess turns encoded images into the fixed-size feature vectors
// consumed by both the teacher and the student.
package preprocess

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultGrid is the side of the luminance grid produced by Extractor.
const DefaultGrid = 16

// ErrEmptyImage is returned for images with a zero-sized bounding box.
var ErrEmptyImage = errors.New("preprocess: empty image")

// Extractor downsamples images to a Grid x Grid luminance map in [0, 1].
type Extractor struct {
	Grid int
}

// Size is the length of every feature vector.
func (e Extractor) Size() int {
	g := e.grid()
	return g * g
}

func (e Extractor) grid() int {
	if e.Grid <= 0 {
		return DefaultGrid
	}
	return e.Grid
}

// Features decodes a JPEG, PNG or WebP payload and returns its features in
// row-major order.
func (e Extractor) Features(raw []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, ErrEmptyImage
	}
	g := e.grid()
	dst := image.NewGray(image.Rect(0, 0, g, g))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	features := make([]float64, g*g)
	for y := 0; y < g; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+g]
		for x, v := range row {
			features[y*g+x] = float64(v) / 255
		}
	}
	return features, nil
}
