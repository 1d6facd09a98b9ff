package favicon

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"

	_ "image/gif"  // Register the gif decoder for image.Decode.
	_ "image/jpeg" // Register the jpeg decoder for image.Decode.

	"golang.org/x/image/draw"
)

// maxIconDimension bounds cached favicons; anything larger is downscaled
// before it is cached or served.
const maxIconDimension = 256

var errEmptyImage = errors.New("favicon: empty image payload")

// Image is a decoded favicon ready to serve: the encoded bytes, their
// content type, and the pixel size.
type Image struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// decodeImage validates that data is a renderable icon. Oversized icons are
// downscaled and re-encoded as PNG; everything else keeps its original
// bytes and sniffed content type.
func decodeImage(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errEmptyImage
	}

	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		icoImage, icoErr := decodeICO(data)
		if icoErr != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		decoded = icoImage
	}

	bounds := decoded.Bounds()

	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, errEmptyImage
	}

	if width > maxIconDimension || height > maxIconDimension {
		return downscale(decoded, width, height)
	}

	return &Image{
		Data:        data,
		ContentType: http.DetectContentType(data),
		Width:       width,
		Height:      height,
	}, nil
}

func downscale(src image.Image, width, height int) (*Image, error) {
	longest := width
	if height > longest {
		longest = height
	}

	scale := float64(maxIconDimension) / float64(longest)

	scaledWidth := int(float64(width) * scale)
	if scaledWidth < 1 {
		scaledWidth = 1
	}

	scaledHeight := int(float64(height) * scale)
	if scaledHeight < 1 {
		scaledHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, scaledWidth, scaledHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer

	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode downscaled icon: %w", err)
	}

	return &Image{
		Data:        buf.Bytes(),
		ContentType: "image/png",
		Width:       scaledWidth,
		Height:      scaledHeight,
	}, nil
}
