package captcha

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
)

// Preprocess decodes the image, converts it to grayscale, stretches contrast
// and binarizes at the mid threshold. The result is PNG encoded.
// Images with transparency carry the glyphs in the alpha channel.
func Preprocess(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode captcha: %w", err)
	}
	b := src.Bounds()
	gray := image.NewGray(b)
	useAlpha := hasTransparency(src)

	lo, hi := uint8(255), uint8(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint8
			if useAlpha {
				_, _, _, a := src.At(x, y).RGBA()
				v = 255 - uint8(a>>8)
			} else {
				v = color.GrayModel.Convert(src.At(x, y)).(color.Gray).Y
			}
			gray.SetGray(x, y, color.Gray{Y: v})
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}

	out := image.NewGray(b)
	if hi > lo {
		span := int(hi) - int(lo)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := (int(gray.GrayAt(x, y).Y) - int(lo)) * 255 / span
				if v >= 128 {
					out.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
	} else {
		for i := range out.Pix {
			out.Pix[i] = 255
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode captcha: %w", err)
	}
	return buf.Bytes(), nil
}

func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}
