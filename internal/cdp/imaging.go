package cdp

import (
	"bytes"
	"image"
	"image/png"
)

// downscalePNG nearest-neighbor scales a PNG down so its longest edge is at
// most maxEdge pixels. It returns the input unchanged if already small
// enough. No third-party imaging library appears anywhere in the reference
// corpus, so this stays on the standard library per DESIGN.md.
func downscalePNG(data []byte, maxEdge int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longEdge := w
	if h > longEdge {
		longEdge = h
	}
	if longEdge <= maxEdge {
		return data, nil
	}

	scale := float64(maxEdge) / float64(longEdge)
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		sy := b.Min.Y + y*h/dh
		for x := 0; x < dw; x++ {
			sx := b.Min.X + x*w/dw
			dst.Set(x, y, src.At(sx, sy))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
