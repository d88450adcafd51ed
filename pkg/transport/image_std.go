//go:build !gocv

package transport

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"
)

// decodeImage converts a decoded image into packed BGR rows.
func decodeImage(data []byte) (*Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, ErrEmptyImage
	}

	if g, ok := img.(*image.Gray); ok {
		out := make([]byte, 0, b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := g.Pix[(y-b.Min.Y)*g.Stride:]
			out = append(out, row[:b.Dx()]...)
		}
		return &Frame{Data: out, Shape: Shape{Height: b.Dy(), Width: b.Dx(), Channels: 1}}, nil
	}

	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, byte(bl>>8), byte(g>>8), byte(r>>8))
		}
	}
	return &Frame{Data: out, Shape: Shape{Height: b.Dy(), Width: b.Dx(), Channels: 3}}, nil
}

func encodeJPEG(f *Frame, quality int) ([]byte, error) {
	var img image.Image
	switch f.Channels {
	case 1:
		g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(g.Pix, f.Data)
		img = g
	case 3:
		rgba := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
			rgba.Pix[j] = f.Data[i+2]
			rgba.Pix[j+1] = f.Data[i+1]
			rgba.Pix[j+2] = f.Data[i]
			rgba.Pix[j+3] = 0xFF
		}
		img = rgba
	default:
		return nil, errUnsupportedChannels(f.Channels)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
