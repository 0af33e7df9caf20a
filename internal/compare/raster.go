package compare

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// Raster is a decoded image as a flat pixel buffer: row-major, channel
// interleaved, 8 bits per channel. Channels is 3 (RGB) or 4 (RGBA).
type Raster struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewRaster allocates a zeroed raster of the given shape.
func NewRaster(width, height, channels int) *Raster {
	return &Raster{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

// SetPixel writes one pixel. Extra channel values beyond the raster's
// channel count are ignored; missing ones are left untouched.
func (r *Raster) SetPixel(x, y int, channels ...uint8) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	off := (y*r.Width + x) * r.Channels
	for i := 0; i < r.Channels && i < len(channels); i++ {
		r.Pix[off+i] = channels[i]
	}
}

// Fill sets every pixel to the same channel values.
func (r *Raster) Fill(channels ...uint8) {
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			r.SetPixel(x, y, channels...)
		}
	}
}

// DecodePNG decodes PNG bytes into a 4-channel raster. Non-RGBA source
// images are converted, so comparison code only ever sees one layout.
func DecodePNG(data []byte) (*Raster, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG: %w", err)
	}

	bounds := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)

	return &Raster{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Channels: 4,
		Pix:      nrgba.Pix,
	}, nil
}

// EncodePNG serializes the raster back to PNG bytes.
func EncodePNG(r *Raster) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.toNRGBA()); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// toNRGBA expands the raster into the stdlib image type, padding 3-channel
// buffers with opaque alpha.
func (r *Raster) toNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	if r.Channels == 4 {
		copy(img.Pix, r.Pix)
		return img
	}
	for i := 0; i < r.Width*r.Height; i++ {
		src := i * r.Channels
		dst := i * 4
		img.Pix[dst] = r.Pix[src]
		img.Pix[dst+1] = r.Pix[src+1]
		img.Pix[dst+2] = r.Pix[src+2]
		img.Pix[dst+3] = 0xFF
	}
	return img
}
