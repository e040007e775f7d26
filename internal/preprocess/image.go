package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrImageDecode = errors.New("cannot decode image")

// MaxPixels caps width*height before any pixel data is allocated.
const MaxPixels = 89478485

// UploadedImage is a decoded upload. Image is never modified after Decode.
type UploadedImage struct {
	Filename string
	Format   string
	Image    image.Image
}

func Decode(filename string, raw []byte) (*UploadedImage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrImageDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrImageDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageDecode, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}

	return &UploadedImage{
		Filename: filename,
		Format:   format,
		Image:    img,
	}, nil
}

func (u *UploadedImage) Width() int  { return u.Image.Bounds().Dx() }
func (u *UploadedImage) Height() int { return u.Image.Bounds().Dy() }

// Mode names the colour layout the way imaging tools usually report it.
func (u *UploadedImage) Mode() string {
	switch img := u.Image.(type) {
	case *image.Gray:
		return "L"
	case *image.Gray16:
		return "I;16"
	case *image.Paletted:
		return "P"
	case *image.CMYK:
		return "CMYK"
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		if isOpaque(img) {
			return "RGB"
		}
		return "RGBA"
	default:
		return "RGB"
	}
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

func isGray(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}
	return false
}

// Normalize returns a fresh image that is either 8-bit grayscale or opaque 8-bit RGB.
// Alpha is dropped, not composited.
func Normalize(img image.Image) image.Image {
	b := img.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())

	if isGray(img) {
		gray := image.NewGray(rect)
		draw.Draw(gray, rect, img, b.Min, draw.Src)
		return gray
	}

	rgb := image.NewRGBA(rect)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			rgb.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return rgb
}
