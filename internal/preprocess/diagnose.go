package preprocess

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/Brownie44l1/neuroscan-api/internal/model"
)

// Diagnostics reports what Prepare produced, with previews rendered back from the tensors.
type Diagnostics struct {
	OriginalSize          [2]int  `json:"original_size"`
	OriginalMode          string  `json:"original_mode"`
	SegmentationShape     []int64 `json:"segmentation_shape"`
	ClassificationShape   []int64 `json:"classification_shape"`
	SegmentationPreview   string  `json:"segmentation_preview"`
	ClassificationPreview string  `json:"classification_preview"`
}

func Diagnose(u *UploadedImage) (*Diagnostics, error) {
	seg, cls := Prepare(u)

	segPreview, err := encodePNGBase64(grayFromTensor(seg))
	if err != nil {
		return nil, fmt.Errorf("segmentation preview: %w", err)
	}
	clsPreview, err := encodePNGBase64(rgbFromTensor(cls))
	if err != nil {
		return nil, fmt.Errorf("classification preview: %w", err)
	}

	return &Diagnostics{
		OriginalSize:          [2]int{u.Width(), u.Height()},
		OriginalMode:          u.Mode(),
		SegmentationShape:     seg.Shape,
		ClassificationShape:   cls.Shape,
		SegmentationPreview:   segPreview,
		ClassificationPreview: clsPreview,
	}, nil
}

func toByte(v float32) uint8 {
	return uint8(v*255 + 0.5)
}

func grayFromTensor(t model.Tensor) *image.Gray {
	h, w := int(t.Shape[1]), int(t.Shape[2])
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range t.Data {
		img.Pix[i] = toByte(v)
	}
	return img
}

func rgbFromTensor(t model.Tensor) *image.RGBA {
	h, w := int(t.Shape[1]), int(t.Shape[2])
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := (y*w + x) * 3
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(t.Data[idx]),
				G: toByte(t.Data[idx+1]),
				B: toByte(t.Data[idx+2]),
				A: 0xff,
			})
		}
	}
	return img
}

func encodePNGBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
