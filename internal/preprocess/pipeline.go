package preprocess

import (
	"image"
	"image/color"

	"github.com/Brownie44l1/neuroscan-api/internal/model"
	"github.com/nfnt/resize"
)

const (
	SegmentationSize   = 128
	ClassificationSize = 200
)

// Interpolation is fixed so both branches see the same resampling as the training data.
const Interpolation = resize.Bicubic

var (
	SegmentationShape   = []int64{1, SegmentationSize, SegmentationSize, 1}
	ClassificationShape = []int64{1, ClassificationSize, ClassificationSize, 3}
)

// Prepare builds the segmentation tensor (1,128,128,1) and the classification
// tensor (1,200,200,3) from the same upload. Both are scaled to [0,1].
func Prepare(u *UploadedImage) (seg model.Tensor, cls model.Tensor) {
	base := Normalize(u.Image)
	return segmentationTensor(base), classificationTensor(base)
}

func segmentationTensor(base image.Image) model.Tensor {
	resized := resize.Resize(SegmentationSize, SegmentationSize, base, Interpolation)
	t := model.NewTensor(SegmentationShape...)

	b := resized.Bounds()
	for y := 0; y < SegmentationSize; y++ {
		for x := 0; x < SegmentationSize; x++ {
			t.Data[y*SegmentationSize+x] = float32(luminance(resized.At(b.Min.X+x, b.Min.Y+y))) / 255.0
		}
	}
	return t
}

func classificationTensor(base image.Image) model.Tensor {
	resized := resize.Resize(ClassificationSize, ClassificationSize, base, Interpolation)
	t := model.NewTensor(ClassificationShape...)

	b := resized.Bounds()
	for y := 0; y < ClassificationSize; y++ {
		for x := 0; x < ClassificationSize; x++ {
			r, g, bl := rgb8(resized.At(b.Min.X+x, b.Min.Y+y))
			idx := (y*ClassificationSize + x) * 3
			t.Data[idx] = float32(r) / 255.0
			t.Data[idx+1] = float32(g) / 255.0
			t.Data[idx+2] = float32(bl) / 255.0
		}
	}
	return t
}

func luminance(c color.Color) uint8 {
	return color.GrayModel.Convert(c).(color.Gray).Y
}

// rgb8 expands gray to three equal channels; colour values are already opaque after Normalize.
func rgb8(c color.Color) (r, g, b uint8) {
	if gray, ok := c.(color.Gray); ok {
		return gray.Y, gray.Y, gray.Y
	}
	r16, g16, b16, _ := c.RGBA()
	return uint8(r16 >> 8), uint8(g16 >> 8), uint8(b16 >> 8)
}
