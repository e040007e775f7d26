package analysis

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/Brownie44l1/neuroscan-api/internal/model"
)

const (
	MaskThreshold = 0.5
	jpegQuality   = 75

	imageURLPrefix = "data:image/jpeg;base64,"
)

// Threshold turns an (h*w) probability grid into a binary mask: values strictly
// above MaskThreshold become 255, everything else 0.
func Threshold(probs []float32, h, w int) (*image.Gray, error) {
	if len(probs) != h*w {
		return nil, fmt.Errorf("mask has %d values, expected %dx%d", len(probs), h, w)
	}
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, p := range probs {
		if p > MaskThreshold {
			mask.Pix[i] = 255
		}
	}
	return mask, nil
}

// maskFromOutput reads the spatial size from a (1,H,W,1) output tensor.
func maskFromOutput(out model.Tensor) (*image.Gray, error) {
	if len(out.Shape) != 4 || out.Shape[0] != 1 || out.Shape[3] != 1 {
		return nil, fmt.Errorf("unexpected segmentation output shape %v", out.Shape)
	}
	return Threshold(out.Data, int(out.Shape[1]), int(out.Shape[2]))
}

// SelectLabel picks the first index holding the maximum probability.
func SelectLabel(probs []float32) (model.ClassificationResult, error) {
	if len(probs) != len(model.Labels) {
		return model.ClassificationResult{}, fmt.Errorf("classifier returned %d probabilities, expected %d", len(probs), len(model.Labels))
	}

	maxIdx := 0
	maxVal := probs[0]
	for i, val := range probs {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	return model.ClassificationResult{
		Class:      model.Labels[maxIdx],
		Confidence: maxVal,
	}, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MaskBase64 is the transport form of a mask: PNG bytes, standard base64.
func MaskBase64(mask image.Image) (string, error) {
	data, err := encodePNG(mask)
	if err != nil {
		return "", fmt.Errorf("encode mask: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ImageURL renders img as a JPEG data URI the browser can display directly.
func ImageURL(img image.Image) (string, error) {
	data, err := encodeJPEG(img)
	if err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return imageURLPrefix + base64.StdEncoding.EncodeToString(data), nil
}
