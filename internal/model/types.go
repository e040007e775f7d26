package model

// Metadata sits next to each .onnx file and describes how to bind its tensors.
type Metadata struct {
	InputName     string   `json:"input_name"`
	OutputName    string   `json:"output_name"`
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	Classes       []string `json:"classes,omitempty"`
	CustomObjects []string `json:"custom_objects,omitempty"`
}

// Tensor is a dense row-major (NHWC) float32 array.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape ...int64) Tensor {
	return Tensor{Shape: shape, Data: make([]float32, ShapeSize(shape))}
}

func ShapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	return int(size)
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Labels is the classifier's output order. Index i of the probability vector maps to Labels[i].
var Labels = []string{"Glioma", "Meningioma", "Pituitary", "No Tumour"}

const NoTumour = "No Tumour"

type ClassificationResult struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
}

// HasTumor reports whether the label names a tumour type.
func (c ClassificationResult) HasTumor() bool {
	return c.Class != NoTumour
}
