// Package metrics holds the overlap metrics and losses the segmentation model
// was compiled with. They are looked up by name when model metadata declares
// custom objects; inference itself never calls them.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const smooth = 1e-6

// Func scores a prediction against ground truth of the same length.
type Func func(yTrue, yPred []float32) float64

var registry = map[string]Func{
	"dice_coefficient":    DiceCoefficient,
	"dice_loss":           DiceLoss,
	"bce_dice_loss":       BCEDiceLoss,
	"iou_metric":          IoU,
	"binary_crossentropy": BinaryCrossentropy,
}

// Lookup returns the registered function for name.
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Resolve checks every name against the registry and returns the first unknown one as an error.
func Resolve(names []string) (map[string]Func, error) {
	out := make(map[string]Func, len(names))
	for _, name := range names {
		fn, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown custom object %q (known: %s)", name, strings.Join(Names(), ", "))
		}
		out[name] = fn
	}
	return out, nil
}

// Names lists the registered names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func DiceCoefficient(yTrue, yPred []float32) float64 {
	t, p := widen(yTrue), widen(yPred)
	intersection := floats.Dot(t, p)
	return (2*intersection + smooth) / (floats.Sum(t) + floats.Sum(p) + smooth)
}

func DiceLoss(yTrue, yPred []float32) float64 {
	return 1 - DiceCoefficient(yTrue, yPred)
}

// BinaryCrossentropy is the mean element-wise BCE, with predictions clipped away from 0 and 1.
func BinaryCrossentropy(yTrue, yPred []float32) float64 {
	if len(yTrue) == 0 {
		return 0
	}
	const eps = 1e-7
	losses := make([]float64, len(yTrue))
	for i := range yTrue {
		t := float64(yTrue[i])
		p := math.Min(math.Max(float64(yPred[i]), eps), 1-eps)
		losses[i] = -(t*math.Log(p) + (1-t)*math.Log(1-p))
	}
	return stat.Mean(losses, nil)
}

func BCEDiceLoss(yTrue, yPred []float32) float64 {
	return BinaryCrossentropy(yTrue, yPred) + DiceLoss(yTrue, yPred)
}

func IoU(yTrue, yPred []float32) float64 {
	t, p := widen(yTrue), widen(yPred)
	intersection := floats.Norm(floats.MulTo(make([]float64, len(t)), t, p), 1)
	union := floats.Sum(t) + floats.Sum(p) - intersection
	return (intersection + smooth) / (union + smooth)
}
