package model

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Brownie44l1/neuroscan-api/internal/metrics"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrBackendUnavailable = errors.New("inference backend unavailable")
)

// Predictor is anything that maps an input tensor to an output tensor.
type Predictor interface {
	Predict(input Tensor) (Tensor, error)
}

// Slot holds one model. A nil predictor means the model failed to load.
type Slot struct {
	name      string
	path      string
	predictor Predictor
	loadErr   error
}

func Loaded(name, path string, p Predictor) Slot {
	return Slot{name: name, path: path, predictor: p}
}

func Unloaded(name, path string, err error) Slot {
	return Slot{name: name, path: path, loadErr: err}
}

func (s Slot) Ready() bool { return s.predictor != nil }

func (s Slot) Path() string { return s.path }

func (s Slot) Predict(input Tensor) (Tensor, error) {
	if s.predictor == nil {
		if errors.Is(s.loadErr, ErrBackendUnavailable) {
			return Tensor{}, fmt.Errorf("%s: %w: %w", s.name, ErrModelUnavailable, ErrBackendUnavailable)
		}
		return Tensor{}, fmt.Errorf("%s: %w", s.name, ErrModelUnavailable)
	}
	return s.predictor.Predict(input)
}

type Config struct {
	Dir                string
	SegmentationFile   string
	ClassificationFile string
	// LibraryPath points at the onnxruntime shared library; empty uses the platform default.
	LibraryPath string
}

// Registry is the process-wide model state. It is built once at startup and only read afterwards.
type Registry struct {
	segmentation   Slot
	classification Slot
	backendErr     error
	closers        []func()
}

// NewRegistry builds a registry from already constructed slots.
func NewRegistry(segmentation, classification Slot) *Registry {
	return &Registry{segmentation: segmentation, classification: classification}
}

// Load initialises ONNX Runtime and loads both models independently.
// It never fails: problems are logged and leave the affected slot unloaded.
func Load(cfg Config, logger *zap.Logger) *Registry {
	segPath := filepath.Join(cfg.Dir, cfg.SegmentationFile)
	clsPath := filepath.Join(cfg.Dir, cfg.ClassificationFile)

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		backendErr := fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		logger.Error("failed to initialize ONNX environment", zap.Error(err))
		return &Registry{
			segmentation:   Unloaded("segmentation", segPath, backendErr),
			classification: Unloaded("classification", clsPath, backendErr),
			backendErr:     backendErr,
		}
	}

	r := &Registry{closers: []func(){func() { ort.DestroyEnvironment() }}}
	r.segmentation = r.loadSlot("segmentation", segPath, logger)
	r.classification = r.loadSlot("classification", clsPath, logger)
	return r
}

func (r *Registry) loadSlot(name, modelPath string, logger *zap.Logger) Slot {
	log := logger.With(zap.String("model", name), zap.String("path", modelPath))
	log.Info("loading model")

	session, err := openSession(modelPath)
	if err != nil {
		log.Error("failed to load model", zap.Error(err))
		return Unloaded(name, modelPath, err)
	}

	r.closers = append(r.closers, session.Close)
	log.Info("model loaded",
		zap.Int64s("input_shape", session.Metadata.InputShape),
		zap.Int64s("output_shape", session.Metadata.OutputShape))
	return Loaded(name, modelPath, session)
}

// openSession reads {model}.json next to the model file, resolves its custom objects and opens the session.
func openSession(modelPath string) (*Session, error) {
	metadataPath := metadataPathFor(modelPath)
	metadata, err := readMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if _, err := metrics.Resolve(metadata.CustomObjects); err != nil {
		return nil, fmt.Errorf("metadata %s: %w", metadataPath, err)
	}
	if len(metadata.Classes) > 0 && !sameLabels(metadata.Classes, Labels) {
		return nil, fmt.Errorf("metadata %s: classes %v do not match %v", metadataPath, metadata.Classes, Labels)
	}
	return NewSession(modelPath, metadata)
}

func sameLabels(a, b []string) bool {
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

func metadataPathFor(modelPath string) string {
	ext := filepath.Ext(modelPath)
	return modelPath[:len(modelPath)-len(ext)] + ".json"
}

func (r *Registry) SegmentationReady() bool { return r.segmentation.Ready() }

func (r *Registry) ClassificationReady() bool { return r.classification.Ready() }

// BackendErr is non-nil when ONNX Runtime itself could not be initialised.
func (r *Registry) BackendErr() error { return r.backendErr }

func (r *Registry) SegmentationPath() string { return r.segmentation.Path() }

func (r *Registry) ClassificationPath() string { return r.classification.Path() }

func (r *Registry) PredictSegmentation(input Tensor) (Tensor, error) {
	return r.segmentation.Predict(input)
}

func (r *Registry) PredictClassification(input Tensor) (Tensor, error) {
	return r.classification.Predict(input)
}

// Close releases sessions in reverse load order, environment last.
func (r *Registry) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
