package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Session wraps one ONNX model with preallocated input and output tensors.
// Run calls are serialised because they share those buffers.
type Session struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func readMetadata(metadataPath string) (Metadata, error) {
	var metadata Metadata

	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	if len(metadata.InputShape) == 0 || len(metadata.OutputShape) == 0 {
		return metadata, fmt.Errorf("metadata %s: input_shape and output_shape are required", metadataPath)
	}
	return metadata, nil
}

// NewSession opens modelPath with the tensor layout described by metadata.
// The ONNX environment must already be initialised.
func NewSession(modelPath string, metadata Metadata) (*Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *Session) Predict(input Tensor) (Tensor, error) {
	if !sameShape(input.Shape, s.Metadata.InputShape) {
		return Tensor{}, fmt.Errorf("input shape %v does not match model input %v", input.Shape, s.Metadata.InputShape)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), input.Data)

	if err := s.session.Run(); err != nil {
		return Tensor{}, fmt.Errorf("inference failed: %w", err)
	}

	out := NewTensor(s.Metadata.OutputShape...)
	copy(out.Data, s.outputTensor.GetData())
	return out, nil
}

func (s *Session) Close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}
