// Package analysis runs both models on an upload and assembles the client response.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/Brownie44l1/neuroscan-api/internal/model"
	"github.com/Brownie44l1/neuroscan-api/internal/preprocess"
	"github.com/Brownie44l1/neuroscan-api/internal/store"
	"go.uber.org/zap"
)

type Models interface {
	PredictSegmentation(input model.Tensor) (model.Tensor, error)
	PredictClassification(input model.Tensor) (model.Tensor, error)
}

type Storage interface {
	UploadsDir() string
	MasksDir() string
	AppendScan(rec store.ScanRecord) (store.ScanRecord, error)
}

type Result struct {
	Classification   model.ClassificationResult `json:"classification"`
	SegmentationMask string                     `json:"segmentation_mask"`
	OriginalPath     string                     `json:"originalPath"`
	MaskPath         string                     `json:"maskPath"`
	ImageURL         string                     `json:"imageUrl"`
	ScanID           string                     `json:"scanId,omitempty"`
	Error            *string                    `json:"error"`
}

type Analyzer struct {
	models      Models
	storage     Storage
	recordScans bool
	logger      *zap.Logger
	now         func() time.Time
}

func NewAnalyzer(models Models, storage Storage, recordScans bool, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		models:      models,
		storage:     storage,
		recordScans: recordScans,
		logger:      logger,
		now:         time.Now,
	}
}

// Analyze runs the whole pipeline. Any failing step fails the request; nothing
// is written to disk unless both models succeeded.
func (a *Analyzer) Analyze(ctx context.Context, upload *preprocess.UploadedImage) (*Result, error) {
	start := a.now()

	segInput, clsInput := preprocess.Prepare(upload)

	segOutput, err := a.models.PredictSegmentation(segInput)
	if err != nil {
		return nil, fmt.Errorf("segmentation: %w", err)
	}
	mask, err := maskFromOutput(segOutput)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clsOutput, err := a.models.PredictClassification(clsInput)
	if err != nil {
		return nil, fmt.Errorf("classification: %w", err)
	}
	classification, err := SelectLabel(clsOutput.Data)
	if err != nil {
		return nil, err
	}

	original := preprocess.Normalize(upload.Image)
	maskB64, err := MaskBase64(mask)
	if err != nil {
		return nil, err
	}
	imageURL, err := ImageURL(original)
	if err != nil {
		return nil, err
	}

	originalPath, maskPath, err := saveScan(a.storage.UploadsDir(), a.storage.MasksDir(), start, original, mask)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Classification:   classification,
		SegmentationMask: maskB64,
		OriginalPath:     originalPath,
		MaskPath:         maskPath,
		ImageURL:         imageURL,
	}

	if a.recordScans {
		rec, err := a.storage.AppendScan(store.ScanRecord{
			OriginalPath:   originalPath,
			MaskPath:       maskPath,
			TumorType:      classification.Class,
			Confidence:     classification.Confidence,
			HasTumor:       classification.HasTumor(),
			ProcessingTime: a.now().Sub(start).Milliseconds(),
		})
		if err != nil {
			removeFiles(originalPath, maskPath)
			return nil, err
		}
		result.ScanID = rec.ID
	}

	a.logger.Info("scan analyzed",
		zap.String("file", upload.Filename),
		zap.String("class", classification.Class),
		zap.Float32("confidence", classification.Confidence),
		zap.String("original_path", originalPath),
		zap.Duration("elapsed", a.now().Sub(start)))

	return result, nil
}
