package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/Brownie44l1/neuroscan-api/internal/analysis"
	"github.com/Brownie44l1/neuroscan-api/internal/chat"
	"github.com/Brownie44l1/neuroscan-api/internal/model"
	"github.com/Brownie44l1/neuroscan-api/internal/preprocess"
	"github.com/Brownie44l1/neuroscan-api/internal/store"
	"go.uber.org/zap"
)

type ModelStatus interface {
	SegmentationReady() bool
	ClassificationReady() bool
	BackendErr() error
	SegmentationPath() string
	ClassificationPath() string
}

type Analyzer interface {
	Analyze(ctx context.Context, upload *preprocess.UploadedImage) (*analysis.Result, error)
}

type ChatRelay interface {
	Configured() bool
	KeyPreview() string
	Ask(ctx context.Context, message string, scan *chat.ScanContext) (string, error)
	Probe(ctx context.Context) (string, error)
}

type Records interface {
	Root() string
	AppendScan(rec store.ScanRecord) (store.ScanRecord, error)
	ListScans() []store.ScanRecord
	AppendPatient(rec store.PatientRecord) (store.PatientRecord, error)
	ListPatients() []store.PatientRecord
}

type Handler struct {
	models    ModelStatus
	analyzer  Analyzer
	chat      ChatRelay
	records   Records
	logger    *zap.Logger
	maxUpload int64
}

func NewHandler(models ModelStatus, analyzer Analyzer, relay ChatRelay, records Records, maxUpload int64, logger *zap.Logger) *Handler {
	if maxUpload <= 0 {
		maxUpload = 16 << 20
	}
	return &Handler{
		models:    models,
		analyzer:  analyzer,
		chat:      relay,
		records:   records,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Status)
	mux.HandleFunc("POST /analyze", h.Analyze)
	mux.HandleFunc("POST /test-image", h.TestImage)
	mux.HandleFunc("POST /chat", h.Chat)
	mux.HandleFunc("GET /test-openai", h.TestOpenAI)
	mux.HandleFunc("GET /data/{path...}", h.ServeData)
	mux.HandleFunc("GET /scans", h.ListScans)
	mux.HandleFunc("POST /scans", h.CreateScan)
	mux.HandleFunc("GET /patients", h.ListPatients)
	mux.HandleFunc("POST /patients", h.CreatePatient)
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

var (
	errNoFile       = errors.New("No file uploaded")
	errNoFileName   = errors.New("No file selected")
	errBodyTooLarge = errors.New("File too large")
)

// readUpload pulls the multipart "file" field into memory.
func (h *Handler) readUpload(r *http.Request) (string, []byte, error) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", nil, errBodyTooLarge
		}
		return "", nil, errNoFile
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, errNoFile
	}
	defer file.Close()

	if header.Filename == "" {
		return "", nil, errNoFileName
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return header.Filename, raw, nil
}

func uploadStatus(err error) int {
	if errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                      "running",
		"segmentation_model_loaded":   h.models.SegmentationReady(),
		"classification_model_loaded": h.models.ClassificationReady(),
		"model_paths": map[string]string{
			"segmentation":   h.models.SegmentationPath(),
			"classification": h.models.ClassificationPath(),
		},
		"openai_available": h.chat.Configured(),
	})
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if err := h.models.BackendErr(); err != nil {
		h.logger.Error("analyze rejected: inference backend unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ML inference unavailable: the ONNX Runtime library failed to load")
		return
	}
	if !h.models.SegmentationReady() || !h.models.ClassificationReady() {
		writeError(w, http.StatusInternalServerError, "Models not loaded. Please ensure model files are present in the models directory.")
		return
	}

	filename, raw, err := h.readUpload(r)
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}

	h.logger.Info("analyze request", zap.String("file", filename), zap.Int("bytes", len(raw)))

	upload, err := preprocess.Decode(filename, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid image file", Details: err.Error()})
		return
	}

	result, err := h.analyzer.Analyze(r.Context(), upload)
	if err != nil {
		h.logger.Error("analyze failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("file", filename),
			zap.Error(err))

		switch {
		case errors.Is(err, model.ErrBackendUnavailable):
			writeError(w, http.StatusServiceUnavailable, "ML inference unavailable")
		case errors.Is(err, model.ErrModelUnavailable):
			writeError(w, http.StatusInternalServerError, "Models not loaded. Please ensure model files are present in the models directory.")
		default:
			writeError(w, http.StatusInternalServerError, "Error processing image: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) TestImage(w http.ResponseWriter, r *http.Request) {
	filename, raw, err := h.readUpload(r)
	if err != nil {
		writeError(w, uploadStatus(err), err.Error())
		return
	}

	upload, err := preprocess.Decode(filename, raw)
	if err != nil {
		h.logger.Warn("test image decode failed", zap.String("file", filename), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Failed to process image", Details: err.Error()})
		return
	}

	details, err := preprocess.Diagnose(upload)
	if err != nil {
		h.logger.Error("test image preprocessing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Image preprocessing successful",
		"details": details,
	})
}

type chatRequest struct {
	Message     string            `json:"message"`
	ScanDetails *chat.ScanContext `json:"scanDetails,omitempty"`
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if !h.chat.Configured() {
		h.logger.Warn("chat requested but OpenAI API key is not configured")
		writeError(w, http.StatusInternalServerError, "OpenAI API key not configured")
		return
	}

	reply, err := h.chat.Ask(r.Context(), req.Message, req.ScanDetails)
	if err != nil {
		if errors.Is(err, chat.ErrNotConfigured) {
			writeError(w, http.StatusInternalServerError, chat.UnavailableReply)
			return
		}
		writeError(w, http.StatusInternalServerError, chat.FallbackReply)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

func (h *Handler) TestOpenAI(w http.ResponseWriter, r *http.Request) {
	if !h.chat.Configured() {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  "OpenAI API key not configured",
		})
		return
	}

	reply, err := h.chat.Probe(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":          "error",
			"error":           err.Error(),
			"api_key_present": true,
			"api_key_preview": h.chat.KeyPreview(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"message":         reply,
		"api_key_present": true,
		"api_key_preview": h.chat.KeyPreview(),
	})
}

// ServeData serves stored uploads and masks. Paths are cleaned so they cannot leave the data directory.
func (h *Handler) ServeData(w http.ResponseWriter, r *http.Request) {
	rel := path.Clean("/" + r.PathValue("path"))
	full := filepath.Join(h.records.Root(), filepath.FromSlash(rel))

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	http.ServeFile(w, r, full)
}

func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.records.ListScans())
}

func (h *Handler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var rec store.ScanRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	saved, err := h.records.AppendScan(rec)
	if err != nil {
		h.logger.Error("failed to save scan", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to save scan")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.records.ListPatients())
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var rec store.PatientRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	saved, err := h.records.AppendPatient(rec)
	if err != nil {
		h.logger.Error("failed to save patient", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create patient")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
