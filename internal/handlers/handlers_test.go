package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/neuroscan-api/internal/analysis"
	"github.com/Brownie44l1/neuroscan-api/internal/chat"
	"github.com/Brownie44l1/neuroscan-api/internal/model"
	"github.com/Brownie44l1/neuroscan-api/internal/preprocess"
	"github.com/Brownie44l1/neuroscan-api/internal/store"
	"go.uber.org/zap"
)

type fakeModels struct {
	segReady   bool
	clsReady   bool
	backendErr error
}

func (f fakeModels) SegmentationReady() bool    { return f.segReady }
func (f fakeModels) ClassificationReady() bool  { return f.clsReady }
func (f fakeModels) BackendErr() error          { return f.backendErr }
func (f fakeModels) SegmentationPath() string   { return "models/segmentation.onnx" }
func (f fakeModels) ClassificationPath() string { return "models/classification.onnx" }

type fakeAnalyzer struct {
	result *analysis.Result
	err    error
	got    *preprocess.UploadedImage
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, upload *preprocess.UploadedImage) (*analysis.Result, error) {
	f.got = upload
	return f.result, f.err
}

type fakeRelay struct {
	configured bool
	reply      string
	err        error
	message    string
	scan       *chat.ScanContext
}

func (f *fakeRelay) Configured() bool   { return f.configured }
func (f *fakeRelay) KeyPreview() string { return "sk-1234567..." }

func (f *fakeRelay) Ask(ctx context.Context, message string, scan *chat.ScanContext) (string, error) {
	f.message = message
	f.scan = scan
	return f.reply, f.err
}

func (f *fakeRelay) Probe(ctx context.Context) (string, error) {
	return f.reply, f.err
}

type testEnv struct {
	mux      http.Handler
	analyzer *fakeAnalyzer
	relay    *fakeRelay
	store    *store.Store
}

func newTestEnv(t *testing.T, models fakeModels) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		analyzer: &fakeAnalyzer{},
		relay:    &fakeRelay{},
		store:    st,
	}
	h := NewHandler(models, env.analyzer, env.relay, st, 0, zap.NewNop())
	mux := http.NewServeMux()
	h.Register(mux)
	env.mux = Chain(Recovery(zap.NewNop()), CORS("http://localhost:3000"), MaxBody(16<<20))(mux)
	return env
}

func readyModels() fakeModels {
	return fakeModels{segReady: true, clsReady: true}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 32, 32))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	} else {
		mw.WriteField("note", "nothing attached")
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return payload
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, fakeModels{segReady: true})

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decodeBody(t, w)
	if payload["status"] != "running" {
		t.Errorf("unexpected status %v", payload["status"])
	}
	if payload["segmentation_model_loaded"] != true || payload["classification_model_loaded"] != false {
		t.Errorf("unexpected model flags %v", payload)
	}
	if payload["openai_available"] != false {
		t.Errorf("expected openai_available false")
	}
}

func TestAnalyzeNoFile(t *testing.T) {
	env := newTestEnv(t, readyModels())

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, multipartRequest(t, "/analyze", "", "", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg, _ := decodeBody(t, w)["error"].(string); !strings.Contains(msg, "No file uploaded") {
		t.Fatalf("unexpected error %q", msg)
	}
}

func TestAnalyzeBadImage(t *testing.T) {
	env := newTestEnv(t, readyModels())

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, multipartRequest(t, "/analyze", "file", "scan.jpg", []byte("not an image")))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if env.analyzer.got != nil {
		t.Fatal("analyzer should not run on undecodable input")
	}
}

func TestAnalyzeModelState(t *testing.T) {
	tests := []struct {
		name   string
		models fakeModels
		want   int
	}{
		{"models not loaded", fakeModels{segReady: true}, http.StatusInternalServerError},
		{"backend missing", fakeModels{backendErr: model.ErrBackendUnavailable}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.models)

			w := httptest.NewRecorder()
			env.mux.ServeHTTP(w, multipartRequest(t, "/analyze", "file", "scan.png", pngBytes(t)))

			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
			if _, ok := decodeBody(t, w)["error"]; !ok {
				t.Fatal("expected error field")
			}
		})
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	env := newTestEnv(t, readyModels())
	env.analyzer.result = &analysis.Result{
		Classification:   model.ClassificationResult{Class: "Glioma", Confidence: 0.87},
		SegmentationMask: "iVBORw0KGgo=",
		OriginalPath:     "data/uploads/20240309_140507_scan.jpg",
		MaskPath:         "data/masks/mask_20240309_140507_scan.jpg",
		ImageURL:         "data:image/jpeg;base64,/9j/",
	}

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, multipartRequest(t, "/analyze", "file", "scan.png", pngBytes(t)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	payload := decodeBody(t, w)
	cls := payload["classification"].(map[string]any)
	if cls["class"] != "Glioma" {
		t.Errorf("unexpected class %v", cls["class"])
	}
	if v, ok := payload["error"]; !ok || v != nil {
		t.Errorf("expected error: null, got %v (present=%v)", v, ok)
	}
	for _, key := range []string{"segmentation_mask", "originalPath", "maskPath", "imageUrl"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("missing %s", key)
		}
	}
	if env.analyzer.got == nil || env.analyzer.got.Filename != "scan.png" {
		t.Fatal("analyzer did not receive the upload")
	}
}

func TestAnalyzeErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"model unavailable", model.ErrModelUnavailable, http.StatusInternalServerError},
		{"backend unavailable", model.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, readyModels())
			env.analyzer.err = tt.err

			w := httptest.NewRecorder()
			env.mux.ServeHTTP(w, multipartRequest(t, "/analyze", "file", "scan.png", pngBytes(t)))

			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestTestImage(t *testing.T) {
	env := newTestEnv(t, fakeModels{})

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, multipartRequest(t, "/test-image", "file", "scan.png", pngBytes(t)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	details := decodeBody(t, w)["details"].(map[string]any)
	if details["original_mode"] != "L" {
		t.Errorf("unexpected mode %v", details["original_mode"])
	}
	shape := details["classification_shape"].([]any)
	if len(shape) != 4 || shape[1].(float64) != 200 || shape[3].(float64) != 3 {
		t.Errorf("unexpected classification shape %v", shape)
	}

	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, multipartRequest(t, "/test-image", "file", "scan.png", []byte("junk")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for junk, got %d", w.Code)
	}
}

func chatRequestBody(t *testing.T, v any) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, fakeModels{})
	env.relay.configured = true
	env.relay.reply = "A glioma is a tumour of glial cells."

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, chatRequestBody(t, map[string]any{
		"message":     "What does this mean?",
		"scanDetails": map[string]any{"tumorType": "Glioma", "confidence": 0.87, "hasTumor": true},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decodeBody(t, w)["response"] != env.relay.reply {
		t.Fatalf("reply not relayed verbatim: %s", w.Body.String())
	}
	if env.relay.scan == nil || env.relay.scan.TumorType != "Glioma" || env.relay.scan.Confidence != 0.87 || !env.relay.scan.HasTumor {
		t.Fatalf("scan context not forwarded: %+v", env.relay.scan)
	}
}

func TestChatNotConfigured(t *testing.T) {
	env := newTestEnv(t, fakeModels{})

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, chatRequestBody(t, map[string]any{"message": "hello"}))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if decodeBody(t, w)["error"] != "OpenAI API key not configured" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestChatProviderErrorIsNotLeaked(t *testing.T) {
	env := newTestEnv(t, fakeModels{})
	env.relay.configured = true
	env.relay.err = errors.New("upstream said: invalid org org-SECRET")

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, chatRequestBody(t, map[string]any{"message": "hello"}))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "SECRET") {
		t.Fatalf("provider error leaked: %s", w.Body.String())
	}
	if decodeBody(t, w)["error"] != chat.FallbackReply {
		t.Fatalf("expected fallback reply, got %s", w.Body.String())
	}
}

func TestChatBadRequest(t *testing.T) {
	env := newTestEnv(t, fakeModels{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{"))
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, chatRequestBody(t, map[string]any{"message": ""}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", w.Code)
	}
}

func TestTestOpenAI(t *testing.T) {
	env := newTestEnv(t, fakeModels{})

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test-openai", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without key, got %d", w.Code)
	}

	env.relay.configured = true
	env.relay.reply = "OpenAI connection successful!"
	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test-openai", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decodeBody(t, w)["status"] != "success" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestServeData(t *testing.T) {
	env := newTestEnv(t, fakeModels{})
	content := []byte("jpeg bytes")
	if err := os.WriteFile(filepath.Join(env.store.UploadsDir(), "20240309_140507_scan.jpg"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/data/uploads/20240309_140507_scan.jpg", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), content) {
		t.Fatalf("unexpected body %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/data/uploads/missing.jpg", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/data/uploads", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for directory, got %d", w.Code)
	}
}

func TestScansAndPatients(t *testing.T) {
	env := newTestEnv(t, fakeModels{})

	for _, tumor := range []string{"Glioma", "Pituitary"} {
		body, _ := json.Marshal(store.ScanRecord{TumorType: tumor, Confidence: 0.9, HasTumor: true})
		w := httptest.NewRecorder()
		env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scans", bytes.NewReader(body)))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}

	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scans", nil))
	var scans []store.ScanRecord
	if err := json.Unmarshal(w.Body.Bytes(), &scans); err != nil {
		t.Fatal(err)
	}
	if len(scans) != 2 || scans[0].TumorType != "Glioma" || scans[1].TumorType != "Pituitary" {
		t.Fatalf("unexpected scans %+v", scans)
	}

	body, _ := json.Marshal(store.PatientRecord{FirstName: "Grace", LastName: "Hopper", Age: 85})
	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/patients", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var saved store.PatientRecord
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatal(err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated patient id")
	}

	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader("nope")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, fakeModels{})

	req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin should not be allowed, got %q", got)
	}
}

func TestRecoveryReturnsJSON(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if decodeBody(t, w)["error"] != "internal server error" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	h := CORS("*")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("credentials must not be allowed with a wildcard origin, got %q", got)
	}
}

func TestUploadTooLarge(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	analyzer := &fakeAnalyzer{}
	h := NewHandler(readyModels(), analyzer, &fakeRelay{}, st, 0, zap.NewNop())
	mux := http.NewServeMux()
	h.Register(mux)
	limited := Chain(Recovery(zap.NewNop()), MaxBody(1024))(mux)

	for _, target := range []string{"/analyze", "/test-image"} {
		t.Run(target, func(t *testing.T) {
			w := httptest.NewRecorder()
			limited.ServeHTTP(w, multipartRequest(t, target, "file", "big.png", bytes.Repeat([]byte{0xAB}, 8<<10)))

			if w.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected 413, got %d: %s", w.Code, w.Body.String())
			}
			if decodeBody(t, w)["error"] != "File too large" {
				t.Fatalf("unexpected body %s", w.Body.String())
			}
		})
	}
	if analyzer.got != nil {
		t.Fatal("analyzer should not run for an oversized upload")
	}
}
