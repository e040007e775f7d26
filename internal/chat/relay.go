// Package chat relays user questions about a scan to an external chat-completion provider.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	maxTokens      = 150
	probeMaxTokens = 20
	temperature    = 0.7

	FallbackReply    = "I apologize, but I'm having trouble processing your request right now. Please try again later."
	UnavailableReply = "AI chat functionality is not available (API key missing)"
)

var (
	ErrNotConfigured = errors.New("chat provider not configured")
	ErrProvider      = errors.New("chat provider error")
)

const basePrompt = `You are a helpful medical imaging AI assistant. You help users understand their brain scan analysis results and provide general information about brain tumors. Always be professional, empathetic, and clear in your responses. Do not make definitive medical diagnoses - always remind users to consult healthcare professionals for medical advice.`

// ScanContext is the analysis summary the client sends along with a question.
type ScanContext struct {
	TumorType  string  `json:"tumorType"`
	Confidence float64 `json:"confidence"`
	HasTumor   bool    `json:"hasTumor"`
}

type Relay struct {
	completer Completer
	model     string
	apiKey    string
	logger    *zap.Logger
}

// NewRelay builds a relay. An empty apiKey leaves it unconfigured: Ask reports
// ErrNotConfigured without touching the network.
func NewRelay(completer Completer, apiKey, model string, logger *zap.Logger) *Relay {
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &Relay{completer: completer, model: model, apiKey: apiKey, logger: logger}
}

func (r *Relay) Configured() bool {
	return r.apiKey != "" && r.completer != nil
}

// KeyPreview shows the first ten characters of the key, for diagnostics.
func (r *Relay) KeyPreview() string {
	if r.apiKey == "" {
		return ""
	}
	if len(r.apiKey) <= 10 {
		return r.apiKey + "..."
	}
	return r.apiKey[:10] + "..."
}

// SystemMessage grounds the assistant in the scan being discussed.
func SystemMessage(scan *ScanContext) string {
	if scan == nil {
		return basePrompt
	}

	status := "No tumor detected"
	if scan.HasTumor {
		status = "Tumor detected"
	}

	var b strings.Builder
	b.WriteString("You are a helpful medical imaging AI assistant. Current scan details:\n")
	fmt.Fprintf(&b, "- Tumor Type: %s\n", scan.TumorType)
	fmt.Fprintf(&b, "- Confidence: %.1f%%\n", scan.Confidence*100)
	fmt.Fprintf(&b, "- Status: %s\n\n", status)
	b.WriteString("Provide clear, empathetic responses about the scan results. Always include appropriate medical disclaimers.")
	return b.String()
}

func (r *Relay) Ask(ctx context.Context, message string, scan *ScanContext) (string, error) {
	if !r.Configured() {
		return "", ErrNotConfigured
	}

	reply, err := r.completer.Complete(ctx, Request{
		Model: r.model,
		Messages: []Message{
			{Role: "system", Content: SystemMessage(scan)},
			{Role: "user", Content: message},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		r.logger.Error("chat completion failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return reply, nil
}

// Probe checks connectivity with a tiny fixed prompt.
func (r *Relay) Probe(ctx context.Context) (string, error) {
	if !r.Configured() {
		return "", ErrNotConfigured
	}

	reply, err := r.completer.Complete(ctx, Request{
		Model: r.model,
		Messages: []Message{
			{Role: "system", Content: "You are a test assistant."},
			{Role: "user", Content: "Say 'OpenAI connection successful!'"},
		},
		MaxTokens: probeMaxTokens,
	})
	if err != nil {
		r.logger.Error("chat probe failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return reply, nil
}
