// Package providers talks to the vision-language model that performs OCR.
package providers

import (
	"context"
	"time"
)

// OCRProvider extracts text from a page image.
// Implementations do not retry: the pipeline's stage runner owns retry and
// per-call timeouts.
type OCRProvider interface {
	// Name returns the provider identifier.
	Name() string

	// ProcessImage extracts text from one page image.
	ProcessImage(ctx context.Context, req OCRRequest) (*OCRResult, error)
}

// OCRRequest is one page handed to the model.
type OCRRequest struct {
	Image        []byte // encoded page bitmap (JPEG or PNG)
	PageNum      int    // 1-based, for logging
	Prompt       string // user prompt; provider default when empty
	SystemPrompt string // system prompt; provider default when empty
	MaxPixels    int    // images larger than this are downscaled before upload
}

// OCRResult is the outcome of a successful extraction.
type OCRResult struct {
	Text             string        `json:"text"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	ExecutionTime    time.Duration `json:"execution_time"`
}
