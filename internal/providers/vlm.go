package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jackzampolin/auralens/internal/imageutil"
)

const (
	VLMProviderName = "vlm"

	DefaultAPIURL          = "http://localhost:3000/api/chat/completions"
	DefaultMaxTokens       = 4096
	DefaultRepeatPenalty   = 1.2
	DefaultPresencePenalty = 0.5
	DefaultUserPrompt      = "Extract all text from this page."
	DefaultSystemPrompt    = "You are an OCR assistant. Extract ALL text from this image exactly as it appears. " +
		"Preserve paragraph breaks, line breaks, and formatting. " +
		"Do not add commentary, interpretation, or markdown formatting. " +
		"Output only the raw extracted text."
)

var thinkingPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// VLMConfig configures a VLMClient.
type VLMConfig struct {
	APIURL          string // full chat completions URL
	APIKey          string
	Model           string
	MaxTokens       int
	Temperature     float64
	RepeatPenalty   float64
	PresencePenalty float64
	EnableThinking  bool
	SystemPrompt    string
	UserPrompt      string
	JPEGQuality     int
	HTTPClient      *http.Client
}

// VLMClient sends page images to an OpenAI-compatible chat completions
// endpoint (llama.cpp server, Open WebUI, vLLM, OpenRouter, ...).
type VLMClient struct {
	cfg    VLMConfig
	client openai.Client
}

// NewVLMClient creates a client. SDK-level retries are disabled.
func NewVLMClient(cfg VLMConfig) *VLMClient {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.UserPrompt == "" {
		cfg.UserPrompt = DefaultUserPrompt
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	opts := []option.RequestOption{
		option.WithBaseURL(BaseURL(cfg.APIURL)),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		// The SDK falls back to OPENAI_API_KEY; local servers need no key.
		opts = append(opts, option.WithAPIKey("none"))
	}

	return &VLMClient{
		cfg:    cfg,
		client: openai.NewClient(opts...),
	}
}

// BaseURL turns a chat completions URL into the SDK base URL.
func BaseURL(apiURL string) string {
	base := strings.TrimRight(apiURL, "/")
	base = strings.TrimSuffix(base, "/chat/completions")
	return base + "/"
}

// Name returns the provider identifier.
func (c *VLMClient) Name() string {
	return VLMProviderName
}

// Model returns the configured model name.
func (c *VLMClient) Model() string {
	return c.cfg.Model
}

// ProcessImage sends one page to the model and returns its text with any
// <think> reasoning stripped.
func (c *VLMClient) ProcessImage(ctx context.Context, req OCRRequest) (*OCRResult, error) {
	start := time.Now()

	if len(req.Image) == 0 {
		return nil, &InvalidResponseError{Message: "empty image"}
	}
	jpeg, err := imageutil.Prepare(req.Image, req.MaxPixels, c.cfg.JPEGQuality)
	if err != nil {
		return nil, &InvalidResponseError{Message: fmt.Sprintf("page %d: %v", req.PageNum, err)}
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = c.cfg.UserPrompt
	}
	system := req.SystemPrompt
	if system == "" {
		system = c.cfg.SystemPrompt
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: imageutil.DataURI(jpeg),
				}),
			}),
		},
		MaxTokens:   openai.Int(int64(c.cfg.MaxTokens)),
		Temperature: openai.Float(c.cfg.Temperature),
	}
	if c.cfg.PresencePenalty != 0 {
		params.PresencePenalty = openai.Float(c.cfg.PresencePenalty)
	}

	var reqOpts []option.RequestOption
	if c.cfg.RepeatPenalty != 0 && c.cfg.RepeatPenalty != 1.0 {
		reqOpts = append(reqOpts, option.WithJSONSet("repeat_penalty", c.cfg.RepeatPenalty))
	}
	if c.cfg.EnableThinking {
		reqOpts = append(reqOpts, option.WithJSONSet("enable_thinking", true))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &InvalidResponseError{Message: "no choices in response"}
	}

	text := StripThinking(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, &InvalidResponseError{Message: fmt.Sprintf("empty completion for page %d", req.PageNum)}
	}

	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &OCRResult{
		Text:             text,
		Model:            model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		ExecutionTime:    time.Since(start),
	}, nil
}

// StripThinking removes <think>...</think> blocks and surrounding whitespace.
func StripThinking(text string) string {
	return strings.TrimSpace(thinkingPattern.ReplaceAllString(text, ""))
}

func mapOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return classifyStatus(apiErr.StatusCode, msg, header)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &InvalidResponseError{Message: err.Error()}
	}
	return &NetworkError{Err: err}
}
