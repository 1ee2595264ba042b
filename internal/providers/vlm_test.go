package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/auralens/internal/book"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xEE
	}
	img.Set(1, 1, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   "qwen2.5-vl",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(body)
}

func newTestClient(url string) *VLMClient {
	return NewVLMClient(VLMConfig{
		APIURL:          url + "/api/chat/completions",
		APIKey:          "test-key",
		Model:           "qwen2.5-vl",
		Temperature:     0,
		RepeatPenalty:   DefaultRepeatPenalty,
		PresencePenalty: DefaultPresencePenalty,
	})
}

func TestVLMClient_ProcessImage(t *testing.T) {
	var payload map[string]any
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completion("<think>reading the page</think>\n\nChapter One\n\nIt was a dark night.")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.ProcessImage(context.Background(), OCRRequest{
		Image:     testPNG(t, 40, 30),
		PageNum:   1,
		MaxPixels: 1_000_000,
	})
	require.NoError(t, err)

	assert.Equal(t, "Chapter One\n\nIt was a dark night.", result.Text)
	assert.Equal(t, 10, result.PromptTokens)
	assert.Equal(t, 5, result.CompletionTokens)
	assert.Equal(t, "Bearer test-key", auth)

	assert.Equal(t, "qwen2.5-vl", payload["model"])
	assert.EqualValues(t, DefaultMaxTokens, payload["max_tokens"])
	assert.EqualValues(t, DefaultRepeatPenalty, payload["repeat_penalty"])
	assert.EqualValues(t, DefaultPresencePenalty, payload["presence_penalty"])

	messages, ok := payload["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, DefaultSystemPrompt, system["content"])

	user := messages[1].(map[string]any)
	parts := user["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, DefaultUserPrompt, parts[0].(map[string]any)["text"])
	imageURL := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(imageURL, "data:image/jpeg;base64,"))
}

func TestVLMClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		header   map[string]string
		body     string
		wantKind book.ErrorKind
		check    func(t *testing.T, err error)
	}{
		{
			name:     "rate limited with retry-after",
			status:   http.StatusTooManyRequests,
			header:   map[string]string{"Retry-After": "3"},
			body:     `{"error":{"message":"slow down"}}`,
			wantKind: book.KindTransient,
			check: func(t *testing.T, err error) {
				rle, ok := IsRateLimitError(err)
				require.True(t, ok)
				assert.Equal(t, 3*time.Second, rle.RetryAfter())
				assert.Equal(t, 3*time.Second, book.RetryAfter(err))
			},
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			body:     `{"error":{"message":"upstream down"}}`,
			wantKind: book.KindTransient,
			check: func(t *testing.T, err error) {
				var ne *NetworkError
				assert.True(t, errors.As(err, &ne))
			},
		},
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"bad key"}}`,
			wantKind: book.KindContent,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				assert.True(t, errors.As(err, &ae))
			},
		},
		{
			name:     "model not found",
			status:   http.StatusNotFound,
			body:     `{"error":{"message":"no such model"}}`,
			wantKind: book.KindContent,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "model not found")
			},
		},
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"image too large"}}`,
			wantKind: book.KindContent,
		},
		{
			name:     "empty choices",
			status:   http.StatusOK,
			body:     `{"id":"x","object":"chat.completion","model":"m","choices":[]}`,
			wantKind: book.KindContent,
		},
		{
			name:     "only thinking",
			status:   http.StatusOK,
			body:     completion("<think>hmm</think>"),
			wantKind: book.KindContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).ProcessImage(context.Background(), OCRRequest{
				Image:   testPNG(t, 8, 8),
				PageNum: 2,
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, book.Classify(err))
			assert.EqualValues(t, 1, calls.Load(), "client must not retry on its own")
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestVLMClient_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(url).ProcessImage(context.Background(), OCRRequest{Image: testPNG(t, 4, 4), PageNum: 1})
	require.Error(t, err)
	assert.Equal(t, book.KindTransient, book.Classify(err))
}

func TestVLMClient_RejectsBadImage(t *testing.T) {
	client := NewVLMClient(VLMConfig{Model: "m"})
	_, err := client.ProcessImage(context.Background(), OCRRequest{Image: []byte("garbage"), PageNum: 1})
	require.Error(t, err)
	assert.Equal(t, book.KindContent, book.Classify(err))

	_, err = client.ProcessImage(context.Background(), OCRRequest{PageNum: 1})
	assert.Equal(t, book.KindContent, book.Classify(err))
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:3000/api/", BaseURL("http://localhost:3000/api/chat/completions"))
	assert.Equal(t, "http://localhost:8080/v1/", BaseURL("http://localhost:8080/v1/chat/completions/"))
	assert.Equal(t, "https://openrouter.ai/api/v1/", BaseURL("https://openrouter.ai/api/v1"))
}

func TestStripThinking(t *testing.T) {
	assert.Equal(t, "text", StripThinking("<think>a\nb</think>text"))
	assert.Equal(t, "a  b", StripThinking(" a <think>x</think> b "))
	assert.Equal(t, "plain", StripThinking("plain"))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.InDelta(t, float64(time.Minute), float64(parseRetryAfter(future)), float64(2*time.Second))
}
