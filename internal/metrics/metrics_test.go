package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/pipeline"
	"github.com/jackzampolin/auralens/internal/providers"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_Exposition(t *testing.T) {
	c := NewCollector()

	c.RecordPage(pipeline.StageOCR, book.PageStatusOcrDone)
	c.RecordPage(pipeline.StageOCR, book.PageStatusOcrDone)
	c.RecordAttempt(pipeline.StageOCR, book.KindTransient)
	c.RecordAttempt(pipeline.StageOCR, "")
	c.RecordBook(book.StatusCompleted, 90*time.Second)
	c.RecordOCR(&providers.OCRResult{Model: "qwen", PromptTokens: 100, CompletionTokens: 40, ExecutionTime: 2 * time.Second})

	var pending float64 = 3
	c.GaugeFunc("queue_pending", "Jobs waiting.", func() float64 { return pending })

	out := scrape(t, c)
	assert.Contains(t, out, `auralens_page_transitions_total{stage="ocr",status="ocr_done"} 2`)
	assert.Contains(t, out, `auralens_stage_attempts_total{outcome="transient",stage="ocr"} 1`)
	assert.Contains(t, out, `auralens_stage_attempts_total{outcome="ok",stage="ocr"} 1`)
	assert.Contains(t, out, `auralens_books_finished_total{status="completed"} 1`)
	assert.Contains(t, out, `auralens_ocr_tokens_total{type="prompt"} 100`)
	assert.Contains(t, out, "auralens_book_duration_seconds_count 1")
	assert.Contains(t, out, "auralens_queue_pending 3")
	assert.Contains(t, out, "go_goroutines")
}

func TestCollector_Summary(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, Summary{}, c.Summary())

	c.RecordOCR(&providers.OCRResult{Model: "m", PromptTokens: 10, CompletionTokens: 5, ExecutionTime: time.Second})
	c.RecordOCR(&providers.OCRResult{Model: "m", PromptTokens: 30, CompletionTokens: 15, ExecutionTime: 3 * time.Second})
	c.RecordOCR(nil)
	c.RecordAttempt(pipeline.StageOCR, "")
	c.RecordAttempt(pipeline.StageOCR, "")
	c.RecordAttempt(pipeline.StageOCR, book.KindTransient)
	c.RecordAttempt(pipeline.StageOCR, book.KindContent)
	c.RecordAttempt(pipeline.StageExtract, book.KindContent)

	s := c.Summary()
	assert.Equal(t, "m", s.Model)
	assert.Equal(t, 2, s.Calls)
	assert.Equal(t, 60, s.TotalTokens)
	assert.Equal(t, 2*time.Second, s.AvgTime)
	assert.InDelta(t, 30.0, s.AvgTokens, 0.001)
	assert.Equal(t, 2, s.SuccessCount)
	assert.Equal(t, 2, s.ErrorCount, "only OCR attempts count")
	assert.InDelta(t, 0.5, s.SuccessRate, 0.001)
}
