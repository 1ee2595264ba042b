package metrics

import "time"

// Summary aggregates VLM usage since the process started.
type Summary struct {
	Model            string        `json:"model,omitempty"`
	Calls            int           `json:"calls"`
	SuccessCount     int           `json:"success_count"`
	ErrorCount       int           `json:"error_count"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	TotalTime        time.Duration `json:"total_time"`
	AvgTime          time.Duration `json:"avg_time"`
	AvgTokens        float64       `json:"avg_tokens"`
	SuccessRate      float64       `json:"success_rate"`
}

// Summary returns a copy of the usage summary with derived averages filled in.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	s := c.summary
	c.mu.Unlock()

	s.TotalTokens = s.PromptTokens + s.CompletionTokens
	if s.Calls > 0 {
		s.AvgTime = s.TotalTime / time.Duration(s.Calls)
		s.AvgTokens = float64(s.TotalTokens) / float64(s.Calls)
	}
	if total := s.SuccessCount + s.ErrorCount; total > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(total)
	}
	return s
}
