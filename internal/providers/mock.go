package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const MockProviderName = "mock"

// MockStep is one scripted response. Exactly one of Text or Err is used.
type MockStep struct {
	Text  string
	Err   error
	Delay time.Duration
}

// MockProvider is an OCRProvider for tests. Responses are scripted per page
// number; once a page's script is exhausted its last step repeats. Pages
// without a script return "page N text".
type MockProvider struct {
	mu     sync.Mutex
	script map[int][]MockStep
	calls  map[int]int
	order  []int
}

// NewMockProvider creates a mock with no scripted pages.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		script: make(map[int][]MockStep),
		calls:  make(map[int]int),
	}
}

// Script sets the responses for a 1-based page number.
func (m *MockProvider) Script(pageNum int, steps ...MockStep) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[pageNum] = steps
	return m
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	return MockProviderName
}

// ProcessImage returns the next scripted response for req.PageNum.
func (m *MockProvider) ProcessImage(ctx context.Context, req OCRRequest) (*OCRResult, error) {
	m.mu.Lock()
	n := m.calls[req.PageNum]
	m.calls[req.PageNum] = n + 1
	m.order = append(m.order, req.PageNum)
	steps := m.script[req.PageNum]
	m.mu.Unlock()

	step := MockStep{Text: fmt.Sprintf("page %d text", req.PageNum)}
	if len(steps) > 0 {
		step = steps[min(n, len(steps)-1)]
	}

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &OCRResult{Text: step.Text, Model: MockProviderName}, nil
}

// Calls returns how many times pageNum was requested.
func (m *MockProvider) Calls(pageNum int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[pageNum]
}

// Order returns the page numbers in request order.
func (m *MockProvider) Order() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.order...)
}
