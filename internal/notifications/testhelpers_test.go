package notifications

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"careintake/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RendererConfig{ProductName: "CareIntake", PublicURL: "https://intake.test"})
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return r
}

type mockSender struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, in types.SendInput) (string, error)
	sent   []types.SendInput
}

func (m *mockSender) Send(ctx context.Context, in types.SendInput) (string, error) {
	m.mu.Lock()
	m.sent = append(m.sent, in)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, in)
	}
	return "msg-1", nil
}

type recordedCount struct {
	metric string
	value  float64
	dims   []Dimension
}

type mockCounter struct {
	mu     sync.Mutex
	counts []recordedCount
}

func (m *mockCounter) Count(_ context.Context, metric string, value float64, dims ...Dimension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, recordedCount{metric, value, dims})
}

func (m *mockCounter) has(metric string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.counts {
		if c.metric == metric {
			return true
		}
	}
	return false
}
