// internal/history/history_test.go
package history_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/history"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []schemas.HistoryEntry
	err     error
}

func (s *recordingSink) Persist(_ context.Context, e schemas.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func fill(h *history.History, n int) {
	for i := 0; i < n; i++ {
		h.Record(schemas.Scroll(schemas.ScrollDown, i+1), schemas.NewSuccessResult(fmt.Sprintf("step %d", i+1), nil), "")
	}
}

func TestRecord(t *testing.T) {
	h := history.New()

	first := h.Record(schemas.Click(0), schemas.NewSuccessResult("clicked", nil), "snap-1")
	second := h.Record(schemas.Done("ok"), schemas.NewSuccessResult("done", "ok"), "snap-2")

	assert.Equal(t, 1, first.Step)
	assert.Equal(t, 2, second.Step)
	assert.Equal(t, "snap-2", second.SnapshotID)
	assert.False(t, second.RecordedAt.Before(first.RecordedAt))
	assert.Equal(t, 2, h.Len())
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name     string
		appended int
		max      int
		want     []int
	}{
		{"empty history", 0, 5, []int{}},
		{"fewer entries than the cap", 3, 5, []int{1, 2, 3}},
		{"exactly the cap", 3, 3, []int{1, 2, 3}},
		{"more entries than the cap keeps the most recent", 6, 2, []int{5, 6}},
		{"zero cap returns everything", 4, 0, []int{1, 2, 3, 4}},
		{"negative cap returns everything", 2, -1, []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := history.New()
			fill(h, tt.appended)

			got := h.Summary(tt.max)
			steps := make([]int, len(got))
			for i, e := range got {
				steps[i] = e.Step
			}
			assert.Equal(t, tt.want, steps)
		})
	}
}

func TestSummary_ReturnsCopies(t *testing.T) {
	h := history.New()
	fill(h, 2)

	got := h.Summary(0)
	got[0].Step = 99
	got[0].Result.Description = "tampered"

	again := h.Summary(0)
	assert.Equal(t, 1, again[0].Step)
	assert.Equal(t, "step 1", again[0].Result.Description)
}

func TestReset(t *testing.T) {
	h := history.New()
	fill(h, 3)
	h.Reset()

	assert.Zero(t, h.Len())
	assert.Empty(t, h.Summary(0))

	e := h.Record(schemas.Screenshot(), schemas.NewSuccessResult("shot", nil), "")
	assert.Equal(t, 1, e.Step, "step numbering restarts after a reset")
}

func TestSink(t *testing.T) {
	t.Run("should forward every entry in order", func(t *testing.T) {
		sink := &recordingSink{}
		h := history.New(history.WithSink(sink), history.WithLogger(zaptest.NewLogger(t)))
		fill(h, 3)

		require.Len(t, sink.entries, 3)
		assert.Equal(t, 3, sink.entries[2].Step)
	})

	t.Run("should keep the entry when the sink fails", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("database unavailable")}
		h := history.New(history.WithSink(sink), history.WithLogger(zaptest.NewLogger(t)))
		h.Append(schemas.HistoryEntry{Step: 1, Request: schemas.Done(nil)})

		assert.Equal(t, 1, h.Len())
		assert.Len(t, sink.entries, 1)
	})
}

func TestConcurrentRecord(t *testing.T) {
	h := history.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Record(schemas.Screenshot(), schemas.NewSuccessResult("shot", nil), "")
		}()
	}
	wg.Wait()

	entries := h.Summary(0)
	require.Len(t, entries, 50)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Step, "steps must be unique and follow append order")
	}
}
