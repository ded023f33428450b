// internal/history/history.go
package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// sinkTimeout bounds how long a Sink may take to persist one entry.
const sinkTimeout = 5 * time.Second

// Sink receives every entry after it has been appended, typically to persist it.
type Sink interface {
	Persist(ctx context.Context, entry schemas.HistoryEntry) error
}

// History is the ordered record of executed actions for one run. It only
// grows until Reset; readers always get copies.
type History struct {
	mu      sync.RWMutex
	entries []schemas.HistoryEntry

	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a History.
type Option func(*History)

// WithSink forwards each appended entry to s.
func WithSink(s Sink) Option {
	return func(h *History) { h.sink = s }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *zap.Logger) Option {
	return func(h *History) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New returns an empty history.
func New(opts ...Option) *History {
	h := &History{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("history")
	return h
}

// Append adds entry at the end. A sink failure is logged and does not undo the append.
func (h *History) Append(entry schemas.HistoryEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
	h.persist(entry)
}

func (h *History) persist(entry schemas.HistoryEntry) {
	if h.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := h.sink.Persist(ctx, entry); err != nil {
		h.logger.Warn("Failed to persist history entry.", zap.Int("step", entry.Step), zap.Error(err))
	}
}

// Record builds the next entry, numbering steps from 1, and appends it.
func (h *History) Record(req schemas.ActionRequest, res schemas.ActionResult, snapshotID string) schemas.HistoryEntry {
	h.mu.Lock()
	entry := schemas.HistoryEntry{
		Step:       len(h.entries) + 1,
		Request:    req,
		Result:     res,
		SnapshotID: snapshotID,
		RecordedAt: h.now(),
	}
	h.entries = append(h.entries, entry)
	h.mu.Unlock()

	h.persist(entry)
	return entry
}

// Summary returns the last maxEntries entries in append order, or all of them
// when maxEntries <= 0.
func (h *History) Summary(maxEntries int) []schemas.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if maxEntries > 0 && len(h.entries) > maxEntries {
		start = len(h.entries) - maxEntries
	}
	out := make([]schemas.HistoryEntry, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Reset discards every entry.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}
