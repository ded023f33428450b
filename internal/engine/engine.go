// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser"
	"github.com/xkilldash9x/browserpilot/internal/browser/executor"
	"github.com/xkilldash9x/browserpilot/internal/browser/observer"
	"github.com/xkilldash9x/browserpilot/internal/browser/shim"
	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/history"
)

// ErrClosed is returned by every Engine method after Close.
var ErrClosed = errors.New("engine is closed")

// Session is the protocol connection an Engine drives.
type Session interface {
	browser.Conn
	Close() error
}

// Config gathers the bounds of every component the engine composes.
type Config struct {
	// Viewport is emulated when both dimensions are set.
	Viewport schemas.Viewport
	Observer observer.Config
	Executor executor.Config
	// Observe selects what each Run step captures.
	Observe observer.Options

	MaxSteps int
	// HistoryWindow caps the history handed to a Decider. Zero hands over all of it.
	HistoryWindow  int
	StepsPerSecond float64
}

// ConfigFrom maps application configuration onto engine configuration.
func ConfigFrom(cfg config.Interface) Config {
	b, t, e := cfg.Browser(), cfg.Timeouts(), cfg.Engine()
	return Config{
		Viewport: schemas.Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height},
		Observer: observer.Config{
			StabilityTimeout: t.Stability,
			Scan:             shim.ScanConfig{MaxElements: e.MaxElements},
		},
		Executor: executor.Config{
			NavigationTimeout: t.Navigation,
			MaxExtractChars:   e.MaxExtractChars,
		},
		MaxSteps:       e.MaxSteps,
		HistoryWindow:  e.HistoryWindow,
		StepsPerSecond: e.StepsPerSecond,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the parent logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSink forwards every history entry to s.
func WithSink(s history.Sink) Option {
	return func(e *Engine) { e.historyOpts = append(e.historyOpts, history.WithSink(s)) }
}

// WithExtractor answers extract queries. Without one, extract returns the page text.
func WithExtractor(x executor.Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithCloser runs fn after the session is closed, e.g. to stop a launched browser.
func WithCloser(fn func() error) Option {
	return func(e *Engine) { e.closers = append(e.closers, fn) }
}

// Engine runs the observe/execute cycle against one page. Observe and Execute
// are serialized; the cycle is never re-entered concurrently.
type Engine struct {
	mu       sync.Mutex
	sess     Session
	observer *observer.Observer
	executor *executor.Executor
	history  *history.History
	cfg      Config
	logger   *zap.Logger

	// current is the snapshot index-based actions are resolved against.
	current *schemas.PageSnapshot
	closed  bool

	extractor   executor.Extractor
	historyOpts []history.Option
	closers     []func() error
}

// New prepares the page behind sess and composes the engine's components.
// The session is owned by the engine from here on and is closed by Close.
func New(ctx context.Context, sess Session, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{sess: sess, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")

	cctx := sess.WithExecutor(ctx)
	if err := page.Enable().Do(cctx); err != nil {
		return nil, fmt.Errorf("failed to enable page events: %w", err)
	}
	if vp := cfg.Viewport; vp.Width > 0 && vp.Height > 0 {
		if err := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1, false).Do(cctx); err != nil {
			return nil, fmt.Errorf("failed to set viewport %dx%d: %w", vp.Width, vp.Height, err)
		}
	}

	obs, err := observer.New(sess, cfg.Observer, e.logger)
	if err != nil {
		return nil, err
	}
	e.observer = obs

	execOpts := []executor.Option{executor.WithLogger(e.logger)}
	if e.extractor != nil {
		execOpts = append(execOpts, executor.WithExtractor(e.extractor))
	}
	e.executor = executor.New(sess, cfg.Executor, execOpts...)
	e.history = history.New(append(e.historyOpts, history.WithLogger(e.logger))...)
	return e, nil
}

// Observe captures a fresh snapshot and makes it the one subsequent actions
// are checked against.
func (e *Engine) Observe(ctx context.Context, opts observer.Options) (*schemas.PageSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.observe(ctx, opts)
}

func (e *Engine) observe(ctx context.Context, opts observer.Options) (*schemas.PageSnapshot, error) {
	snap, err := e.observer.Observe(ctx, opts)
	if err != nil {
		return nil, err
	}
	e.current = snap
	return snap, nil
}

// Execute runs req against the current snapshot and records the outcome.
// Failures are reported in the entry's Result, never as a Go error.
func (e *Engine) Execute(ctx context.Context, req schemas.ActionRequest) schemas.HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		res := schemas.NewFailureResult(schemas.ErrKindConnection, fmt.Sprintf("cannot %s", req.Action), ErrClosed)
		return e.history.Record(req, res, "")
	}
	return e.execute(ctx, req)
}

func (e *Engine) execute(ctx context.Context, req schemas.ActionRequest) schemas.HistoryEntry {
	snap := e.current
	var snapID string
	if snap != nil {
		snapID = snap.ID
	}

	req = req.Normalize()
	res := e.executor.Execute(ctx, req, snap)
	if req.Action == schemas.ActionNavigate && navigationDispatched(res) {
		e.current = nil
	}
	return e.history.Record(req, res, snapID)
}

// navigationDispatched reports whether a navigate may have replaced the
// document. A load that timed out still left the browser on the new URL.
// Rejected parameters and browser-side errorText mean nothing was loaded.
func navigationDispatched(res schemas.ActionResult) bool {
	if res.Success {
		return true
	}
	switch res.ErrorKind {
	case schemas.ErrKindNavigationTimeout, schemas.ErrKindTimeout:
		return true
	}
	return false
}

// Current returns the snapshot actions are currently checked against, or nil.
func (e *Engine) Current() *schemas.PageSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// History is the engine's action log.
func (e *Engine) History() *history.History { return e.history }

// Done is closed when the underlying session is gone.
func (e *Engine) Done() <-chan struct{} { return e.sess.Done() }

// Close ends the session and releases anything registered with WithCloser.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	start := time.Now()
	errs := []error{e.sess.Close()}
	for _, fn := range e.closers {
		errs = append(errs, fn())
	}
	err := errors.Join(errs...)
	e.logger.Debug("Engine closed.", zap.Duration("took", time.Since(start)), zap.Error(err))
	return err
}
