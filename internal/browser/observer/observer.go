// internal/browser/observer/observer.go
package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser"
	"github.com/xkilldash9x/browserpilot/internal/browser/jsexec"
	"github.com/xkilldash9x/browserpilot/internal/browser/session"
	"github.com/xkilldash9x/browserpilot/internal/browser/shim"
)

const (
	DefaultStabilityTimeout = 5 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond

	readyStateComplete = "complete"
)

// Config bounds a single observation.
type Config struct {
	// StabilityTimeout caps the wait for the document to finish loading.
	// When it expires the snapshot is taken anyway and marked PartiallyLoaded.
	StabilityTimeout time.Duration
	// PollInterval is how often document.readyState is re-checked while waiting.
	PollInterval time.Duration
	Scan         shim.ScanConfig
}

// Options select the optional parts of a snapshot.
type Options struct {
	Screenshot bool
	// Overlay draws element boxes and indexes on a copy of the screenshot. Implies Screenshot.
	Overlay bool
	// IncludeOffscreen keeps elements that do not intersect the viewport.
	IncludeOffscreen bool
}

// Observer turns the live page into PageSnapshots.
type Observer struct {
	conn   browser.Conn
	cfg    Config
	script string
	logger *zap.Logger
	now    func() time.Time
}

// New builds an observer over conn. Zero values in cfg fall back to the defaults.
func New(conn browser.Conn, cfg Config, logger *zap.Logger) (*Observer, error) {
	if cfg.StabilityTimeout <= 0 {
		cfg.StabilityTimeout = DefaultStabilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	script, err := shim.BuildScanScript(cfg.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to build element scan script: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		conn:   conn,
		cfg:    cfg,
		script: script,
		logger: logger.Named("observer"),
		now:    time.Now,
	}, nil
}

// scanResult mirrors the object returned by scan.js.
type scanResult struct {
	URL        string           `json:"url"`
	Title      string           `json:"title"`
	ReadyState string           `json:"readyState"`
	Viewport   schemas.Viewport `json:"viewport"`
	Candidates []scanCandidate  `json:"candidates"`
}

type scanCandidate struct {
	Tag        string            `json:"tag"`
	Role       string            `json:"role"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	Visible    bool              `json:"visible"`
	Enabled    bool              `json:"enabled"`
}

// Observe captures the current page. Session failures are returned as-is so
// callers can tell a lost connection from a rejected call. An unstable page is
// not an error: the snapshot comes back with PartiallyLoaded set.
func (o *Observer) Observe(ctx context.Context, opts Options) (*schemas.PageSnapshot, error) {
	ctx = o.conn.WithExecutor(ctx)
	start := o.now()

	stable, err := o.waitStable(ctx)
	if err != nil {
		return nil, err
	}

	scan, err := o.scan(ctx, stable)
	if err != nil {
		return nil, fmt.Errorf("interactive element scan failed: %w", err)
	}

	snap := &schemas.PageSnapshot{
		ID:              uuid.NewString(),
		URL:             scan.URL,
		Title:           scan.Title,
		Viewport:        scan.Viewport,
		Elements:        o.index(scan, opts.IncludeOffscreen),
		PartiallyLoaded: !stable || scan.ReadyState != readyStateComplete,
	}

	if opts.Screenshot || opts.Overlay {
		shot, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("screenshot capture failed: %w", err)
		}
		snap.Screenshot = shot
		if opts.Overlay {
			overlay, err := DrawOverlay(shot, snap.Elements, snap.Viewport)
			if err != nil {
				// The snapshot is still valid without the annotated copy.
				o.logger.Warn("Failed to render element overlay.", zap.String("snapshot_id", snap.ID), zap.Error(err))
			} else {
				snap.Overlay = overlay
			}
		}
	}
	snap.CapturedAt = o.now()

	o.logger.Debug("Page observed.",
		zap.String("snapshot_id", snap.ID),
		zap.String("url", snap.URL),
		zap.Int("elements", len(snap.Elements)),
		zap.Int("candidates", len(scan.Candidates)),
		zap.Stringers("warnings", snap.Warnings()),
		zap.Duration("duration", snap.CapturedAt.Sub(start)),
	)
	return snap, nil
}

// index filters scan candidates down to usable elements and numbers them from
// zero in document order. The result is never nil.
func (o *Observer) index(scan scanResult, includeOffscreen bool) []schemas.InteractiveElement {
	elements := make([]schemas.InteractiveElement, 0, len(scan.Candidates))
	for _, c := range scan.Candidates {
		bounds := schemas.Rect{X: c.X, Y: c.Y, Width: c.Width, Height: c.Height}
		if !c.Visible || !c.Enabled || bounds.Empty() {
			continue
		}
		if !includeOffscreen && !intersectsViewport(bounds, scan.Viewport) {
			continue
		}
		elements = append(elements, schemas.InteractiveElement{
			Index:      len(elements),
			Tag:        c.Tag,
			Role:       c.Role,
			Text:       c.Text,
			Bounds:     bounds,
			Enabled:    c.Enabled,
			Visible:    c.Visible,
			Attributes: c.Attributes,
		})
	}
	return elements
}

func intersectsViewport(r schemas.Rect, vp schemas.Viewport) bool {
	// Unknown viewport, nothing to clip against.
	if vp.Width <= 0 || vp.Height <= 0 {
		return true
	}
	return r.X < float64(vp.Width) && r.X+r.Width > 0 &&
		r.Y < float64(vp.Height) && r.Y+r.Height > 0
}

// waitStable waits for document.readyState to reach "complete" or for a load
// event, whichever comes first. It reports false if StabilityTimeout expired.
// A readyState poll that fails because the document is being replaced, or
// that gets no answer, counts as not loaded yet.
func (o *Observer) waitStable(ctx context.Context) (bool, error) {
	loads, unsubscribe := o.conn.Subscribe(cdproto.EventPageLoadEventFired)
	defer unsubscribe()

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.StabilityTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var state string
	for {
		state = ""
		err := jsexec.Evaluate(waitCtx, shim.ReadyState, &state)
		switch {
		case err == nil:
			if state == readyStateComplete {
				return true, nil
			}
		case ctx.Err() != nil:
			return false, ctx.Err()
		case transient(err):
			o.logger.Debug("Document state unavailable, still waiting.", zap.Error(err))
		default:
			return false, fmt.Errorf("failed to read document state: %w", err)
		}

		select {
		case _, ok := <-loads:
			if !ok {
				return false, o.conn.Err()
			}
			return true, nil
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			o.logger.Debug("Page did not settle before the stability timeout.",
				zap.String("ready_state", state), zap.Duration("timeout", o.cfg.StabilityTimeout))
			return false, nil
		}
	}
}

// scan runs the element scan script. Each attempt is bounded by
// StabilityTimeout. On a page that never settled, a transient failure gets
// one more attempt after a poll interval.
func (o *Observer) scan(ctx context.Context, stable bool) (scanResult, error) {
	attempts := 1
	if !stable {
		attempts = 2
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(o.cfg.PollInterval):
			case <-ctx.Done():
				return scanResult{}, ctx.Err()
			}
			o.logger.Debug("Retrying element scan.", zap.Error(err))
		}
		var res scanResult
		err = o.scanOnce(ctx, &res)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !transient(err) {
			return scanResult{}, err
		}
	}
	return scanResult{}, err
}

func (o *Observer) scanOnce(ctx context.Context, out *scanResult) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StabilityTimeout)
	defer cancel()
	return jsexec.Evaluate(ctx, o.script, out)
}

// transient reports errors a page in the middle of loading produces: the
// execution context was torn down, or the evaluation went unanswered.
func transient(err error) bool {
	if session.IsConnectionError(err) || errors.Is(err, session.ErrClosed) {
		return false
	}
	return session.IsProtocolError(err) || errors.Is(err, session.ErrTimeout)
}
