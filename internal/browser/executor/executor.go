// internal/browser/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser"
	"github.com/xkilldash9x/browserpilot/internal/browser/session"
)

const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultMaxExtractChars   = 20000
	// DefaultScrollAmount is used when neither the request nor the snapshot gives a distance.
	DefaultScrollAmount = 600
)

var (
	// ErrNavigationTimeout means navigation was dispatched but the page never reported a load.
	ErrNavigationTimeout = errors.New("navigation did not complete in time")
	// ErrStaleElement means an index does not exist in the snapshot it was checked against.
	ErrStaleElement = errors.New("stale element reference")
	// ErrExtractionFailed wraps every failure reported by an Extractor.
	ErrExtractionFailed = errors.New("extraction failed")
)

// StaleElementError reports an index that the current snapshot cannot resolve.
type StaleElementError struct {
	Index      int
	Available  int
	SnapshotID string
}

func (e *StaleElementError) Error() string {
	if e.SnapshotID == "" {
		return fmt.Sprintf("element %d cannot be resolved: no page has been observed", e.Index)
	}
	return fmt.Sprintf("element %d not found in snapshot %s (%d elements)", e.Index, e.SnapshotID, e.Available)
}

func (e *StaleElementError) Unwrap() error { return ErrStaleElement }

// Config holds the executor's bounds.
type Config struct {
	NavigationTimeout time.Duration
	// MaxExtractChars truncates the page text handed back when no Extractor is configured.
	MaxExtractChars int
}

// Option configures an Executor.
type Option func(*Executor)

// WithExtractor sets the collaborator that answers extract queries.
func WithExtractor(x Extractor) Option {
	return func(e *Executor) { e.extractor = x }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// invocation is everything a handler needs for one request. target is only
// set for index-based actions.
type invocation struct {
	params   schemas.ActionParams
	snapshot *schemas.PageSnapshot
	target   schemas.InteractiveElement
}

type handlerFunc func(ctx context.Context, inv invocation) (schemas.ActionResult, error)

// Executor translates ActionRequests into protocol traffic. It never retries:
// each request produces at most one attempt and exactly one result.
type Executor struct {
	conn      browser.Conn
	cfg       Config
	extractor Extractor
	logger    *zap.Logger
	handlers  map[schemas.ActionType]handlerFunc
}

// New creates an executor over conn.
func New(conn browser.Conn, cfg Config, opts ...Option) *Executor {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.MaxExtractChars <= 0 {
		cfg.MaxExtractChars = DefaultMaxExtractChars
	}
	e := &Executor{
		conn:   conn,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("executor")

	e.handlers = map[schemas.ActionType]handlerFunc{
		schemas.ActionNavigate:   e.navigate,
		schemas.ActionClick:      e.click,
		schemas.ActionInputText:  e.inputText,
		schemas.ActionSendKeys:   e.sendKeys,
		schemas.ActionScroll:     e.scroll,
		schemas.ActionExtract:    e.extract,
		schemas.ActionScreenshot: e.screenshot,
		schemas.ActionDone:       e.done,
	}
	return e
}

// Execute performs req against the page described by current. Index-based
// actions are resolved against current only; the live page is not re-read.
// Validation and index failures are reported before any traffic is sent.
func (e *Executor) Execute(ctx context.Context, req schemas.ActionRequest, current *schemas.PageSnapshot) schemas.ActionResult {
	start := time.Now()
	res := e.execute(ctx, req, current)
	res.Duration = time.Since(start)

	fields := []zap.Field{
		zap.String("action", req.Action.String()),
		zap.Bool("success", res.Success),
		zap.Duration("duration", res.Duration),
	}
	if current != nil {
		fields = append(fields, zap.String("snapshot_id", current.ID))
	}
	if res.Success {
		e.logger.Debug("Action executed.", fields...)
	} else {
		fields = append(fields, zap.String("error_kind", res.ErrorKind.String()), zap.String("error", res.Error))
		e.logger.Info("Action failed.", fields...)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, req schemas.ActionRequest, current *schemas.PageSnapshot) schemas.ActionResult {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return schemas.NewFailureResult(schemas.ErrKindInvalidParameters, fmt.Sprintf("rejected %s request", req.Action), err)
	}

	inv := invocation{params: req.Params, snapshot: current}
	if index, ok := targetIndex(req.Params); ok {
		el, found := current.Element(index)
		if !found {
			err := &StaleElementError{Index: index}
			if current != nil {
				err.SnapshotID, err.Available = current.ID, len(current.Elements)
			}
			return schemas.NewFailureResult(schemas.ErrKindStaleElement, fmt.Sprintf("cannot %s element %d", req.Action, index), err)
		}
		inv.target = el
	}

	handler, ok := e.handlers[req.Action]
	if !ok {
		// Validate rejects unknown actions, so this is a registry gap.
		return schemas.NewFailureResult(schemas.ErrKindInvalidParameters, fmt.Sprintf("no handler for %s", req.Action), nil)
	}

	res, err := handler(e.conn.WithExecutor(ctx), inv)
	if err != nil {
		return schemas.NewFailureResult(Classify(err), fmt.Sprintf("%s failed", req.Action), err)
	}
	return res
}

func targetIndex(p schemas.ActionParams) (int, bool) {
	switch v := p.(type) {
	case schemas.ClickParams:
		return *v.Index, true
	case schemas.InputTextParams:
		return *v.Index, true
	}
	return 0, false
}

// Classify maps an error from a handler, the session, or the observer to the
// result taxonomy.
func Classify(err error) schemas.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, schemas.ErrInvalidParameters):
		return schemas.ErrKindInvalidParameters
	case errors.Is(err, ErrStaleElement):
		return schemas.ErrKindStaleElement
	case errors.Is(err, ErrNavigationTimeout):
		return schemas.ErrKindNavigationTimeout
	case errors.Is(err, ErrExtractionFailed):
		return schemas.ErrKindExtraction
	case session.IsConnectionError(err), errors.Is(err, session.ErrClosed):
		return schemas.ErrKindConnection
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrKindTimeout
	case session.IsProtocolError(err):
		return schemas.ErrKindProtocol
	case errors.Is(err, context.Canceled):
		return schemas.ErrKindTimeout
	default:
		return schemas.ErrKindProtocol
	}
}
