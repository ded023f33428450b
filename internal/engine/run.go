// internal/engine/run.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser/session"
)

var (
	// ErrSessionLost stops a run when the protocol connection goes away.
	ErrSessionLost = errors.New("browser session lost")
	// ErrMaxSteps stops a run that never reached a done action.
	ErrMaxSteps = errors.New("step limit reached before the task was done")
	// ErrNoStepLimit rejects a Run on an engine configured without a positive MaxSteps.
	ErrNoStepLimit = errors.New("engine MaxSteps must be positive")
	// ErrScriptExhausted is returned by a ScriptDecider with no requests left.
	ErrScriptExhausted = errors.New("script has no more actions")
)

// DecisionInput is everything a Decider sees before choosing the next action.
type DecisionInput struct {
	Task string
	// Step is the 1-based number of the step being decided.
	Step     int
	Snapshot *schemas.PageSnapshot
	// LastResult is nil on the first step.
	LastResult *schemas.ActionResult
	History    []schemas.HistoryEntry
}

// Decider chooses the next action. It is the seam to the planner.
type Decider interface {
	Decide(ctx context.Context, in DecisionInput) (schemas.ActionRequest, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, in DecisionInput) (schemas.ActionRequest, error)

func (f DeciderFunc) Decide(ctx context.Context, in DecisionInput) (schemas.ActionRequest, error) {
	return f(ctx, in)
}

// ScriptDecider replays a fixed list of requests in order, ignoring the page.
type ScriptDecider struct {
	mu       sync.Mutex
	requests []schemas.ActionRequest
	next     int
}

// NewScriptDecider returns a decider that replays requests.
func NewScriptDecider(requests ...schemas.ActionRequest) *ScriptDecider {
	return &ScriptDecider{requests: append([]schemas.ActionRequest(nil), requests...)}
}

// Decide returns the next scripted request, or ErrScriptExhausted.
func (s *ScriptDecider) Decide(context.Context, DecisionInput) (schemas.ActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.requests) {
		return schemas.ActionRequest{}, ErrScriptExhausted
	}
	req := s.requests[s.next]
	s.next++
	return req, nil
}

// StopReason says why a run ended.
type StopReason string

const (
	StopDone            StopReason = "done"
	StopMaxSteps        StopReason = "max_steps"
	StopScriptExhausted StopReason = "script_exhausted"
	StopSessionLost     StopReason = "session_lost"
	StopError           StopReason = "error"
)

// RunResult summarizes a finished run.
type RunResult struct {
	Steps  int
	Reason StopReason
	// Last is the result of the final executed action, if any.
	Last *schemas.ActionResult
}

// Done reports whether the run ended on a done action.
func (r RunResult) Done() bool { return r.Reason == StopDone }

// Run drives observe, decide, execute until the decider says done, the step
// limit is hit, or the session is lost. Failed actions do not stop the run;
// the decider sees them in LastResult and decides what to do next.
func (e *Engine) Run(ctx context.Context, decider Decider, task string) (RunResult, error) {
	maxSteps := e.cfg.MaxSteps
	if maxSteps <= 0 {
		return RunResult{Reason: StopError}, fmt.Errorf("%w, got %d", ErrNoStepLimit, maxSteps)
	}
	var limiter *rate.Limiter
	if e.cfg.StepsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.StepsPerSecond), 1)
	}

	logger := e.logger.With(zap.String("task", task))
	logger.Info("Run started.", zap.Int("max_steps", maxSteps))

	var result RunResult
	stepsDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(stepsDone)
		return e.loop(gctx, decider, task, maxSteps, limiter, &result)
	})
	// Abort a step blocked on the browser as soon as the session drops.
	g.Go(func() error {
		select {
		case <-e.sess.Done():
			return e.sessionLost()
		case <-stepsDone:
			return nil
		}
	})

	err := g.Wait()
	switch {
	case errors.Is(err, ErrSessionLost):
		result.Reason = StopSessionLost
	case errors.Is(err, ErrMaxSteps):
		result.Reason = StopMaxSteps
	case err != nil:
		result.Reason = StopError
	}

	fields := []zap.Field{zap.Int("steps", result.Steps), zap.String("reason", string(result.Reason))}
	if err != nil {
		logger.Warn("Run stopped.", append(fields, zap.Error(err))...)
	} else {
		logger.Info("Run finished.", fields...)
	}
	return result, err
}

func (e *Engine) loop(ctx context.Context, decider Decider, task string, maxSteps int, limiter *rate.Limiter, result *RunResult) error {
	for step := 1; step <= maxSteps; step++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return e.interrupted(ctx, err)
			}
		}

		entry, stop, err := e.step(ctx, decider, task, step, result.Last)
		if err != nil {
			return err
		}
		if stop != "" {
			result.Reason = stop
			return nil
		}

		res := entry.Result
		result.Steps = step
		result.Last = &res

		switch {
		case res.Done:
			result.Reason = StopDone
			return nil
		case res.ErrorKind == schemas.ErrKindConnection:
			return fmt.Errorf("%w at step %d: %s", ErrSessionLost, step, res.Error)
		}
	}
	return fmt.Errorf("%w (%d steps)", ErrMaxSteps, maxSteps)
}

// step runs one observe/decide/execute cycle under the engine lock.
func (e *Engine) step(ctx context.Context, decider Decider, task string, n int, last *schemas.ActionResult) (schemas.HistoryEntry, StopReason, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return schemas.HistoryEntry{}, "", ErrClosed
	}

	snap, err := e.observe(ctx, e.cfg.Observe)
	if err != nil {
		if session.IsConnectionError(err) || errors.Is(err, session.ErrClosed) {
			return schemas.HistoryEntry{}, "", fmt.Errorf("%w: observe at step %d: %w", ErrSessionLost, n, err)
		}
		return schemas.HistoryEntry{}, "", e.interrupted(ctx, fmt.Errorf("observe at step %d: %w", n, err))
	}

	req, err := decider.Decide(ctx, DecisionInput{
		Task:       task,
		Step:       n,
		Snapshot:   snap,
		LastResult: last,
		History:    e.history.Summary(e.cfg.HistoryWindow),
	})
	if errors.Is(err, ErrScriptExhausted) {
		return schemas.HistoryEntry{}, StopScriptExhausted, nil
	}
	if err != nil {
		return schemas.HistoryEntry{}, "", e.interrupted(ctx, fmt.Errorf("decide at step %d: %w", n, err))
	}

	entry := e.execute(ctx, req)
	e.logger.Debug("Step executed.",
		zap.Int("step", n),
		zap.String("action", string(req.Action)),
		zap.Bool("success", entry.Result.Success),
		zap.String("error_kind", string(entry.Result.ErrorKind)),
	)
	return entry, "", nil
}

// interrupted prefers the session-loss explanation when the watcher cancelled ctx.
func (e *Engine) interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		select {
		case <-e.sess.Done():
			return e.sessionLost()
		default:
		}
	}
	return err
}

func (e *Engine) sessionLost() error {
	if cause := e.sess.Err(); cause != nil {
		return fmt.Errorf("%w: %w", ErrSessionLost, cause)
	}
	return ErrSessionLost
}
