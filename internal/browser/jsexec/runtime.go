// internal/browser/jsexec/runtime.go
package jsexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"

	"github.com/xkilldash9x/browserpilot/internal/browser/session"
)

var errNoValue = errors.New("evaluation returned no value")

// DefaultTimeout is the fallback evaluation timeout if the context has no deadline.
const DefaultTimeout = 30 * time.Second

// Evaluate runs expression in the page's main world and decodes its JSON
// value into out. ctx must carry a cdp executor (see session.WithExecutor).
// Promises are awaited. A script exception is reported as a ProtocolError.
func Evaluate(ctx context.Context, expression string, out any) error {
	// A safeguard so a page that never settles a promise cannot hold the caller forever.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	res, exc, err := runtime.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		WithSilent(true).
		Do(ctx)
	if err != nil {
		return err
	}
	if exc != nil {
		return &session.ProtocolError{Method: runtime.CommandEvaluate, Err: fmt.Errorf("javascript exception: %w", exc)}
	}
	if out == nil {
		return nil
	}
	if res == nil || len(res.Value) == 0 {
		return &session.ProtocolError{Method: runtime.CommandEvaluate, Err: errNoValue}
	}
	if err := jsonv2.Unmarshal(res.Value, out, chromedp.DefaultUnmarshalOptions); err != nil {
		return &session.ProtocolError{Method: runtime.CommandEvaluate, Err: fmt.Errorf("decode evaluation result: %w", err)}
	}
	return nil
}
