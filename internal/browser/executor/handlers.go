// internal/browser/executor/handlers.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser/session"
)

func (e *Executor) navigate(ctx context.Context, inv invocation) (schemas.ActionResult, error) {
	p := inv.params.(schemas.NavigateParams)

	// Subscribe first so a fast load cannot slip in between the call and the wait.
	loads, unsubscribe := e.conn.Subscribe(cdproto.EventPageLoadEventFired)
	defer unsubscribe()

	_, loaderID, errorText, _, err := page.Navigate(p.URL).Do(ctx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	if errorText != "" {
		return schemas.ActionResult{}, &session.ProtocolError{Method: page.CommandNavigate, Message: errorText}
	}
	// Same-document navigations (fragment changes) never fire a load event.
	if loaderID == "" {
		return schemas.NewSuccessResult(fmt.Sprintf("navigated within the document to %s", p.URL), nil), nil
	}

	timer := time.NewTimer(e.cfg.NavigationTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-loads:
		if !ok {
			return schemas.ActionResult{}, e.conn.Err()
		}
		return schemas.NewSuccessResult(fmt.Sprintf("navigated to %s", p.URL), nil), nil
	case <-timer.C:
		return schemas.ActionResult{}, fmt.Errorf("%w: %s did not load within %v", ErrNavigationTimeout, p.URL, e.cfg.NavigationTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return schemas.ActionResult{}, fmt.Errorf("%w: %s: %w", ErrNavigationTimeout, p.URL, ctx.Err())
		}
		return schemas.ActionResult{}, ctx.Err()
	}
}

func (e *Executor) click(ctx context.Context, inv invocation) (schemas.ActionResult, error) {
	if err := clickElement(ctx, inv.target); err != nil {
		return schemas.ActionResult{}, err
	}
	return schemas.NewSuccessResult(fmt.Sprintf("clicked %s", inv.target), nil), nil
}

func clickElement(ctx context.Context, el schemas.InteractiveElement) error {
	x, y := el.Bounds.Center()
	if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx); err != nil {
		return err
	}
	if err := input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
		return err
	}
	return input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1).Do(ctx)
}

func (e *Executor) inputText(ctx context.Context, inv invocation) (schemas.ActionResult, error) {
	p := inv.params.(schemas.InputTextParams)

	if err := clickElement(ctx, inv.target); err != nil {
		return schemas.ActionResult{}, err
	}
	if p.Clear {
		selectAll := []schemas.KeyStroke{
			{Key: "a", Modifiers: selectAllModifier()},
			{Key: "Backspace"},
		}
		for _, k := range selectAll {
			if err := dispatchStroke(ctx, k); err != nil {
				return schemas.ActionResult{}, err
			}
		}
	}
	if p.Text != "" {
		if err := input.InsertText(p.Text).Do(ctx); err != nil {
			return schemas.ActionResult{}, err
		}
	}
	return schemas.NewSuccessResult(fmt.Sprintf("typed %d characters into %s", utf8.RuneCountInString(p.Text), inv.target), nil), nil
}

// selectAllModifier is the platform's select-all chord modifier.
func selectAllModifier() schemas.KeyModifier {
	if runtime.GOOS == "darwin" {
		return schemas.ModMeta
	}
	return schemas.ModCtrl
}

func (e *Executor) sendKeys(ctx context.Context, inv invocation) (schemas.ActionResult, error) {
	p := inv.params.(schemas.SendKeysParams)
	strokes, err := schemas.ParseKeys(p.Keys)
	if err != nil {
		return schemas.ActionResult{}, fmt.Errorf("%w: %v", schemas.ErrInvalidParameters, err)
	}
	for _, k := range strokes {
		if err := dispatchStroke(ctx, k); err != nil {
			return schemas.ActionResult{}, err
		}
	}
	return schemas.NewSuccessResult(fmt.Sprintf("sent keys %q", p.Keys), nil), nil
}

// namedKeyRunes maps send_keys key names onto chromedp's kb table.
var namedKeyRunes = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"Space":      " ",
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

// dispatchStroke sends the keyDown/char/keyUp sequence for one stroke. Chords
// with Control, Alt or Meta held are shortcuts, so they produce no char event.
func dispatchStroke(ctx context.Context, k schemas.KeyStroke) error {
	key := k.Key
	if r, ok := namedKeyRunes[key]; ok {
		key = r
	}
	r, _ := utf8.DecodeRuneInString(key)
	mods := input.Modifier(k.Modifiers)
	shortcut := k.Modifiers&(schemas.ModCtrl|schemas.ModAlt|schemas.ModMeta) != 0

	for _, ev := range kb.Encode(r) {
		if shortcut && ev.Type == input.KeyChar {
			continue
		}
		ev.Modifiers |= mods
		if err := ev.Do(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) scroll(ctx context.Context, inv invocation) (schemas.ActionResult, error) {
	p := inv.params.(schemas.ScrollParams)

	x, y := float64(DefaultScrollAmount)/2, float64(DefaultScrollAmount)/2
	amount := p.Amount
	if vp := viewportOf(inv.snapshot); vp.Width > 0 && vp.Height > 0 {
		x, y = float64(vp.Width)/2, float64(vp.Height)/2
		if amount == 0 {
			amount = vp.Height
		}
	}
	if amount == 0 {
		amount = DefaultScrollAmount
	}
	delta := float64(amount)
	if p.Direction == schemas.ScrollUp {
		delta = -delta
	}

	if err := input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(0).WithDeltaY(delta).Do(ctx); err != nil {
		return schemas.ActionResult{}, err
	}
	return schemas.NewSuccessResult(fmt.Sprintf("scrolled %s by %d pixels", p.Direction, amount), nil), nil
}

func viewportOf(s *schemas.PageSnapshot) schemas.Viewport {
	if s == nil {
		return schemas.Viewport{}
	}
	return s.Viewport
}

func (e *Executor) screenshot(ctx context.Context, inv invocation) (schemas.ActionResult, error) {
	if inv.snapshot != nil && len(inv.snapshot.Screenshot) > 0 {
		return schemas.NewSuccessResult("returned the screenshot from the current snapshot", inv.snapshot.Screenshot), nil
	}
	shot, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	e.logger.Debug("Captured screenshot.", zap.Int("bytes", len(shot)))
	return schemas.NewSuccessResult("captured a screenshot", shot), nil
}

func (e *Executor) done(_ context.Context, inv invocation) (schemas.ActionResult, error) {
	p := inv.params.(schemas.DoneParams)
	desc := "task finished"
	if p.Success != nil {
		if *p.Success {
			desc = "task finished successfully"
		} else {
			desc = "task finished unsuccessfully"
		}
	}
	res := schemas.NewSuccessResult(desc, p.Result)
	res.Done = true
	return res, nil
}
