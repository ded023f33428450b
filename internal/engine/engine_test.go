// internal/engine/engine_test.go
package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser/cdptest"
	"github.com/xkilldash9x/browserpilot/internal/browser/executor"
	"github.com/xkilldash9x/browserpilot/internal/browser/observer"
	"github.com/xkilldash9x/browserpilot/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	browser   *cdptest.Browser
	page      *cdptest.Page
	transport *cdptest.Transport
	engine    *engine.Engine
}

func newFixture(t *testing.T, cfg engine.Config, opts ...engine.Option) *fixture {
	t.Helper()
	b := cdptest.NewBrowser()
	p := cdptest.NewPage()
	p.Install(b)
	s, tr := cdptest.NewSession(t, b)

	opts = append([]engine.Option{engine.WithLogger(zaptest.NewLogger(t))}, opts...)
	eng, err := engine.New(context.Background(), s, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return &fixture{browser: b, page: p, transport: tr, engine: eng}
}

// twoElementForm is a page with a button and a text box.
func twoElementForm() cdptest.Document {
	return cdptest.Document{
		Title: "Form",
		Elements: []cdptest.Element{
			cdptest.Button("Go", 10, 100),
			cdptest.TextInput("q", 10, 140),
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("enables page events and emulates the viewport", func(t *testing.T) {
		f := newFixture(t, engine.Config{Viewport: schemas.Viewport{Width: 1024, Height: 768}})

		assert.Equal(t, 1, f.browser.Count(cdproto.CommandPageEnable))
		require.Equal(t, 1, f.browser.Count(cdproto.CommandEmulationSetDeviceMetricsOverride))

		var params struct {
			Width  int64 `json:"width"`
			Height int64 `json:"height"`
		}
		for _, c := range f.browser.Calls() {
			if c.Method == cdproto.CommandEmulationSetDeviceMetricsOverride {
				require.NoError(t, c.Decode(&params))
			}
		}
		assert.Equal(t, int64(1024), params.Width)
		assert.Equal(t, int64(768), params.Height)
	})

	t.Run("leaves the viewport alone when unset", func(t *testing.T) {
		f := newFixture(t, engine.Config{})
		assert.Zero(t, f.browser.Count(cdproto.CommandEmulationSetDeviceMetricsOverride))
	})

	t.Run("fails when the page cannot be prepared", func(t *testing.T) {
		b := cdptest.NewBrowser()
		cdptest.NewPage().Install(b)
		b.Handle(cdproto.CommandPageEnable, func(*cdptest.Call) (any, error) {
			return nil, &cdproto.Error{Code: -32000, Message: "target crashed"}
		})
		s, _ := cdptest.NewSession(t, b)

		eng, err := engine.New(context.Background(), s, engine.Config{})
		require.Error(t, err)
		assert.Nil(t, eng)
		assert.Contains(t, err.Error(), "failed to enable page events")
	})
}

func TestScenario_EmptyPage(t *testing.T) {
	f := newFixture(t, engine.Config{})

	snap, err := f.engine.Observe(context.Background(), observer.Options{})
	require.NoError(t, err)
	require.NotNil(t, snap.Elements)
	assert.Empty(t, snap.Elements)
	assert.Equal(t, "about:blank", snap.URL)
	assert.False(t, snap.PartiallyLoaded)
	assert.Same(t, snap, f.engine.Current())
}

func TestScenario_StaleIndex(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.page.SetDocument(twoElementForm())

	snap, err := f.engine.Observe(context.Background(), observer.Options{})
	require.NoError(t, err)
	require.Len(t, snap.Elements, 2)

	writes := f.transport.Writes()
	entry := f.engine.Execute(context.Background(), schemas.Click(3))

	assert.False(t, entry.Result.Success)
	assert.Equal(t, schemas.ErrKindStaleElement, entry.Result.ErrorKind)
	assert.Equal(t, snap.ID, entry.SnapshotID)
	assert.Equal(t, writes, f.transport.Writes(), "a stale index must not reach the browser")
}

func TestScenario_NavigateThenObserve(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.page.Routes["https://example.test"] = twoElementForm()
	ctx := context.Background()

	_, err := f.engine.Observe(ctx, observer.Options{})
	require.NoError(t, err)

	entry := f.engine.Execute(ctx, schemas.Navigate("https://example.test"))
	require.True(t, entry.Result.Success, entry.Result.Error)
	assert.Nil(t, f.engine.Current(), "navigation retires the previous snapshot")

	// Indexes from before the navigation cannot be used until the page is observed again.
	stale := f.engine.Execute(ctx, schemas.Click(0))
	assert.Equal(t, schemas.ErrKindStaleElement, stale.Result.ErrorKind)

	snap, err := f.engine.Observe(ctx, observer.Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", snap.URL)
	assert.Equal(t, "Form", snap.Title)
	assert.Len(t, snap.Elements, 2)
}

func TestExecute_NavigateRetiresSnapshot(t *testing.T) {
	t.Run("a load timeout still retires the old indexes", func(t *testing.T) {
		f := newFixture(t, engine.Config{Executor: executor.Config{NavigationTimeout: 100 * time.Millisecond}})
		f.page.SetDocument(twoElementForm())
		f.page.StallLoad = true
		ctx := context.Background()

		_, err := f.engine.Observe(ctx, observer.Options{})
		require.NoError(t, err)

		entry := f.engine.Execute(ctx, schemas.Navigate("https://slow.test/"))
		assert.Equal(t, schemas.ErrKindNavigationTimeout, entry.Result.ErrorKind)
		assert.Equal(t, "https://slow.test/", f.page.CurrentURL())
		assert.Nil(t, f.engine.Current())

		writes := f.transport.Writes()
		click := f.engine.Execute(ctx, schemas.Click(0))
		assert.Equal(t, schemas.ErrKindStaleElement, click.Result.ErrorKind)
		assert.Equal(t, writes, f.transport.Writes())
	})

	t.Run("a refused navigation keeps the snapshot", func(t *testing.T) {
		f := newFixture(t, engine.Config{})
		f.page.SetDocument(twoElementForm())
		f.page.NavigateErrorText = "net::ERR_NAME_NOT_RESOLVED"
		ctx := context.Background()

		snap, err := f.engine.Observe(ctx, observer.Options{})
		require.NoError(t, err)

		entry := f.engine.Execute(ctx, schemas.Navigate("https://nowhere.invalid/"))
		assert.Equal(t, schemas.ErrKindProtocol, entry.Result.ErrorKind)
		assert.Same(t, snap, f.engine.Current())
	})

	t.Run("rejected parameters keep the snapshot", func(t *testing.T) {
		f := newFixture(t, engine.Config{})
		ctx := context.Background()

		snap, err := f.engine.Observe(ctx, observer.Options{})
		require.NoError(t, err)

		entry := f.engine.Execute(ctx, schemas.Navigate("/relative"))
		assert.Equal(t, schemas.ErrKindInvalidParameters, entry.Result.ErrorKind)
		assert.Same(t, snap, f.engine.Current())
	})
}

func TestExecute_PointerParamsRecordedAsValues(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.page.SetDocument(twoElementForm())
	ctx := context.Background()

	_, err := f.engine.Observe(ctx, observer.Options{})
	require.NoError(t, err)

	index := 0
	entry := f.engine.Execute(ctx, schemas.ActionRequest{Action: schemas.ActionClick, Params: &schemas.ClickParams{Index: &index}})
	require.True(t, entry.Result.Success, entry.Result.Error)
	assert.IsType(t, schemas.ClickParams{}, entry.Request.Params)
}

func TestScenario_ClickTypeDone(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.page.SetDocument(twoElementForm())
	ctx := context.Background()

	_, err := f.engine.Observe(ctx, observer.Options{})
	require.NoError(t, err)

	f.engine.Execute(ctx, schemas.Click(0))
	f.engine.Execute(ctx, schemas.InputText(1, "hello"))
	f.engine.Execute(ctx, schemas.Done("ok"))

	entries := f.engine.History().Summary(0)
	require.Len(t, entries, 3)
	assert.Equal(t, schemas.ActionClick, entries[0].Request.Action)
	assert.Equal(t, schemas.ActionInputText, entries[1].Request.Action)
	assert.Equal(t, schemas.ActionDone, entries[2].Request.Action)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Step)
		assert.True(t, e.Result.Success, e.Result.Error)
	}
	assert.Equal(t, "ok", entries[2].Result.Payload)
	assert.True(t, entries[2].Result.Done)
	assert.Equal(t, []string{"hello"}, f.page.TypedText())
}

type recordingSink struct {
	mu      sync.Mutex
	entries []schemas.HistoryEntry
}

func (s *recordingSink) Persist(_ context.Context, e schemas.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func TestExecute_ForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, engine.Config{}, engine.WithSink(sink))

	f.engine.Execute(context.Background(), schemas.Done("finished"))

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "finished", sink.entries[0].Result.Payload)
}

func TestClose(t *testing.T) {
	closed := 0
	f := newFixture(t, engine.Config{}, engine.WithCloser(func() error {
		closed++
		return nil
	}))

	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close(), "Close is idempotent")
	assert.Equal(t, 1, closed)

	_, err := f.engine.Observe(context.Background(), observer.Options{})
	assert.ErrorIs(t, err, engine.ErrClosed)

	entry := f.engine.Execute(context.Background(), schemas.Done(nil))
	assert.False(t, entry.Result.Success)
	assert.Equal(t, schemas.ErrKindConnection, entry.Result.ErrorKind)

	select {
	case <-f.engine.Done():
	case <-time.After(time.Second):
		t.Fatal("session still open after Close")
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("stops on done", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 10})
		f.page.SetDocument(twoElementForm())

		res, err := f.engine.Run(ctx, engine.NewScriptDecider(
			schemas.Click(0),
			schemas.InputText(1, "query"),
			schemas.Done("ok"),
		), "search")

		require.NoError(t, err)
		assert.True(t, res.Done())
		assert.Equal(t, 3, res.Steps)
		require.NotNil(t, res.Last)
		assert.Equal(t, "ok", res.Last.Payload)
		assert.Equal(t, 3, f.engine.History().Len())
		assert.Equal(t, []string{"query"}, f.page.TypedText())
	})

	t.Run("keeps going after a failed action", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 10})
		f.page.SetDocument(twoElementForm())

		var seen []*schemas.ActionResult
		decider := engine.DeciderFunc(func(_ context.Context, in engine.DecisionInput) (schemas.ActionRequest, error) {
			seen = append(seen, in.LastResult)
			if in.Step == 1 {
				return schemas.Click(7), nil
			}
			return schemas.Done(in.LastResult.ErrorKind), nil
		})

		res, err := f.engine.Run(ctx, decider, "recover")
		require.NoError(t, err)
		assert.True(t, res.Done())
		require.Len(t, seen, 2)
		assert.Nil(t, seen[0])
		assert.Equal(t, schemas.ErrKindStaleElement, seen[1].ErrorKind)
		assert.Equal(t, schemas.ErrKindStaleElement, res.Last.Payload)
	})

	t.Run("hands the decider a bounded history", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 10, HistoryWindow: 2})

		var lengths []int
		decider := engine.DeciderFunc(func(_ context.Context, in engine.DecisionInput) (schemas.ActionRequest, error) {
			lengths = append(lengths, len(in.History))
			if in.Step == 4 {
				return schemas.Done(nil), nil
			}
			return schemas.Scroll("down", 100), nil
		})

		_, err := f.engine.Run(ctx, decider, "scroll")
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 2}, lengths)
	})

	t.Run("stops at the step limit", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 3})
		decider := engine.DeciderFunc(func(context.Context, engine.DecisionInput) (schemas.ActionRequest, error) {
			return schemas.Scroll("down", 0), nil
		})

		res, err := f.engine.Run(ctx, decider, "endless")
		require.ErrorIs(t, err, engine.ErrMaxSteps)
		assert.Equal(t, engine.StopMaxSteps, res.Reason)
		assert.Equal(t, 3, res.Steps)
		assert.False(t, res.Done())
	})

	t.Run("stops when the script runs out", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 10})

		res, err := f.engine.Run(ctx, engine.NewScriptDecider(schemas.Scroll("down", 0)), "short")
		require.NoError(t, err)
		assert.Equal(t, engine.StopScriptExhausted, res.Reason)
		assert.Equal(t, 1, res.Steps)
	})

	t.Run("surfaces decider failures", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 10})
		boom := errors.New("planner unavailable")
		decider := engine.DeciderFunc(func(context.Context, engine.DecisionInput) (schemas.ActionRequest, error) {
			return schemas.ActionRequest{}, boom
		})

		res, err := f.engine.Run(ctx, decider, "broken")
		require.ErrorIs(t, err, boom)
		assert.Equal(t, engine.StopError, res.Reason)
		assert.Zero(t, res.Steps)
	})

	t.Run("stops when the session is lost", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 10})
		decider := engine.DeciderFunc(func(_ context.Context, in engine.DecisionInput) (schemas.ActionRequest, error) {
			if in.Step == 2 {
				f.transport.Drop()
			}
			return schemas.Scroll("down", 0), nil
		})

		res, err := f.engine.Run(ctx, decider, "fragile")
		require.ErrorIs(t, err, engine.ErrSessionLost)
		assert.Equal(t, engine.StopSessionLost, res.Reason)
		assert.LessOrEqual(t, res.Steps, 2)
	})

	t.Run("paces steps", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 3, StepsPerSecond: 20})
		decider := engine.NewScriptDecider(schemas.Scroll("down", 0), schemas.Scroll("down", 0), schemas.Done(nil))

		start := time.Now()
		res, err := f.engine.Run(ctx, decider, "paced")
		require.NoError(t, err)
		assert.True(t, res.Done())
		// Burst of one: the first step is free, the next two wait ~50ms each.
		assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	})

	t.Run("refuses to run without a step limit", func(t *testing.T) {
		f := newFixture(t, engine.Config{})
		decider := engine.DeciderFunc(func(context.Context, engine.DecisionInput) (schemas.ActionRequest, error) {
			t.Fatal("the decider must not be consulted")
			return schemas.ActionRequest{}, nil
		})

		res, err := f.engine.Run(ctx, decider, "unbounded")
		require.ErrorIs(t, err, engine.ErrNoStepLimit)
		assert.Equal(t, engine.StopError, res.Reason)
		assert.Zero(t, res.Steps)
		assert.Zero(t, f.engine.History().Len())
	})

	t.Run("honours cancellation", func(t *testing.T) {
		f := newFixture(t, engine.Config{MaxSteps: 10})
		cctx, cancel := context.WithCancel(ctx)
		decider := engine.DeciderFunc(func(_ context.Context, in engine.DecisionInput) (schemas.ActionRequest, error) {
			cancel()
			return schemas.ActionRequest{}, context.Canceled
		})

		res, err := f.engine.Run(cctx, decider, "cancelled")
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, engine.StopError, res.Reason)
	})
}

func TestScriptDecider(t *testing.T) {
	d := engine.NewScriptDecider(schemas.Click(0), schemas.Done("x"))
	ctx := context.Background()

	r1, err := d.Decide(ctx, engine.DecisionInput{})
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionClick, r1.Action)

	r2, err := d.Decide(ctx, engine.DecisionInput{})
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionDone, r2.Action)

	_, err = d.Decide(ctx, engine.DecisionInput{})
	assert.ErrorIs(t, err, engine.ErrScriptExhausted)
}
