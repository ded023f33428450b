// internal/browser/session/session_test.go
package session_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/internal/browser/cdptest"
	"github.com/xkilldash9x/browserpilot/internal/browser/session"
)

type echoParams struct {
	Value string `json:"value"`
}

// newTestSession connects a session to an in-memory fake browser.
func newTestSession(t *testing.T, b *cdptest.Browser, opts ...session.Option) (*session.Session, *cdptest.Transport) {
	t.Helper()
	tr := cdptest.NewTransport(b)
	opts = append([]session.Option{
		session.WithTransport(tr),
		session.WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	s, err := session.Connect(context.Background(), "ws://fake/devtools/page/T1", opts...)
	require.NoError(t, err)
	return s, tr
}

func TestSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	b.Handle("Test.echo", func(c *cdptest.Call) (any, error) {
		var p echoParams
		if err := c.Decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	})
	s, _ := newTestSession(t, b)
	defer s.Close()

	t.Run("should resolve the call with the correlated result", func(t *testing.T) {
		res, err := s.Send(context.Background(), "Test.echo", echoParams{Value: "hello"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":"hello"}`, string(res))
		assert.Equal(t, 0, s.Pending())
	})

	t.Run("should assign increasing ids", func(t *testing.T) {
		b.ResetCalls()
		for i := 0; i < 3; i++ {
			_, err := s.Send(context.Background(), "Test.echo", echoParams{})
			require.NoError(t, err)
		}
		calls := b.Calls()
		require.Len(t, calls, 3)
		assert.Less(t, calls[0].ID, calls[1].ID)
		assert.Less(t, calls[1].ID, calls[2].ID)
	})

	t.Run("should surface unknown methods as protocol errors", func(t *testing.T) {
		_, err := s.Send(context.Background(), "Nope.nothing", nil)
		require.Error(t, err)
		var pe *session.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, int64(-32601), pe.Code)
		assert.Equal(t, "Nope.nothing", pe.Method)
	})

	t.Run("should report the target id from the endpoint", func(t *testing.T) {
		assert.Equal(t, "T1", s.TargetID())
	})
}

func TestSend_ProtocolError(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	b.Handle("DOM.focus", func(*cdptest.Call) (any, error) {
		return nil, &cdproto.Error{Code: -32000, Message: "Element is not focusable"}
	})
	s, _ := newTestSession(t, b)
	defer s.Close()

	_, err := s.Send(context.Background(), "DOM.focus", nil)
	require.Error(t, err)
	assert.True(t, session.IsProtocolError(err))
	assert.False(t, session.IsConnectionError(err))
	assert.Contains(t, err.Error(), "Element is not focusable")

	// The session is still usable after a rejected call.
	require.Nil(t, s.Err())
}

func TestSend_OutOfOrderResponses(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	b.Handle("Test.slow", func(*cdptest.Call) (any, error) { return nil, cdptest.ErrNoReply })
	s, tr := newTestSession(t, b)
	defer s.Close()

	type outcome struct {
		value string
		err   error
	}
	results := make([]outcome, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Send(context.Background(), "Test.slow", nil)
			results[i] = outcome{value: string(res), err: err}
		}(i)
	}

	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, 5*time.Millisecond)
	calls := b.Calls()
	require.Len(t, calls, 2)

	// Answer in reverse order; each caller must still receive its own result.
	tr.Reply(calls[1].ID, map[string]int64{"id": calls[1].ID})
	tr.Reply(calls[0].ID, map[string]int64{"id": calls[0].ID})
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
	}
	assert.ElementsMatch(t,
		[]string{`{"id":` + strconv.FormatInt(calls[0].ID, 10) + `}`, `{"id":` + strconv.FormatInt(calls[1].ID, 10) + `}`},
		[]string{results[0].value, results[1].value})
	assert.Equal(t, 0, s.Pending())
}

func TestSend_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	b.Handle("Test.hang", func(*cdptest.Call) (any, error) { return nil, cdptest.ErrNoReply })
	b.Handle("Test.ok", func(*cdptest.Call) (any, error) { return nil, nil })
	s, tr := newTestSession(t, b, session.WithCallTimeout(50*time.Millisecond))
	defer s.Close()

	start := time.Now()
	_, err := s.Send(context.Background(), "Test.hang", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrTimeout), "expected ErrTimeout, got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)

	t.Run("should free the pending slot", func(t *testing.T) {
		assert.Equal(t, 0, s.Pending())
	})

	t.Run("should discard a late response and keep working", func(t *testing.T) {
		tr.Reply(b.Calls()[0].ID, map[string]string{"late": "yes"})
		_, err := s.Send(context.Background(), "Test.ok", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, s.Pending())
		assert.Nil(t, s.Err())
	})

	t.Run("should treat a context deadline as a timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := s.Send(ctx, "Test.hang", nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, session.ErrTimeout))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, 0, s.Pending())
	})
}

func TestSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	b.Handle("Page.navigate", func(c *cdptest.Call) (any, error) {
		c.Emit("Page.frameStartedLoading", map[string]string{"frameId": "F1"})
		c.Emit("Page.domContentEventFired", map[string]float64{"timestamp": 1})
		c.Emit("Page.loadEventFired", map[string]float64{"timestamp": 2})
		return page.NavigateReturns{FrameID: "F1", LoaderID: "L1"}, nil
	})
	s, tr := newTestSession(t, b)
	defer s.Close()

	t.Run("should deliver events emitted while a call is in flight", func(t *testing.T) {
		loads, unsubLoads := s.Subscribe("Page.loadEventFired")
		defer unsubLoads()
		all, unsubAll := s.Subscribe("")
		defer unsubAll()

		_, err := s.Send(context.Background(), "Page.navigate", page.Navigate("https://example.test"))
		require.NoError(t, err)

		// Nothing was read while the call was outstanding; the queue held every event.
		var methods []string
		for i := 0; i < 3; i++ {
			select {
			case ev := <-all:
				methods = append(methods, ev.Method)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for events")
			}
		}
		assert.Equal(t, []string{"Page.frameStartedLoading", "Page.domContentEventFired", "Page.loadEventFired"}, methods)

		select {
		case ev := <-loads:
			var fired page.EventLoadEventFired
			require.NoError(t, ev.Decode(&fired))
			require.NotNil(t, fired.Timestamp)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for load event")
		}
	})

	t.Run("should close the channel on unsubscribe", func(t *testing.T) {
		ch, unsub := s.Subscribe("Page.loadEventFired")
		unsub()
		_, ok := <-ch
		assert.False(t, ok)
		unsub()
	})

	t.Run("should deliver unsolicited events", func(t *testing.T) {
		ch, unsub := s.Subscribe("Target.targetCrashed")
		defer unsub()
		tr.Emit("Target.targetCrashed", map[string]string{"targetId": "T1"})
		select {
		case ev := <-ch:
			assert.Equal(t, "Target.targetCrashed", ev.Method)
			assert.False(t, ev.ReceivedAt.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})
}

func TestConnectionLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	b.Handle("Test.hang", func(*cdptest.Call) (any, error) { return nil, cdptest.ErrNoReply })
	s, tr := newTestSession(t, b)
	defer s.Close()

	events, unsub := s.Subscribe("")
	defer unsub()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Send(context.Background(), "Test.hang", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, 5*time.Millisecond)

	tr.Drop()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, session.IsConnectionError(err), "expected ConnectionError, got %v", err)
		case <-time.After(time.Second):
			t.Fatal("pending call was not released")
		}
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close")
	}
	assert.True(t, session.IsConnectionError(s.Err()))
	assert.Equal(t, 0, s.Pending())

	_, ok := <-events
	assert.False(t, ok, "subscriptions close with the session")

	t.Run("should not reconnect", func(t *testing.T) {
		before := b.CallCount()
		_, err := s.Send(context.Background(), "Test.hang", nil)
		require.Error(t, err)
		assert.True(t, session.IsConnectionError(err))
		assert.Equal(t, before, b.CallCount())
	})

	t.Run("should hand closed channels to late subscribers", func(t *testing.T) {
		ch, unsub := s.Subscribe("Page.loadEventFired")
		defer unsub()
		_, ok := <-ch
		assert.False(t, ok)
	})
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	b.Handle("Test.hang", func(*cdptest.Call) (any, error) { return nil, cdptest.ErrNoReply })
	s, _ := newTestSession(t, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "Test.hang", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	err := <-errCh
	assert.True(t, errors.Is(err, session.ErrClosed))
	assert.NoError(t, s.Close(), "close is idempotent")
}

func TestExecute_TypedCommands(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := cdptest.NewBrowser()
	p := cdptest.NewPage()
	p.Install(b)
	s, _ := newTestSession(t, b)
	defer s.Close()

	ctx := s.WithExecutor(context.Background())
	frameID, loaderID, errText, _, err := page.Navigate("https://example.test/").Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, "F1", string(frameID))
	assert.NotEmpty(t, loaderID)
	assert.Empty(t, errText)
	assert.Equal(t, "https://example.test/", p.CurrentURL())

	buf, err := page.CaptureScreenshot().Do(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, buf)
}
