// internal/browser/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// Session is a persistent connection to one page target's DevTools endpoint.
//
// A single background listener reads every incoming message and routes it:
// messages carrying an id resolve the matching pending Send, messages without
// one are events fanned out to subscribers. The session never reconnects. When
// the connection drops, every outstanding Send fails with a ConnectionError and
// the session stays closed; the caller decides whether to Connect again.
type Session struct {
	endpoint    string
	targetID    string
	transport   chromedp.Transport
	logger      *zap.Logger
	callTimeout time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *cdproto.Message
	subs    map[int64]*subscription
	subSeq  int64
	err     error

	writeMu sync.Mutex

	done         chan struct{}
	listenerDone chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// ensure Session can back the typed cdproto command builders.
var _ cdp.Executor = (*Session)(nil)

// Connect opens a session. endpoint is either a page websocket URL
// (ws://host:port/devtools/page/<id>) or a DevTools HTTP address
// (http://host:port), which is resolved to its first page target.
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.Named("session")

	wsURL := endpoint
	targetID := targetIDFromURL(endpoint)
	transport := o.transport

	if transport == nil {
		dialCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()

		if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
			target, err := Discover(dialCtx, o.httpClient, endpoint)
			if err != nil {
				return nil, err
			}
			wsURL, targetID = target.WebSocketDebuggerURL, target.ID
			logger.Debug("Discovered page target.", zap.String("target_id", targetID), zap.String("url", target.URL))
		}

		dial := o.dialer
		if dial == nil {
			dial = o.defaultDialer()
		}
		t, err := dial(dialCtx, wsURL)
		if err != nil {
			return nil, &ConnectionError{Op: "dial", Endpoint: wsURL, Err: err}
		}
		transport = t
	}

	s := &Session{
		endpoint:     wsURL,
		targetID:     targetID,
		transport:    transport,
		logger:       logger.With(zap.String("target_id", targetID)),
		callTimeout:  o.callTimeout,
		pending:      make(map[int64]chan *cdproto.Message),
		subs:         make(map[int64]*subscription),
		done:         make(chan struct{}),
		listenerDone: make(chan struct{}),
	}
	go s.listen()

	s.logger.Info("Protocol session established.", zap.String("endpoint", wsURL))
	return s, nil
}

// TargetID is the page target this session is attached to, if known.
func (s *Session) TargetID() string { return s.targetID }

// Endpoint is the websocket URL the session dialed.
func (s *Session) Endpoint() string { return s.endpoint }

// Done is closed once the session has shut down for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending reports how many calls are awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// WithExecutor returns a context that routes cdproto command builders
// (page.Navigate(...).Do(ctx) and friends) through this session.
func (s *Session) WithExecutor(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, s)
}

// Send issues one command and blocks until its response arrives, the call
// timeout expires, ctx is done, or the session closes. A timed-out call is
// removed from the pending table; a late response for it is discarded.
func (s *Session) Send(ctx context.Context, method string, params any) (jsontext.Value, error) {
	var raw jsontext.Value
	if params != nil {
		b, err := jsonv2.Marshal(params, chromedp.DefaultMarshalOptions)
		if err != nil {
			return nil, &ProtocolError{Method: method, Err: fmt.Errorf("marshal params: %w", err)}
		}
		raw = b
	}

	id := s.nextID.Add(1)
	ch := make(chan *cdproto.Message, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = ch
	s.mu.Unlock()

	msg := &cdproto.Message{ID: id, Method: cdproto.MethodType(method), Params: raw}
	s.writeMu.Lock()
	err := s.transport.Write(ctx, msg)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(id)
		cerr := &ConnectionError{Op: "write", Endpoint: s.endpoint, Err: err}
		s.shutdown(cerr)
		return nil, cerr
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return s.result(method, resp)
	case <-timer.C:
		s.forget(id)
		s.logger.Warn("Protocol call timed out.", zap.String("method", method), zap.Int64("id", id), zap.Duration("timeout", s.callTimeout))
		return nil, fmt.Errorf("%s after %v: %w", method, s.callTimeout, ErrTimeout)
	case <-ctx.Done():
		s.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w: %w", method, ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	case <-s.done:
		// A response that raced the shutdown still wins.
		select {
		case resp := <-ch:
			return s.result(method, resp)
		default:
		}
		return nil, s.Err()
	}
}

func (s *Session) result(method string, resp *cdproto.Message) (jsontext.Value, error) {
	if resp.Error != nil {
		return nil, newProtocolError(method, resp.Error)
	}
	return resp.Result, nil
}

// Execute satisfies cdp.Executor by decoding the Send result into res.
func (s *Session) Execute(ctx context.Context, method string, params, res any) error {
	result, err := s.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if res == nil || len(result) == 0 {
		return nil
	}
	if err := jsonv2.Unmarshal(result, res, chromedp.DefaultUnmarshalOptions); err != nil {
		return &ProtocolError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// Subscribe delivers every event named method, or every event when method is
// empty. Events are queued without bound until read. The returned function
// unsubscribes and closes the channel; the channel is also closed when the
// session shuts down.
func (s *Session) Subscribe(method string) (<-chan Event, func()) {
	sub := newSubscription(method)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		sub.close()
		return sub.out, func() {}
	}
	s.subSeq++
	key := s.subSeq
	s.subs[key] = sub
	s.mu.Unlock()

	return sub.out, func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
		sub.close()
	}
}

// Close shuts the session down and waits for the listener to exit. Calls still
// in flight fail with ErrClosed. Close is idempotent.
func (s *Session) Close() error {
	s.shutdown(&ConnectionError{Op: "close", Endpoint: s.endpoint, Err: ErrClosed})
	<-s.listenerDone
	return s.closeErr
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// listen is the only goroutine that reads from the transport.
func (s *Session) listen() {
	defer close(s.listenerDone)
	ctx := context.Background()
	for {
		var msg cdproto.Message
		if err := s.transport.Read(ctx, &msg); err != nil {
			s.shutdown(&ConnectionError{Op: "read", Endpoint: s.endpoint, Err: err})
			return
		}
		s.route(&msg)
	}
}

func (s *Session) route(msg *cdproto.Message) {
	switch {
	case msg.ID != 0:
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("Discarding response with no pending call.", zap.Int64("id", msg.ID), zap.String("method", string(msg.Method)))
			return
		}
		ch <- msg

	case msg.Method != "":
		ev := Event{Method: string(msg.Method), Params: msg.Params, ReceivedAt: time.Now()}
		s.mu.Lock()
		for _, sub := range s.subs {
			if sub.matches(ev.Method) {
				sub.push(ev)
			}
		}
		s.mu.Unlock()

	default:
		// Ping frames surface as empty messages.
	}
}

// shutdown runs once. It records the cause, releases every waiter and
// subscriber, and closes the transport, which stops the listener.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		inflight := len(s.pending)
		s.pending = make(map[int64]chan *cdproto.Message)
		subs := s.subs
		s.subs = make(map[int64]*subscription)
		s.mu.Unlock()

		close(s.done)
		for _, sub := range subs {
			sub.close()
		}
		s.closeErr = s.transport.Close()

		if errors.Is(cause, ErrClosed) {
			s.logger.Info("Protocol session closed.", zap.Int("inflight", inflight))
		} else {
			s.logger.Error("Protocol session lost.", zap.Error(cause), zap.Int("inflight", inflight))
		}
	})
}
