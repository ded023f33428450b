// Package cdptest provides a scriptable stand-in for a DevTools endpoint, for
// use in tests. A Browser answers commands through registered handlers and can
// be reached either through an in-memory Transport or a websocket Server.
package cdptest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// ErrNoReply makes a handler swallow the command without ever responding.
var ErrNoReply = errors.New("cdptest: no reply")

// Call is one command received by the fake browser.
type Call struct {
	ID     int64
	Method string
	Params jsontext.Value

	emit func(method string, params any)
}

// Decode unmarshals the command parameters into v.
func (c *Call) Decode(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	return jsonv2.Unmarshal(c.Params, v, chromedp.DefaultUnmarshalOptions)
}

// Emit sends an event on the connection the command arrived on. Events
// emitted by a handler are delivered before its response.
func (c *Call) Emit(method string, params any) {
	if c.emit != nil {
		c.emit(method, params)
	}
}

// HandlerFunc answers one command. Returning a *cdproto.Error produces a
// protocol error response; returning ErrNoReply produces no response at all.
type HandlerFunc func(c *Call) (any, error)

// Browser routes commands to handlers and records every command it sees.
type Browser struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []Call
}

// NewBrowser returns a browser with no handlers. Unhandled methods are
// answered the way Chrome answers unknown methods.
func NewBrowser() *Browser {
	return &Browser{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for method, replacing any previous handler.
func (b *Browser) Handle(method string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// Calls returns a copy of every command received so far.
func (b *Browser) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Methods returns the method names of every command received, in order.
func (b *Browser) Methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.Method
	}
	return out
}

// CallCount returns how many commands were received.
func (b *Browser) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Count returns how many commands named method were received.
func (b *Browser) Count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded commands.
func (b *Browser) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

func (b *Browser) dispatch(msg *cdproto.Message, deliver func(*cdproto.Message)) {
	method := string(msg.Method)
	params := append(jsontext.Value(nil), msg.Params...)

	b.mu.Lock()
	b.calls = append(b.calls, Call{ID: msg.ID, Method: method, Params: params})
	h := b.handlers[method]
	b.mu.Unlock()

	if h == nil {
		deliver(&cdproto.Message{ID: msg.ID, Error: &cdproto.Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", method)}})
		return
	}

	call := &Call{ID: msg.ID, Method: method, Params: params, emit: func(m string, p any) {
		deliver(eventMessage(m, p))
	}}
	res, err := h(call)
	switch {
	case errors.Is(err, ErrNoReply):
		return
	case err != nil:
		var cdpErr *cdproto.Error
		if !errors.As(err, &cdpErr) {
			cdpErr = &cdproto.Error{Code: -32000, Message: err.Error()}
		}
		deliver(&cdproto.Message{ID: msg.ID, Error: cdpErr})
		return
	}

	result := jsontext.Value(`{}`)
	if res != nil {
		buf, merr := jsonv2.Marshal(res, chromedp.DefaultMarshalOptions)
		if merr != nil {
			deliver(&cdproto.Message{ID: msg.ID, Error: &cdproto.Error{Code: -32603, Message: merr.Error()}})
			return
		}
		result = buf
	}
	deliver(&cdproto.Message{ID: msg.ID, Result: result})
}

func eventMessage(method string, params any) *cdproto.Message {
	msg := &cdproto.Message{Method: cdproto.MethodType(method)}
	if params != nil {
		if buf, err := jsonv2.Marshal(params, chromedp.DefaultMarshalOptions); err == nil {
			msg.Params = buf
		}
	}
	return msg
}
