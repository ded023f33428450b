package cdptest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
)

var errTransportClosed = errors.New("cdptest: transport closed")

// Transport is an in-memory chromedp.Transport wired to a Browser. Commands
// are dispatched synchronously inside Write.
type Transport struct {
	browser *Browser
	inbox   chan *cdproto.Message
	writes  atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

var _ chromedp.Transport = (*Transport)(nil)

// NewTransport connects a new in-memory transport to b.
func NewTransport(b *Browser) *Transport {
	return &Transport{
		browser: b,
		inbox:   make(chan *cdproto.Message, 4096),
		closed:  make(chan struct{}),
	}
}

// Read blocks until the browser has a message for the client.
func (t *Transport) Read(ctx context.Context, msg *cdproto.Message) error {
	select {
	case <-t.closed:
		return io.EOF
	default:
	}
	select {
	case m := <-t.inbox:
		*msg = *m
		return nil
	case <-t.closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write hands a command to the browser.
func (t *Transport) Write(_ context.Context, msg *cdproto.Message) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	t.writes.Add(1)
	t.browser.dispatch(msg, t.deliver)
	return nil
}

// Writes counts the frames written by the client.
func (t *Transport) Writes() int64 { return t.writes.Load() }

// Emit sends an unsolicited event to the client.
func (t *Transport) Emit(method string, params any) {
	t.deliver(eventMessage(method, params))
}

// Reply sends a response for a command whose handler returned ErrNoReply.
func (t *Transport) Reply(id int64, result any) {
	msg := eventMessage("", result)
	msg.ID = id
	msg.Result, msg.Params = msg.Params, nil
	if msg.Result == nil {
		msg.Result = []byte(`{}`)
	}
	t.deliver(msg)
}

// Drop simulates the browser going away: pending reads fail with io.EOF.
func (t *Transport) Drop() { _ = t.Close() }

// Close satisfies io.Closer.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *Transport) deliver(m *cdproto.Message) {
	select {
	case t.inbox <- m:
	case <-t.closed:
	}
}
