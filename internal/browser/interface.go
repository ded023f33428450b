package browser

import (
	"context"

	"github.com/xkilldash9x/browserpilot/internal/browser/session"
)

// Conn is the part of a protocol session the observer and executor depend on.
// *session.Session implements it.
type Conn interface {
	// WithExecutor attaches the connection to ctx so cdproto command builders run over it.
	WithExecutor(ctx context.Context) context.Context
	// Subscribe streams events named method until the returned func is called.
	Subscribe(method string) (<-chan session.Event, func())
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
}

var _ Conn = (*session.Session)(nil)
