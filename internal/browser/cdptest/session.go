package cdptest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserpilot/internal/browser/session"
)

// NewSession connects a session to b over an in-memory transport. The
// session is closed when the test ends.
func NewSession(t testing.TB, b *Browser, opts ...session.Option) (*session.Session, *Transport) {
	t.Helper()
	tr := NewTransport(b)
	opts = append([]session.Option{
		session.WithTransport(tr),
		session.WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	s, err := session.Connect(context.Background(), "ws://fake/devtools/page/"+DefaultTargetID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, tr
}
