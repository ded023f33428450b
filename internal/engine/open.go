// internal/engine/open.go
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/internal/browser/launcher"
	"github.com/xkilldash9x/browserpilot/internal/browser/session"
	"github.com/xkilldash9x/browserpilot/internal/config"
)

// Open builds an Engine from application configuration. With no
// browser.endpoint configured a local browser is launched and stopped again
// by Close.
func Open(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint := cfg.Browser().Endpoint
	cleanup := func() error { return nil }
	if endpoint == "" {
		b, err := launcher.Launch(ctx, cfg.Browser(), "", logger)
		if err != nil {
			return nil, err
		}
		endpoint = b.Endpoint()
		cleanup = b.Close
		opts = append(opts, WithCloser(b.Close))
	}

	t := cfg.Timeouts()
	sess, err := session.Connect(ctx, endpoint,
		session.WithLogger(logger),
		session.WithDialTimeout(t.Dial),
		session.WithCallTimeout(t.Call),
		session.WithProtocolDebug(cfg.Browser().ProtocolDebug),
	)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	eng, err := New(ctx, sess, ConfigFrom(cfg), append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		_ = sess.Close()
		_ = cleanup()
		return nil, err
	}
	return eng, nil
}
