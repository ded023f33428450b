// internal/browser/session/options.go
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	DefaultCallTimeout = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// Dialer opens the transport for a page websocket URL.
type Dialer func(ctx context.Context, wsURL string) (chromedp.Transport, error)

type options struct {
	logger        *zap.Logger
	callTimeout   time.Duration
	dialTimeout   time.Duration
	dialer        Dialer
	transport     chromedp.Transport
	httpClient    *http.Client
	protocolDebug bool
}

// Option configures Connect.
type Option func(*options)

// WithLogger sets the parent logger. The session logs under the "session" name.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCallTimeout bounds how long Send waits for a correlated response.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithDialTimeout bounds endpoint discovery and the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTransport skips dialing and uses an already open transport.
func WithTransport(t chromedp.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithHTTPClient sets the client used for target discovery on http:// endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProtocolDebug logs every raw frame at debug level.
func WithProtocolDebug(enabled bool) Option {
	return func(o *options) { o.protocolDebug = enabled }
}

func defaultOptions() *options {
	return &options{
		logger:      zap.NewNop(),
		callTimeout: DefaultCallTimeout,
		dialTimeout: DefaultDialTimeout,
		httpClient:  http.DefaultClient,
	}
}

func (o *options) defaultDialer() Dialer {
	return func(ctx context.Context, wsURL string) (chromedp.Transport, error) {
		var dialOpts []chromedp.DialOption
		if o.protocolDebug {
			dialOpts = append(dialOpts, chromedp.WithConnDebugf(o.logger.Named("cdp").Sugar().Debugf))
		}
		conn, err := chromedp.DialContext(ctx, wsURL, dialOpts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
