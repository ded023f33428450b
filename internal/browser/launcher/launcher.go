// internal/browser/launcher/launcher.go
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/internal/config"
)

// shutdownTimeout bounds how long Close waits for the browser process to exit.
const shutdownTimeout = 10 * time.Second

// Browser is a locally launched browser with one page target that a protocol
// session can attach to.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	endpoint    string
	logger      *zap.Logger
}

// Launch starts a browser per cfg and waits until its first page exists.
// userDataDir may be empty to let the browser use a throwaway profile.
func Launch(ctx context.Context, cfg config.BrowserConfig, userDataDir string, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("launcher")

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve a debugging port: %w", err)
	}

	opts := ExecOptions(cfg)
	opts = append(opts, chromedp.Flag("remote-debugging-port", strconv.Itoa(port)))
	if userDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(userDataDir))
	}

	// The browser outlives ctx; only Close tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	b := &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		logger:      logger,
	}

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		b.abort()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil || c.Target.TargetID == "" {
		b.Close()
		return nil, errors.New("browser started without a page target")
	}
	b.endpoint = fmt.Sprintf("ws://127.0.0.1:%d/devtools/page/%s", port, c.Target.TargetID)
	logger.Info("Browser launched.", zap.String("endpoint", b.endpoint), zap.Bool("headless", cfg.Headless))
	return b, nil
}

// Endpoint is the page's DevTools websocket URL.
func (b *Browser) Endpoint() string { return b.endpoint }

// Close stops the browser process and waits briefly for it to exit.
func (b *Browser) Close() error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(b.tabCtx) }()

	var err error
	select {
	case err = <-done:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	case <-time.After(shutdownTimeout):
		err = fmt.Errorf("browser did not exit within %v", shutdownTimeout)
	}
	// Cancel has already cancelled the tab context and consumed its
	// allocation token; tabCancel would wait on that token forever.
	b.allocCancel()
	if err != nil {
		b.logger.Warn("Browser shutdown was not clean.", zap.Error(err))
	}
	return err
}

// abort releases a browser that never came up. The allocator goes first so a
// process that did start is killed before tabCancel waits for it to exit.
func (b *Browser) abort() {
	b.allocCancel()
	b.tabCancel()
}

// ExecOptions translates browser config into allocator options.
func ExecOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}

	// chromedp adds the leading dashes itself.
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
