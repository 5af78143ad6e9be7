// Package browser renders pages in headless Chrome for capabilities that
// need the DOM after scripts have run.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"
)

const desktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Renderer returns the serialized DOM of a page.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Bridge launches a fresh headless Chrome per render. No profile is kept
// between renders.
type Bridge struct {
	execPath string
	settle   time.Duration
	logger   *slog.Logger
}

// BridgeConfig holds configuration for the browser bridge.
type BridgeConfig struct {
	ExecPath string        // Chrome binary; empty lets chromedp search the usual locations
	Settle   time.Duration // wait after DOM ready for late scripts
	Logger   *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		execPath: cfg.ExecPath,
		settle:   cfg.Settle,
		logger:   cfg.Logger,
	}
}

// NewContext creates a chromedp context running a headless browser.
// The caller MUST call cancel() when done.
func (b *Bridge) NewContext(parentCtx context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(desktopUserAgent),
	)
	if b.execPath != "" {
		opts = append(opts, chromedp.ExecPath(b.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	cancelAll := func() {
		taskCancel()
		allocCancel()
	}
	return taskCtx, cancelAll
}

// Render navigates to url and returns document.documentElement.outerHTML.
// The browser is torn down when ctx ends.
func (b *Bridge) Render(ctx context.Context, url string) (string, error) {
	taskCtx, cancel := b.NewContext(ctx)
	defer cancel()

	start := time.Now()
	var page string
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.settle > 0 {
		actions = append(actions, chromedp.Sleep(b.settle))
	}
	actions = append(actions, chromedp.OuterHTML("html", &page, chromedp.ByQuery))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	b.logger.Debug("page rendered", "url", url, "bytes", len(page), "duration", time.Since(start))
	return page, nil
}

// FindChrome reports the first Chrome or Chromium binary on PATH.
func FindChrome(execPath string) (string, bool) {
	if execPath != "" {
		p, err := exec.LookPath(execPath)
		return p, err == nil
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}
