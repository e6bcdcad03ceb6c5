package render

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

type ChromeOptions struct {
	ExecPath  string
	NoSandbox bool
}

// ChromeSurface starts one headless browser on first use and opens a new
// tab for every acquired page.
type ChromeSurface struct {
	opts   ChromeOptions
	logger zerolog.Logger

	mu            sync.Mutex
	browser       context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	closed        bool
}

func NewChromeSurface(opts ChromeOptions, logger zerolog.Logger) *ChromeSurface {
	return &ChromeSurface{
		opts:   opts,
		logger: logger.With().Str("component", "chrome").Logger(),
	}
}

func (s *ChromeSurface) start() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("chrome surface closed")
	}
	if s.browser != nil {
		return s.browser, nil
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-webgl", true),
		chromedp.Flag("ignore-gpu-blocklist", true),
	)
	if s.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(s.opts.ExecPath))
	}
	if s.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browser, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			s.logger.Debug().Msgf(format, args...)
		}),
	)
	// The first Run launches the browser process.
	if err := chromedp.Run(browser); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	s.browser = browser
	s.cancelBrowser = cancelBrowser
	s.cancelAlloc = cancelAlloc
	s.logger.Info().Msg("headless browser started")
	return browser, nil
}

func (s *ChromeSurface) Acquire(ctx context.Context, width, height int) (Page, error) {
	browser, err := s.start()
	if err != nil {
		return nil, err
	}

	tab, cancel := chromedp.NewContext(browser)
	p := &chromePage{tab: tab, cancel: cancel, width: width, height: height}
	// Creates the target.
	if err := p.run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return p, nil
}

// Close shuts the browser down. Pages still open are closed with it.
func (s *ChromeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.browser == nil {
		return nil
	}
	s.cancelBrowser()
	s.cancelAlloc()
	s.browser = nil
	s.logger.Info().Msg("headless browser stopped")
	return nil
}

type chromePage struct {
	tab    context.Context
	cancel context.CancelFunc
	width  int
	height int
}

// run executes actions in the tab and aborts them when ctx ends. The tab
// itself is only closed by Release.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (p *chromePage) Load(ctx context.Context, html string) (*Ready, error) {
	ready := NewReady()
	chromedp.ListenTarget(p.tab, func(ev any) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == readyBinding {
			ready.Resolve(nil)
		}
	})

	err := p.run(ctx,
		runtime.AddBinding(readyBinding),
		chromedp.EmulateViewport(int64(p.width), int64(p.height)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
	)
	if err != nil {
		return nil, err
	}
	return ready, nil
}

func (p *chromePage) Capture(ctx context.Context) ([]byte, error) {
	var shot []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		shot, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithFromSurface(true).
			Do(ctx)
		return err
	}))
	return shot, err
}

func (p *chromePage) Release() {
	p.cancel()
}
