package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Page is the browser surface the session manager and extractors drive.
// Production uses a rod page against headless Chromium; tests substitute a
// scripted fake. Selectors are CSS; ClickText matches by visible text since
// the EMR's tab bar carries no stable ids.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitElement(ctx context.Context, selector string, timeout time.Duration) error
	Input(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	ClickText(ctx context.Context, selector, text string) error
	Eval(ctx context.Context, js string, out interface{}) error
	URL(ctx context.Context) (string, error)
	Close() error
}

// Browser owns the underlying browser process and hands out pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	timeout  time.Duration
}

// Launch starts a Chromium instance and connects to it over CDP.
func Launch(ctx context.Context, headless bool, navTimeout time.Duration) (Browser, error) {
	l := launcher.New().Headless(headless)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return &rodBrowser{browser: browser, launcher: l, timeout: navTimeout}, nil
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &rodPage{page: page, navTimeout: b.timeout}, nil
}

func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	b.launcher.Cleanup()
	return err
}

type rodPage struct {
	page       *rod.Page
	navTimeout time.Duration
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx).Timeout(p.navTimeout)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("%w: navigate %s: %v", ErrNavigationTimeout, url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrNavigationTimeout, url, err)
	}
	return nil
}

func (p *rodPage) WaitElement(ctx context.Context, selector string, timeout time.Duration) error {
	if _, err := p.page.Context(ctx).Timeout(timeout).Element(selector); err != nil {
		return fmt.Errorf("%w: waiting for %q: %v", ErrNavigationTimeout, selector, err)
	}
	return nil
}

func (p *rodPage) Input(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Timeout(p.navTimeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select %q: %w", selector, err)
	}
	return el.Input(text)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Timeout(p.navTimeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) ClickText(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Timeout(p.navTimeout).ElementR(selector, text)
	if err != nil {
		return fmt.Errorf("find %q with text %q: %w", selector, text, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Eval(ctx context.Context, js string, out interface{}) error {
	res, err := p.page.Context(ctx).Timeout(p.navTimeout).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("eval result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
