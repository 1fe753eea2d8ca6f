package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// fakePage scripts a browser page for tests. Navigation can be made to
// fail or redirect, elements can be present or absent, and Eval answers
// come from a hook keyed off the current URL and script.
type fakePage struct {
	mu sync.Mutex

	url          string
	visited      []string
	failNavsLeft int
	redirects    map[string]string

	elements  map[string]bool
	inputs    map[string]string
	clicks    []string
	missTexts map[string]bool

	evalFn func(url, js string) (interface{}, error)

	closed bool
}

func newFakePage() *fakePage {
	return &fakePage{
		elements:  make(map[string]bool),
		inputs:    make(map[string]string),
		redirects: make(map[string]string),
		missTexts: make(map[string]bool),
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, url)
	if p.failNavsLeft > 0 {
		p.failNavsLeft--
		return fmt.Errorf("%w: navigate %s", ErrNavigationTimeout, url)
	}
	if target, ok := p.redirects[url]; ok {
		p.url = target
	} else {
		p.url = url
	}
	return nil
}

func (p *fakePage) WaitElement(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.elements[selector] {
		return fmt.Errorf("%w: waiting for %q", ErrNavigationTimeout, selector)
	}
	return nil
}

func (p *fakePage) Input(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs[selector] = text
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *fakePage) ClickText(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missTexts[text] {
		return fmt.Errorf("find %q with text %q: not found", selector, text)
	}
	p.clicks = append(p.clicks, selector+"|"+text)
	return nil
}

func (p *fakePage) Eval(ctx context.Context, js string, out interface{}) error {
	p.mu.Lock()
	fn := p.evalFn
	url := p.url
	p.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("no eval scripted")
	}
	res, err := fn(url, js)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeBrowser struct {
	page *fakePage
}

func (b *fakeBrowser) NewPage(ctx context.Context) (Page, error) { return b.page, nil }
func (b *fakeBrowser) Close() error                              { return nil }

func testConfig() Config {
	return Config{
		BaseURL:       "https://emr.example.test",
		NavTimeout:    time.Second,
		MarkerTimeout: time.Second,
		SettleDelay:   time.Millisecond,
	}
}
