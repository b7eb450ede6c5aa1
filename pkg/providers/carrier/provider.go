// Package carrier implements engine.QueryProvider on top of a headless
// Chromium driven through go-rod. A Profile says where the status text lives
// on a carrier portal; every query runs in its own incognito context.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/trackrecon/trackrecon/pkg/engine"
)

const cookieTimeout = 2 * time.Second

// Options configures the browser behind a Provider.
type Options struct {
	Headless bool `yaml:"headless" json:"headless"`

	// Bin is the browser binary. Empty lets go-rod find or download one.
	Bin string `yaml:"bin" json:"bin"`

	// ControlURL connects to an already running browser instead of
	// launching one.
	ControlURL string `yaml:"control_url" json:"control_url"`
}

// Provider queries one carrier portal.
type Provider struct {
	profile Profile
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

var (
	_ engine.QueryProvider = (*Provider)(nil)
	_ engine.Lifecycle     = (*Provider)(nil)
)

// New creates a provider for the given profile. The browser starts with Start.
func New(profile Profile, opts Options, logger zerolog.Logger) (*Provider, error) {
	if err := profile.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid carrier profile", err).
			WithCode(engine.ErrCodeConfigInvalid)
	}
	return &Provider{
		profile: profile.withDefaults(),
		opts:    opts,
		logger: logger.With().
			Str("component", "carrier").
			Str("carrier", profile.Name).
			Logger(),
	}, nil
}

// Name returns the profile name.
func (p *Provider) Name() string {
	return p.profile.Name
}

// Profile returns the profile in use.
func (p *Provider) Profile() Profile {
	return p.profile
}

// Start launches (or connects to) the browser.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browser != nil {
		return nil
	}

	controlURL := p.opts.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Context(ctx).
			Headless(p.opts.Headless).
			NoSandbox(true).
			Set("disable-dev-shm-usage")
		if p.opts.Bin != "" {
			l = l.Bin(p.opts.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		p.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		p.cleanupLocked()
		return fmt.Errorf("connect to browser: %w", err)
	}
	p.browser = browser

	p.logger.Info().Bool("headless", p.opts.Headless).Msg("Browser started")
	return nil
}

// Close shuts the browser down.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.browser != nil {
		err = p.browser.Close()
		p.browser = nil
	}
	p.cleanupLocked()
	return err
}

func (p *Provider) cleanupLocked() {
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher.Cleanup()
		p.launcher = nil
	}
}

// Query opens the carrier page for trackingID and returns the status text.
// A page without a status element yields "" and no error.
func (p *Provider) Query(ctx context.Context, trackingID string) (string, error) {
	p.mu.Lock()
	browser := p.browser
	p.mu.Unlock()
	if browser == nil {
		return "", engine.NewPermanentError("browser not started", nil).
			WithCode(engine.ErrCodeBackendUnavailable)
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return "", p.classify("open incognito context", trackingID, err)
	}
	defer func() { _ = incognito.Close() }()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", p.classify("open page", trackingID, err)
	}
	page = page.Context(ctx)

	if err := page.Timeout(p.profile.NavigationTimeout).Navigate(p.profile.URLFor(trackingID)); err != nil {
		return "", p.classify("navigate", trackingID, err)
	}
	_ = page.Timeout(p.profile.NavigationTimeout).WaitLoad()
	p.dismissCookies(page)

	target := page
	if p.profile.UsesInput() {
		target, err = p.submit(page, trackingID)
		if err != nil {
			return "", p.classify("submit tracking id", trackingID, err)
		}
	}

	return p.extract(target), nil
}

// submit types the tracking id into the first matching input and returns
// the page that shows the result.
func (p *Provider) submit(page *rod.Page, trackingID string) (*rod.Page, error) {
	race := page.Timeout(p.profile.ElementTimeout).Race()
	for _, sel := range p.profile.InputSelectors {
		race = race.Element(sel)
	}
	el, err := race.Do()
	if err != nil {
		return nil, fmt.Errorf("find input: %w", err)
	}
	el = el.CancelTimeout()

	_ = el.ScrollIntoView()
	_ = el.SelectAllText()
	if err := el.Input(trackingID); err != nil {
		return nil, fmt.Errorf("type tracking id: %w", err)
	}

	if !p.profile.ExpectNewPage {
		if err := el.Type(input.Enter); err != nil {
			return nil, fmt.Errorf("press enter: %w", err)
		}
		_ = page.Timeout(p.profile.NavigationTimeout).WaitLoad()
		return page, nil
	}

	wait := page.Timeout(p.profile.NewPageTimeout).WaitOpen()
	if err := el.Type(input.Enter); err != nil {
		return nil, fmt.Errorf("press enter: %w", err)
	}
	opened, err := wait()
	if err != nil {
		p.logger.Debug().Err(err).Str("tracking_id", trackingID).Msg("No new tab opened, reading current page")
		_ = page.Timeout(p.profile.NavigationTimeout).WaitLoad()
		return page, nil
	}
	opened = opened.Context(page.GetContext())
	_ = opened.Timeout(p.profile.NavigationTimeout).WaitLoad()
	return opened, nil
}

// extract returns the first non-empty text among the status selectors.
func (p *Provider) extract(page *rod.Page) string {
	for _, sel := range p.profile.StatusSelectors {
		el, err := page.Timeout(p.profile.ElementTimeout).Element(sel)
		if err != nil {
			continue
		}
		text, err := el.Text()
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

// dismissCookies clicks the first consent button found, if any.
func (p *Provider) dismissCookies(page *rod.Page) {
	if len(p.profile.CookieButtonTexts) == 0 {
		return
	}
	el, err := page.Timeout(cookieTimeout).ElementR("button", cookiePattern(p.profile.CookieButtonTexts))
	if err != nil {
		return
	}
	_ = el.CancelTimeout().Click(proto.InputMouseButtonLeft, 1)
}

// classify maps browser failures onto the engine taxonomy. Every failure of
// a single query is retryable.
func (p *Provider) classify(op, trackingID string, err error) error {
	e := engine.NewTransientError(op, err).
		WithResource(trackingID).
		WithOperation(p.profile.Name)
	if errors.Is(err, context.DeadlineExceeded) {
		return e.WithCode(engine.ErrCodeTimeout)
	}
	return e.WithCode(engine.ErrCodeProviderFailed)
}

// cookiePattern builds the JS regex used to match consent buttons.
func cookiePattern(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, regexp.QuoteMeta(t))
		}
	}
	return "/" + strings.Join(parts, "|") + "/i"
}
