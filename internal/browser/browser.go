package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/ratelimit"
	"github.com/maltedev/price-tracker/internal/scraper"
)

// Browser is a playwright session that satisfies scraper.Fetcher. Like the
// HTTP fetcher it holds one cookie store, so open one per run and Close it
// when the run ends.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	MaxRetries     int
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
	AgeGates       []scraper.AgeGate
	Limiter        ratelimit.RateLimiter
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-GB,en;q=0.9",
		TimezoneID:     "Europe/London",
		Locale:         "en-GB",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
		AgeGates: []scraper.AgeGate{scraper.SteamAgeGate()},
		Limiter:  ratelimit.Unlimited{},
	}
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	headers["Accept-Language"] = opts.AcceptLanguage

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	// Age gates are answered with cookies up front; the form is never shown.
	for _, gate := range opts.AgeGates {
		if cookies := gateCookies(gate); len(cookies) > 0 {
			if err := bctx.AddCookies(cookies); err != nil {
				bctx.Close()
				browser.Close()
				pw.Stop()
				return nil, fmt.Errorf("failed to set age gate cookies for %s: %w", gate.Host, err)
			}
		}
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		context: bctx,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}, nil
}

// Fetch navigates to rawURL in a fresh tab and returns the rendered markup.
func (b *Browser) Fetch(ctx context.Context, rawURL string) (*models.RawPage, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &scraper.FetchError{Kind: scraper.KindURLNotExist, URL: rawURL, Err: err}
	}

	for _, gate := range b.opts.AgeGates {
		if gate.Matches(u) {
			if _, err := gate.BypassURL(u); err != nil {
				return nil, &scraper.FetchError{Kind: scraper.KindURLNotExist, URL: rawURL, Err: err}
			}
		}
	}

	if err := b.opts.Limiter.Wait(ctx, u.Host); err != nil {
		return nil, &scraper.FetchError{Kind: scraper.KindCannotConnect, URL: rawURL, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	page, err := b.context.NewPage()
	if err != nil {
		return nil, &scraper.FetchError{Kind: scraper.KindCannotConnect, URL: rawURL, Err: fmt.Errorf("failed to create new page: %w", err)}
	}
	defer page.Close()
	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	status, err := b.navigateWithRetry(ctx, page, rawURL)
	if ferr := classify(rawURL, status, err); ferr != nil {
		return nil, ferr
	}

	if err := b.passInterstitial(page); err != nil {
		b.logger.Warn("interstitial not passed", "url", rawURL, "error", err)
	}

	content, err := page.Content()
	if err != nil {
		return nil, &scraper.FetchError{Kind: scraper.KindCannotConnect, URL: rawURL, Err: fmt.Errorf("failed to get page content: %w", err)}
	}

	return &models.RawPage{
		URL:         rawURL,
		Content:     []byte(content),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  status,
	}, nil
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

// navigateWithRetry returns the main document status of the last attempt.
func (b *Browser) navigateWithRetry(ctx context.Context, page playwright.Page, rawURL string) (int, error) {
	var lastErr error

	for i := 0; i < b.opts.MaxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", rawURL)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(i) * time.Second):
			}
		}

		resp, err := page.Goto(rawURL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
		})
		if err == nil {
			if resp == nil {
				return 200, nil
			}
			return resp.Status(), nil
		}

		lastErr = err
		b.logger.Debug("navigation failed", "error", err, "attempt", i+1)
	}

	return 0, fmt.Errorf("failed after %d attempts: %w", b.opts.MaxRetries, lastErr)
}

// interstitialMarker identifies the Amazon "continue shopping" page shown to
// sessions it wants to double check.
const interstitialMarker = "Click the button below to continue shopping"

var interstitialButtons = []string{
	`button:has-text("Continue shopping")`,
	`input[type="submit"][value*="Continue"]`,
	`.a-button-primary`,
}

func isInterstitial(content string) bool {
	return strings.Contains(content, interstitialMarker)
}

func (b *Browser) passInterstitial(page playwright.Page) error {
	content, err := page.Content()
	if err != nil {
		return fmt.Errorf("failed to get page content: %w", err)
	}
	if !isInterstitial(content) {
		return nil
	}

	b.logger.Info("interstitial detected, attempting to continue")

	for _, selector := range interstitialButtons {
		button := page.Locator(selector).First()
		count, err := button.Count()
		if err != nil || count == 0 {
			continue
		}
		if err := button.Click(); err != nil {
			b.logger.Debug("failed to click button", "selector", selector, "error", err)
			continue
		}
		if err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State: playwright.LoadStateDomcontentloaded,
		}); err != nil {
			continue
		}

		content, _ = page.Content()
		if !isInterstitial(content) {
			return nil
		}
	}

	return errors.New("could not find button to continue")
}

// classify maps a navigation outcome onto the fetch error kinds.
func classify(rawURL string, status int, err error) *scraper.FetchError {
	if err != nil {
		return &scraper.FetchError{Kind: scraper.KindCannotConnect, URL: rawURL, Err: err}
	}
	if status < 200 || status > 299 {
		return &scraper.FetchError{Kind: scraper.KindStatus, URL: rawURL, StatusCode: status}
	}
	return nil
}

func gateCookies(gate scraper.AgeGate) []playwright.OptionalCookie {
	if gate.Host == "" || len(gate.Cookies) == 0 {
		return nil
	}

	cookies := make([]playwright.OptionalCookie, 0, len(gate.Cookies))
	for name, value := range gate.Cookies {
		cookies = append(cookies, playwright.OptionalCookie{
			Name:   name,
			Value:  value,
			Domain: playwright.String(gate.Host),
			Path:   playwright.String("/"),
		})
	}
	return cookies
}
