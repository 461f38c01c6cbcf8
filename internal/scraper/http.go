package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/ratelimit"
	"golang.org/x/net/html/charset"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type Options struct {
	Timeout        time.Duration
	UserAgent      string
	AcceptLanguage string
	MaxBodyBytes   int64
	AgeGates       []AgeGate
	Limiter        ratelimit.RateLimiter
	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

func DefaultOptions() Options {
	return Options{
		Timeout:        defaultTimeout,
		UserAgent:      defaultUserAgent,
		AcceptLanguage: "en-GB,en;q=0.9",
		MaxBodyBytes:   defaultMaxBodyBytes,
		AgeGates:       []AgeGate{SteamAgeGate()},
		Limiter:        ratelimit.Unlimited{},
	}
}

// HTTPFetcher fetches pages over plain HTTP. Each instance owns its cookie
// jar, so one fetcher is one browsing session; build a new one per run.
type HTTPFetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

func NewHTTPFetcher(opts Options, logger *slog.Logger) *HTTPFetcher {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = defaults.AcceptLanguage
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if opts.Limiter == nil {
		opts.Limiter = defaults.Limiter
	}

	// cookiejar.New only fails on a bad PublicSuffixList, and we pass none.
	jar, _ := cookiejar.New(nil)

	return &HTTPFetcher{
		client: &http.Client{
			Jar:       jar,
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		opts:   opts,
		logger: logger.With("component", "http_fetcher"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*models.RawPage, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, urlNotExist(rawURL, err)
	}

	for _, gate := range f.opts.AgeGates {
		if gate.Matches(u) {
			return f.fetchGated(ctx, u, gate)
		}
	}

	return f.get(ctx, rawURL)
}

// fetchGated opens a session on the page, posts the birth date form to the
// bypass URL and then reads the page again with the session cookies.
func (f *HTTPFetcher) fetchGated(ctx context.Context, u *url.URL, gate AgeGate) (*models.RawPage, error) {
	rawURL := u.String()

	bypassURL, err := gate.BypassURL(u)
	if err != nil {
		return nil, urlNotExist(rawURL, err)
	}

	if err := f.discard(ctx, http.MethodGet, rawURL, nil); err != nil {
		return nil, err
	}

	if err := f.discard(ctx, http.MethodPost, bypassURL, gate.Form); err != nil {
		return nil, err
	}

	f.logger.Debug("age gate passed", "url", rawURL, "bypass_url", bypassURL)

	return f.get(ctx, rawURL)
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*models.RawPage, error) {
	resp, err := f.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
		return nil, badStatus(rawURL, resp.StatusCode)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, cannotConnect(rawURL, err)
	}

	return &models.RawPage{
		URL:         rawURL,
		Content:     body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

// discard performs a request whose body is not needed. Only transport
// failures count; the status is not checked.
func (f *HTTPFetcher) discard(ctx context.Context, method, rawURL string, form url.Values) error {
	resp, err := f.do(ctx, method, rawURL, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	return nil
}

func (f *HTTPFetcher) do(ctx context.Context, method, rawURL string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, urlNotExist(rawURL, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", f.opts.AcceptLanguage)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if err := f.opts.Limiter.Wait(ctx, req.URL.Host); err != nil {
		return nil, cannotConnect(rawURL, fmt.Errorf("rate limiter: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, cannotConnect(rawURL, err)
	}
	return resp, nil
}

// readBody reads at most MaxBodyBytes and converts the declared charset to
// UTF-8. Unknown charsets are passed through untouched.
func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, f.opts.MaxBodyBytes)

	reader, err := charset.NewReader(limited, resp.Header.Get("Content-Type"))
	if err != nil {
		reader = limited
	}

	return io.ReadAll(reader)
}
