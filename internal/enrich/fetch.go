package enrich

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Page is the fetched HTML for one candidate URL.
type Page struct {
	URL  string
	HTML string
}

// PageFetcher fetches one URL, returning (nil, nil) when the URL is rejected
// by policy rather than by a transport failure.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// FetchConfig bounds a single page fetch.
type FetchConfig struct {
	MaxBodyBytes int64         // hard cap, enforced on Content-Length and mid-stream (default 2MB)
	MaxRedirects int           // redirect hop limit (default 3)
	Timeout      time.Duration // per-request deadline (default 10s)
	RatePerSec   float64       // outbound fetch rate limit (default 4)
	UserAgent    string
}

func (c *FetchConfig) withDefaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 2 * 1024 * 1024
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 4
	}
	if c.UserAgent == "" {
		c.UserAgent = "askdocs-enrichment/1.0"
	}
}

// Fetcher downloads pages with SSRF validation at every redirect hop, byte
// caps on the body, and a shared outbound rate limit.
type Fetcher struct {
	guard   URLValidator
	client  *http.Client
	limiter *rate.Limiter
	cfg     FetchConfig
	logger  *slog.Logger
}

func NewFetcher(guard URLValidator, cfg FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.withDefaults()
	return &Fetcher{
		guard: guard,
		client: &http.Client{
			// Redirects are followed manually so every hop is re-validated.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch returns the page at rawURL or (nil, nil) when any policy check
// rejects it: bad scheme or host, redirect limit, missing Location, byte cap,
// or a non-HTML content type. Only transport-level problems surface as
// errors, and even those are usually worth skipping rather than failing the
// enrichment run.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	current := rawURL
	for hop := 0; hop <= f.cfg.MaxRedirects; hop++ {
		u, err := f.guard.Validate(ctx, current)
		if err != nil {
			f.logger.Debug("fetch rejected by policy", "url", current, "err", err)
			return nil, nil
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		page, redirect, err := f.fetchOnce(reqCtx, u.String())
		cancel()
		if err != nil {
			return nil, err
		}
		if redirect != "" {
			next, perr := u.Parse(redirect)
			if perr != nil {
				f.logger.Debug("unparseable redirect location", "url", current, "location", redirect)
				return nil, nil
			}
			current = next.String()
			continue
		}
		return page, nil
	}
	f.logger.Debug("redirect limit exceeded", "url", rawURL)
	return nil, nil
}

// fetchOnce performs a single hop. It returns exactly one of: a page, a
// redirect target, or an error; (nil, "", nil) means the response was
// rejected by policy.
func (f *Fetcher) fetchOnce(ctx context.Context, url string) (*Page, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		if loc == "" {
			f.logger.Debug("redirect without location", "url", url)
			return nil, "", nil
		}
		return nil, loc, nil
	case http.StatusOK:
	default:
		f.logger.Debug("non-200 response skipped", "url", url, "status", resp.StatusCode)
		return nil, "", nil
	}

	if resp.ContentLength > f.cfg.MaxBodyBytes {
		f.logger.Debug("content-length over cap", "url", url, "length", resp.ContentLength)
		return nil, "", nil
	}
	if !htmlContentType(resp.Header.Get("Content-Type")) {
		f.logger.Debug("non-html content type skipped", "url", url,
			"content_type", resp.Header.Get("Content-Type"))
		return nil, "", nil
	}

	// Content-Length can lie or be absent; enforce the cap on the stream too.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		f.logger.Debug("body exceeded cap mid-stream", "url", url)
		return nil, "", nil
	}

	return &Page{URL: url, HTML: string(body)}, "", nil
}

func htmlContentType(ct string) bool {
	ct = strings.ToLower(ct)
	for _, allowed := range []string{"text/html", "application/xhtml+xml", "text/xml", "application/xml"} {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}
