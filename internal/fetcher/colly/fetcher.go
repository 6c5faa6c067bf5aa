// Package collyfetcher implements fetch.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"

	"github.com/JakeFAU/fetchpool/internal/fetch"
)

const defaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	// UserAgent pins the header; empty picks a random agent per request.
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher is one worker's HTTP session: a base collector with its own
// transport and cookie jar. Each Fetch clones the collector and carries its
// proxy in the request context, so an abandoned attempt never dials through a
// later attempt's proxy.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type proxyKey struct{}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.MaxBodyBytes > 0 {
		// Read one byte past the limit so an oversized body shows up.
		c.MaxBodySize = cfg.MaxBodyBytes + 1
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetProxyFunc(proxyFromContext)
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	var proxyURL *url.URL
	if req.ProxyURL != "" {
		u, err := url.Parse(req.ProxyURL)
		if err != nil {
			return fetch.Response{}, fmt.Errorf("parse proxy url: %w", err)
		}
		proxyURL = u
	}

	var (
		result   fetch.Response
		fetchErr error
	)
	collector := f.buildCollector(context.WithValue(ctx, proxyKey{}, proxyURL), time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, req.Target, &fetchErr); err != nil {
		return fetch.Response{}, err
	}
	return result, nil
}

// proxyFromContext resolves the proxy stored by Fetch; nil means direct.
func proxyFromContext(r *http.Request) (*url.URL, error) {
	u, _ := r.Context().Value(proxyKey{}).(*url.URL)
	return u, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	start time.Time,
	result *fetch.Response,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	} else {
		extensions.RandomUserAgent(collector)
	}
	configureCollectorHooks(collector, start, f.cfg.MaxBodyBytes, result, fetchErr)
	return collector
}

// configureCollectorHooks records the response into result. A body longer
// than limit is cut to limit and marked truncated; limit <= 0 disables the
// check.
func configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	limit int,
	result *fetch.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		body := r.Body
		truncated := limit > 0 && len(body) > limit
		if truncated {
			body = body[:limit]
		}
		*result = fetch.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), body...),
			Duration:   time.Since(start),
			Truncated:  truncated,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
