package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoProxies is returned when the provisioning service answers without
// endpoints.
var ErrNoProxies = errors.New("provider returned no proxies")

// Provider hands out fresh proxy endpoints ("host:port").
type Provider interface {
	Provision(ctx context.Context, n int) ([]string, error)
}

// HTTPProviderConfig configures the provisioning client.
type HTTPProviderConfig struct {
	Endpoint  string
	SecretID  string
	Signature string
	Timeout   time.Duration
	// Retries is how many times a failed provisioning call is retried.
	Retries   int
	RetryWait time.Duration
}

type provisionResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ProxyList []string `json:"proxy_list"`
	} `json:"data"`
}

// HTTPProvider calls the provisioning service with resty:
//
//	GET {endpoint}?secret_id=..&signature=..&num=N&format=json
//	-> {"data":{"proxy_list":["1.2.3.4:8000", ...]}}
type HTTPProvider struct {
	client *resty.Client
	cfg    HTTPProviderConfig
}

// NewHTTPProvider builds a provider with retries on transport errors and 5xx.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("proxy provider endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(4 * cfg.RetryWait).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &HTTPProvider{client: client, cfg: cfg}, nil
}

// Provision requests n endpoints.
func (p *HTTPProvider) Provision(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("provision count must be > 0, got %d", n)
	}
	var out provisionResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"secret_id": p.cfg.SecretID,
			"signature": p.cfg.Signature,
			"num":       strconv.Itoa(n),
			"format":    "json",
		}).
		SetResult(&out).
		Get(p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("provision proxies: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("provision proxies: status %d", resp.StatusCode())
	}
	endpoints := make([]string, 0, len(out.Data.ProxyList))
	for _, ep := range out.Data.ProxyList {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		if out.Msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoProxies, out.Msg)
		}
		return nil, ErrNoProxies
	}
	return endpoints, nil
}
