package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/metrics"
)

// ErrEmptyPool is returned by PickProxy when no endpoint is active.
var ErrEmptyPool = errors.New("proxy pool is empty")

// Credentials authenticate every proxied request.
type Credentials struct {
	Username string
	Password string
}

// Config controls eviction.
type Config struct {
	// MaxErrors is the failure count at which an endpoint is evicted.
	MaxErrors   int
	Credentials Credentials
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithLogger sets the rotator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Rotator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records evictions and pool size to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(r *Rotator) {
		r.metrics = c
	}
}

// Rotator owns the active endpoint set and per-endpoint failure counts.
// All state sits behind mu; provisioning calls never hold it.
type Rotator struct {
	provider  Provider
	maxErrors int
	creds     Credentials
	logger    *zap.Logger
	metrics   *metrics.Collectors

	mu          sync.Mutex
	active      []string
	index       map[string]int
	errorCounts map[string]int
}

// NewRotator returns an empty rotator; call Load before use.
func NewRotator(provider Provider, cfg Config, opts ...Option) *Rotator {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 1
	}
	r := &Rotator{
		provider:    provider,
		maxErrors:   cfg.MaxErrors,
		creds:       cfg.Credentials,
		logger:      zap.NewNop(),
		index:       make(map[string]int),
		errorCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the pool with n freshly provisioned endpoints and clears all
// failure counts. An empty result is ErrEmptyPool.
func (r *Rotator) Load(ctx context.Context, n int) error {
	if r.provider == nil {
		return errors.New("proxy provider is not configured")
	}
	endpoints, err := r.provider.Provision(ctx, n)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	r.mu.Lock()
	r.active = r.active[:0]
	r.index = make(map[string]int, len(endpoints))
	r.errorCounts = make(map[string]int)
	for _, ep := range endpoints {
		r.addLocked(ep)
	}
	size := len(r.active)
	r.mu.Unlock()

	r.metrics.SetProxyPoolSize(size)
	if size == 0 {
		return fmt.Errorf("load proxies: %w", ErrEmptyPool)
	}
	r.logger.Info("proxy pool loaded", zap.Int("size", size))
	return nil
}

// PickProxy returns a uniformly random active endpoint.
func (r *Rotator) PickProxy() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) == 0 {
		return "", ErrEmptyPool
	}
	return r.active[rand.IntN(len(r.active))], nil
}

// ReportFailure counts a failed attempt through endpoint. When the count
// reaches MaxErrors the endpoint is evicted and one replacement is
// provisioned on the calling goroutine. Reports for endpoints that are no
// longer active are ignored. The returned error only concerns replenishment;
// the eviction itself always holds.
func (r *Rotator) ReportFailure(ctx context.Context, endpoint string) (bool, error) {
	r.mu.Lock()
	if _, ok := r.index[endpoint]; !ok {
		r.mu.Unlock()
		return false, nil
	}
	r.errorCounts[endpoint]++
	if r.errorCounts[endpoint] < r.maxErrors {
		r.mu.Unlock()
		return false, nil
	}
	r.removeLocked(endpoint)
	delete(r.errorCounts, endpoint)
	size := len(r.active)
	r.mu.Unlock()

	r.metrics.ObserveProxyEviction()
	r.metrics.SetProxyPoolSize(size)
	r.logger.Info("evicting proxy", zap.String("proxy", endpoint), zap.Int("max_errors", r.maxErrors))

	if err := r.replenish(ctx); err != nil {
		r.metrics.ObserveReplenishFailure()
		return true, err
	}
	return true, nil
}

func (r *Rotator) replenish(ctx context.Context) error {
	if r.provider == nil {
		return errors.New("proxy provider is not configured")
	}
	endpoints, err := r.provider.Provision(ctx, 1)
	if err != nil {
		return fmt.Errorf("replenish proxy: %w", err)
	}
	r.mu.Lock()
	added := 0
	for _, ep := range endpoints {
		if r.addLocked(ep) {
			added++
		}
	}
	size := len(r.active)
	r.mu.Unlock()

	r.metrics.SetProxyPoolSize(size)
	if added == 0 {
		return errors.New("replenish proxy: provider returned only active endpoints")
	}
	return nil
}

// Auth returns the fixed credential pair.
func (r *Rotator) Auth() Credentials {
	return r.creds
}

// ProxyURL renders endpoint as an http proxy URL carrying the credentials.
func (r *Rotator) ProxyURL(endpoint string) string {
	u := url.URL{Scheme: "http", Host: endpoint}
	if r.creds.Username != "" {
		u.User = url.UserPassword(r.creds.Username, r.creds.Password)
	}
	return u.String()
}

// Size reports the number of active endpoints.
func (r *Rotator) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Endpoints copies the active set.
func (r *Rotator) Endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.active...)
}

// ErrorCount reports the current failure count for endpoint.
func (r *Rotator) ErrorCount(endpoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorCounts[endpoint]
}

func (r *Rotator) addLocked(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if _, ok := r.index[endpoint]; ok {
		return false
	}
	r.index[endpoint] = len(r.active)
	r.active = append(r.active, endpoint)
	return true
}

// removeLocked swaps endpoint with the tail and truncates.
func (r *Rotator) removeLocked(endpoint string) {
	i, ok := r.index[endpoint]
	if !ok {
		return
	}
	last := len(r.active) - 1
	if i != last {
		moved := r.active[last]
		r.active[i] = moved
		r.index[moved] = i
	}
	r.active = r.active[:last]
	delete(r.index, endpoint)
}
