package cdn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// MaxModuleSize is the default bound on one downloaded module
const MaxModuleSize = 8 * 1024 * 1024

// Config tunes the fetcher
type Config struct {
	Timeout time.Duration
	Retries int
	// RateLimit is requests per second across all sessions; zero disables it
	RateLimit float64
	CacheSize int
	UserAgent string
	// MaxModuleSize caps a response body; reading stops once it is exceeded
	MaxModuleSize int
}

// DefaultConfig is suitable for esm.sh
func DefaultConfig() Config {
	return Config{
		Timeout:   15 * time.Second,
		Retries:   2,
		RateLimit: 50,
		CacheSize: 512,
		UserAgent: "tsingtao/1.0",

		MaxModuleSize: MaxModuleSize,
	}
}

// Module is the source of one CDN module. URL is where it was served
// from after redirects and is the base for its relative imports.
type Module struct {
	URL         string
	Source      string
	ContentType string
}

// Recorder observes fetches, e.g. for metrics
type Recorder interface {
	RecordFetch(outcome string, duration time.Duration)
	RecordBreakerState(state string)
}

// Fetcher downloads module sources. It caches source text only, so two
// sandboxes never share execution state through it.
type Fetcher struct {
	http     *http.Client
	client   *resty.Client
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
	cache    *lru.Cache[string, *Module]
	recorder Recorder
	logger   *zap.Logger
	maxSize  int
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithRecorder reports fetch outcomes to r
func WithRecorder(r Recorder) Option {
	return func(f *Fetcher) { f.recorder = r }
}

// WithHTTPClient replaces the retrying transport, mainly for tests
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.http = c }
}

// New creates a fetcher
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxModuleSize <= 0 {
		cfg.MaxModuleSize = MaxModuleSize
	}

	cache, err := lru.New[string, *Module](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create module cache: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = leveledLogger{logger.Sugar().Named("retry")}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	f := &Fetcher{
		maxSize: cfg.MaxModuleSize,
		limiter: limiter,
		cache:   cache,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.http == nil {
		f.http = retryClient.StandardClient()
	}
	f.client = newResty(f.http, cfg.Timeout, cfg.UserAgent).SetResponseBodyLimit(cfg.MaxModuleSize)

	f.breaker = resilience.New("cdn", resilience.Settings{
		Probes:   2,
		Cooldown: 10 * time.Second,
		Trip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5 ||
				(c.Requests >= 20 && float64(c.TotalFailures)/float64(c.Requests) > 0.5)
		},
		Counted: upstreamFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			f.logger.Warn("CDN breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if f.recorder != nil {
				f.recorder.RecordBreakerState(to.String())
			}
		},
	})
	return f, nil
}

func newResty(c *http.Client, timeout time.Duration, userAgent string) *resty.Client {
	client := resty.NewWithClient(c).
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("Accept", "application/javascript, text/javascript, */*;q=0.1")
	if userAgent != "" {
		client.SetHeader("User-Agent", userAgent)
	}
	return client
}

// Fetch returns the module at url. Failures are FetchErrors naming url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Module, error) {
	if mod, ok := f.cache.Get(url); ok {
		f.record("cache_hit", 0)
		return mod, nil
	}

	start := time.Now()
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, types.NewError(types.KindFetchError, "", url, "", err)
	}

	var mod *Module
	err := f.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		mod, err = f.get(ctx, url)
		return err
	})
	if err != nil {
		f.record("error", time.Since(start))
		f.logger.Debug("CDN fetch failed", zap.String("url", url), zap.Error(err))
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return nil, types.NewError(types.KindFetchError, "", url, fmt.Sprintf("CDN unavailable, not fetching %q", url), err)
		}
		return nil, err
	}

	f.record("ok", time.Since(start))
	f.cache.Add(url, mod)
	if mod.URL != url {
		f.cache.Add(mod.URL, mod)
	}
	return mod, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (*Module, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, &TooLargeError{URL: url, Limit: f.maxSize}
	}
	if err != nil {
		return nil, types.NewError(types.KindFetchError, "", url, "", err)
	}
	if resp.IsError() {
		return nil, &StatusError{URL: url, Status: resp.StatusCode()}
	}
	body := resp.Body()

	final := url
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		final = raw.Request.URL.String()
	}
	return &Module{URL: final, Source: string(body), ContentType: resp.Header().Get("Content-Type")}, nil
}

// BreakerState reports the CDN breaker's state
func (f *Fetcher) BreakerState() resilience.State {
	return f.breaker.State()
}

// Purge drops every cached module
func (f *Fetcher) Purge() {
	f.cache.Purge()
}

func (f *Fetcher) record(outcome string, d time.Duration) {
	if f.recorder != nil {
		f.recorder.RecordFetch(outcome, d)
	}
}

// StatusError is a non-2xx response from the CDN
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch %q: %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

func (e *StatusError) Unwrap() error {
	return types.ErrFetch
}

// TooLargeError is a module whose body exceeded the size limit
type TooLargeError struct {
	URL   string
	Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("module %q exceeds the %d byte limit", e.URL, e.Limit)
}

func (e *TooLargeError) Unwrap() error {
	return types.ErrFetch
}

// upstreamFailure counts server errors and transport failures but not
// client errors, which mean a bad package name rather than a sick CDN
func upstreamFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var tooLarge *TooLargeError
	if errors.As(err, &tooLarge) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Status >= 500 || status.Status == http.StatusTooManyRequests
	}
	return true
}

// leveledLogger adapts zap to retryablehttp's logger interface
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
