// Package ratelimit provides shared, category-keyed rate limiting for
// plugin external calls.
//
// Plugins that talk to the same external service declare the same category
// ("llm-api", say) and draw from one token bucket, so a pipeline with three
// enrichment transforms against one API still respects that API's limit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	maxCategories           = 100
	thresholdMultiplier     = 0.8
	cleanupInterval         = 5 * time.Minute
	idleTimeout             = 1 * time.Hour
)

// ErrLimiterClosed is returned when acquiring from a closed registry.
var ErrLimiterClosed = errors.New("rate limiter registry is closed")

// Limit configures one category's token bucket.
type Limit struct {
	// RPS is the sustained request rate per second.
	RPS float64 `yaml:"rps"`
	// Burst is the bucket capacity. Zero means 2 x RPS.
	Burst int `yaml:"burst"`
}

// Config configures the registry.
type Config struct {
	// Categories maps category names to their limits. Categories not listed
	// here fall back to Default.
	Categories map[string]Limit `yaml:"categories"`
	// Default applies to categories with no explicit limit. Nil means
	// unknown categories are unlimited.
	Default *Limit `yaml:"default"`
	// CleanupInterval and IdleTimeout control removal of idle lazily-created
	// buckets. Zero values use package defaults.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// categoryLimiter tracks one category's bucket plus its last access time
// for cleanup.
type categoryLimiter struct {
	limiter    *rate.Limiter
	configured bool
	lastAccess time.Time
	mu         sync.Mutex
}

// Registry hands out shared token buckets by category name.
//
// Buckets for configured categories are created eagerly and never cleaned
// up; buckets created lazily from the default limit are removed after
// sitting idle.
type Registry struct {
	mu         sync.RWMutex
	categories map[string]*categoryLimiter
	def        *Limit
	logger     *slog.Logger

	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
	closed        bool

	cleanupEvery time.Duration
	idleAfter    time.Duration
}

// New creates a registry from config. Close must be called to stop the
// cleanup goroutine.
func New(cfg *Config, logger *slog.Logger) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		categories:   make(map[string]*categoryLimiter),
		def:          cfg.Default,
		logger:       logger,
		done:         make(chan struct{}),
		cleanupEvery: cfg.CleanupInterval,
		idleAfter:    cfg.IdleTimeout,
	}

	if r.cleanupEvery == 0 {
		r.cleanupEvery = cleanupInterval
	}

	if r.idleAfter == 0 {
		r.idleAfter = idleTimeout
	}

	for name, limit := range cfg.Categories {
		r.categories[name] = &categoryLimiter{
			limiter:    newBucket(limit),
			configured: true,
			lastAccess: time.Now(),
		}
	}

	r.startCleanup()

	return r
}

func newBucket(limit Limit) *rate.Limiter {
	burst := limit.Burst
	if burst <= 0 {
		burst = int(limit.RPS) * burstCapacityMultiplier
		if burst < 1 {
			burst = 1
		}
	}

	return rate.NewLimiter(rate.Limit(limit.RPS), burst)
}

// Acquire blocks until n tokens are available in the category's bucket, the
// context is cancelled, or the registry is closed. Categories with no
// configured limit and no default return immediately.
func (r *Registry) Acquire(ctx context.Context, category string, n int) error {
	limiter, err := r.limiterFor(category)
	if err != nil {
		return err
	}

	if limiter == nil {
		return nil
	}

	if err := limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("acquire %d from category %q: %w", n, category, err)
	}

	return nil
}

// TryAcquire reports whether n tokens are immediately available, consuming
// them when they are. Unlimited categories always succeed.
func (r *Registry) TryAcquire(category string, n int) bool {
	limiter, err := r.limiterFor(category)
	if err != nil || limiter == nil {
		return err == nil
	}

	return limiter.AllowN(time.Now(), n)
}

// limiterFor returns the category's bucket, lazily creating one from the
// default limit. A nil limiter with nil error means unlimited.
func (r *Registry) limiterFor(category string) (*rate.Limiter, error) {
	r.mu.RLock()

	if r.closed {
		r.mu.RUnlock()

		return nil, ErrLimiterClosed
	}

	cl, ok := r.categories[category]
	r.mu.RUnlock()

	if ok {
		cl.touch()

		return cl.limiter, nil
	}

	if r.def == nil {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrLimiterClosed
	}

	// Double-check after acquiring the write lock.
	if cl, ok = r.categories[category]; !ok {
		cl = &categoryLimiter{
			limiter:    newBucket(*r.def),
			lastAccess: time.Now(),
		}
		r.categories[category] = cl

		count := len(r.categories)
		threshold := int(maxCategories * thresholdMultiplier)

		if count >= threshold {
			r.logger.Warn("rate limiter approaching max categories",
				slog.Int("current_categories", count),
				slog.Int("max_categories", maxCategories),
			)
		}
	}

	cl.touch()

	return cl.limiter, nil
}

func (cl *categoryLimiter) touch() {
	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		if r.cleanupTicker != nil {
			r.cleanupTicker.Stop()
		}

		close(r.done)
	})
}

func (r *Registry) startCleanup() {
	r.cleanupTicker = time.NewTicker(r.cleanupEvery)

	go func() {
		for {
			select {
			case <-r.cleanupTicker.C:
				r.cleanup()
			case <-r.done:
				return
			}
		}
	}()
}

// cleanup removes lazily-created buckets that have sat idle. Configured
// categories are kept: their limits are part of the pipeline contract.
func (r *Registry) cleanup() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, cl := range r.categories {
		if cl.configured {
			continue
		}

		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > r.idleAfter {
			delete(r.categories, name)
		}
	}
}
