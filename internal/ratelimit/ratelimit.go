// Package ratelimit throttles outbound broker calls with leaky buckets.
//
// Several buckets (for example per-second and per-minute order caps) may gate
// one call class. A call proceeds only when every gating bucket holds a whole
// token, and then one token is taken from each of them under a single lock.
//
// A bucket refills continuously, but it also admits at most Capacity calls in
// any rolling window of Capacity/Rate (one second for an N/sec bucket of
// capacity N).
// Callers that cannot proceed wait in a bounded queue; when the queue is full
// Acquire fails fast so the caller can report "try later".
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/backoff"
	"github.com/sayujks0071/antidhan-sub001/internal/config"
	"github.com/sayujks0071/antidhan-sub001/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	ClassOrders  = "orders"
	ClassQueries = "queries"
)

type BucketConfig struct {
	Name     string
	Rate     float64 // tokens per second
	Capacity int
}

type Config struct {
	Buckets  []BucketConfig
	Classes  map[string][]string
	MaxQueue int
}

// FromConfig maps the rate_limit config section onto the default buckets.
func FromConfig(cfg config.RateLimitConfig) Config {
	return Config{
		Buckets: []BucketConfig{
			{Name: "orders_per_second", Rate: cfg.OrdersPerSecond, Capacity: capacity(cfg.OrdersPerSecond)},
			{Name: "orders_per_minute", Rate: cfg.OrdersPerMinute / 60, Capacity: capacity(cfg.OrdersPerMinute)},
			{Name: "queries_per_second", Rate: cfg.QueriesPerSecond, Capacity: capacity(cfg.QueriesPerSecond)},
		},
		Classes: map[string][]string{
			ClassOrders:  {"orders_per_second", "orders_per_minute"},
			ClassQueries: {"queries_per_second"},
		},
		MaxQueue: cfg.MaxQueue,
	}
}

func capacity(perWindow float64) int {
	if perWindow < 1 {
		return 1
	}
	return int(perWindow)
}

// bucket is one token bucket plus the grant times inside its rolling window.
type bucket struct {
	lim    *rate.Limiter
	window time.Duration
	grants []time.Time
}

func newBucket(cfg BucketConfig) *bucket {
	return &bucket{
		lim:    rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Capacity),
		window: time.Duration(math.Ceil(float64(cfg.Capacity) / cfg.Rate * float64(time.Second))),
		grants: make([]time.Time, 0, cfg.Capacity),
	}
}

// shortfall returns how long until the bucket can admit one more call.
func (b *bucket) shortfall(now time.Time) time.Duration {
	b.prune(now)
	var d time.Duration
	if tokens := b.lim.TokensAt(now); tokens < 1 {
		d = time.Duration(math.Ceil((1 - tokens) / float64(b.lim.Limit()) * float64(time.Second)))
		if d <= 0 {
			d = time.Nanosecond
		}
	}
	if len(b.grants) >= b.lim.Burst() {
		if w := b.grants[0].Add(b.window).Sub(now); w > d {
			d = w
		}
	}
	return d
}

func (b *bucket) take(now time.Time) {
	b.lim.AllowN(now, 1)
	b.grants = append(b.grants, now)
}

// prune drops grants that no longer share a window with now.
func (b *bucket) prune(now time.Time) {
	i := 0
	for i < len(b.grants) && now.Sub(b.grants[i]) >= b.window {
		i++
	}
	if i > 0 {
		b.grants = append(b.grants[:0], b.grants[i:]...)
	}
}

type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	classes  map[string][]*bucket
	waiting  int
	maxQueue int
	metrics  *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

// WithClock replaces the wall clock and sleeper; tests use it to drive time.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		buckets:  make(map[string]*bucket, len(cfg.Buckets)),
		classes:  make(map[string][]*bucket, len(cfg.Classes)),
		maxQueue: cfg.MaxQueue,
		now:      time.Now,
		sleep:    backoff.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, b := range cfg.Buckets {
		if b.Rate <= 0 || b.Capacity < 1 {
			return nil, fmt.Errorf("bucket %s: rate and capacity must be positive", b.Name)
		}
		l.buckets[b.Name] = newBucket(b)
	}
	for class, names := range cfg.Classes {
		if len(names) == 0 {
			return nil, fmt.Errorf("class %s has no buckets", class)
		}
		for _, name := range names {
			b, ok := l.buckets[name]
			if !ok {
				return nil, fmt.Errorf("class %s references unknown bucket %s", class, name)
			}
			l.classes[class] = append(l.classes[class], b)
		}
	}
	return l, nil
}

// Acquire takes one token from every bucket gating class. It returns false
// without waiting when the wait queue is full, when the class is unknown, or
// when ctx ends while queued.
func (l *Limiter) Acquire(ctx context.Context, class string) bool {
	l.mu.Lock()
	gates, ok := l.classes[class]
	if !ok {
		l.mu.Unlock()
		return false
	}

	queued := false
	for {
		now := l.now()
		wait := shortfall(gates, now)
		if wait == 0 {
			for _, b := range gates {
				b.take(now)
			}
			if queued {
				l.dequeueLocked()
			}
			l.mu.Unlock()
			return true
		}

		if !queued {
			if l.waiting >= l.maxQueue {
				l.mu.Unlock()
				return false
			}
			l.waiting++
			l.metrics.SetQueueDepth(l.waiting)
			queued = true
		}

		l.mu.Unlock()
		err := l.sleep(ctx, wait)
		l.mu.Lock()
		if err != nil {
			l.dequeueLocked()
			l.mu.Unlock()
			return false
		}
	}
}

// QueueDepth is the number of callers currently waiting for tokens.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}

// Tokens reports the tokens currently available in a named bucket.
func (l *Limiter) Tokens(bucket string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[bucket]
	if !ok {
		return 0
	}
	return b.lim.TokensAt(l.now())
}

func (l *Limiter) dequeueLocked() {
	l.waiting--
	l.metrics.SetQueueDepth(l.waiting)
}

// shortfall returns how long until every gate can admit a call.
func shortfall(gates []*bucket, now time.Time) time.Duration {
	var wait time.Duration
	for _, b := range gates {
		if d := b.shortfall(now); d > wait {
			wait = d
		}
	}
	return wait
}
