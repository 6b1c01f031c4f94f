// Package lease elects the single process allowed to place orders.
//
// The lease is a key in a shared store holding the holder's instance id with
// an expiry. Losing it is always the safe direction: every store error or
// failed ownership check demotes the local holder at once.
package lease

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/metrics"
	"github.com/sirupsen/logrus"
)

const releaseTimeout = 3 * time.Second

type Config struct {
	Key             string
	HolderID        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

type Lease struct {
	store    Store
	key      string
	holderID string
	ttl      time.Duration
	refresh  time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	held   bool
	expiry time.Time
}

func New(cfg Config, store Store, log *logger.Logger, m *metrics.Metrics) (*Lease, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("lease key is empty")
	}
	if cfg.TTL <= 0 || cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("lease ttl and refresh interval must be positive")
	}
	if cfg.RefreshInterval*2 >= cfg.TTL {
		return nil, fmt.Errorf("lease refresh interval %s must be under half the ttl %s", cfg.RefreshInterval, cfg.TTL)
	}
	holder := cfg.HolderID
	if holder == "" {
		holder = NewHolderID()
	}
	return &Lease{
		store:    store,
		key:      cfg.Key,
		holderID: holder,
		ttl:      cfg.TTL,
		refresh:  cfg.RefreshInterval,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// NewHolderID identifies this process instance: hostname plus a random suffix.
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "executor"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

func (l *Lease) HolderID() string {
	return l.holderID
}

// IsHeld reports leadership. A lease past its local expiry is not held even if
// the refresh loop has not caught up yet.
func (l *Lease) IsHeld() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held && l.now().Before(l.expiry)
}

func (l *Lease) Acquire(ctx context.Context) bool {
	started := l.now()
	ok, err := l.store.SetNX(ctx, l.key, l.holderID, l.ttl)
	if err != nil {
		l.logEntry().WithError(err).Warn("lease acquire failed")
		return false
	}
	if !ok {
		if holder, err := l.store.Get(ctx, l.key); err == nil && holder != "" {
			l.logEntry().WithField("current_holder", holder).Debug("lease held by another instance")
		}
		return false
	}
	l.promote(started.Add(l.ttl))
	return true
}

// Refresh extends the lease if this instance still owns it. Anything other
// than a confirmed extension demotes the lease.
func (l *Lease) Refresh(ctx context.Context) bool {
	started := l.now()
	ok, err := l.store.CompareAndExpire(ctx, l.key, l.holderID, l.ttl)
	if err != nil {
		l.demote("refresh error", err)
		return false
	}
	if !ok {
		l.demote("ownership check failed", nil)
		return false
	}

	l.mu.Lock()
	if l.held {
		l.expiry = started.Add(l.ttl)
	}
	held := l.held
	l.mu.Unlock()
	if !held {
		// Demoted locally (local expiry) but the store still names us.
		l.promote(started.Add(l.ttl))
	}
	return true
}

// Release deletes the key if this instance owns it and always demotes locally.
func (l *Lease) Release(ctx context.Context) {
	deleted, err := l.store.CompareAndDelete(ctx, l.key, l.holderID)
	if err != nil {
		l.logEntry().WithError(err).Warn("lease release failed, key will expire on its own")
	} else if deleted {
		l.logEntry().Info("lease released")
	}
	l.demote("released", nil)
}

// Run keeps the lease: it refreshes while held and retries acquisition while
// not. The lease is released when ctx ends.
func (l *Lease) Run(ctx context.Context) error {
	l.tick(ctx)

	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			l.Release(releaseCtx)
			cancel()
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Lease) tick(ctx context.Context) {
	l.mu.RLock()
	held := l.held
	l.mu.RUnlock()

	if held {
		l.Refresh(ctx)
		return
	}
	l.Acquire(ctx)
}

func (l *Lease) promote(expiry time.Time) {
	l.mu.Lock()
	was := l.held
	l.held = true
	l.expiry = expiry
	l.mu.Unlock()

	if !was {
		l.metrics.LeadershipChanged(true)
		l.logEntry().WithField("expiry", expiry).Info("lease acquired, this instance is the order writer")
	}
}

func (l *Lease) demote(reason string, err error) {
	l.mu.Lock()
	was := l.held
	l.held = false
	l.expiry = time.Time{}
	l.mu.Unlock()

	if !was {
		return
	}
	l.metrics.LeadershipChanged(false)
	entry := l.logEntry().WithField("reason", reason)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("lease lost, order placement stopped")
}

func (l *Lease) logEntry() *logrus.Entry {
	return l.log.WithComponent("lease").WithFields(logrus.Fields{
		"key":    l.key,
		"holder": l.holderID,
	})
}
