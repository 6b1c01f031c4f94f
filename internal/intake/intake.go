// Package intake consumes approved trade decisions from a Redis list and runs
// them through the execution engine on a fixed pool of workers.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sayujks0071/antidhan-sub001/internal/backoff"
	"github.com/sayujks0071/antidhan-sub001/internal/engine"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

type Executor interface {
	ExecuteSignal(ctx context.Context, sig models.Signal, qty int64) (models.OrderResult, models.Order, error)
}

type Leadership interface {
	IsHeld() bool
}

// Request is one message on the intake list.
type Request struct {
	Signal   models.Signal `json:"signal"`
	Quantity int64         `json:"quantity"`
}

type Config struct {
	Key     string
	Workers int
	Block   time.Duration
}

type Consumer struct {
	rdb   redis.UniversalClient
	cfg   Config
	exec  Executor
	lease Leadership
	log   *logger.Logger
	idle  time.Duration
}

func New(rdb redis.UniversalClient, cfg Config, exec Executor, lease Leadership, log *logger.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &Consumer{rdb: rdb, cfg: cfg, exec: exec, lease: lease, log: log, idle: time.Second}
}

func Decode(payload string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return Request{}, fmt.Errorf("decode signal: %w", err)
	}
	if err := req.Signal.Validate(); err != nil {
		return Request{}, err
	}
	if req.Quantity <= 0 {
		return Request{}, fmt.Errorf("signal %s: quantity %d must be positive", req.Signal.DecisionID, req.Quantity)
	}
	return req, nil
}

// Run pops decisions while this instance holds the lease. It returns once ctx
// ends and every in-flight decision has finished.
func (c *Consumer) Run(ctx context.Context) error {
	type job struct {
		req     Request
		payload string
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				c.execute(ctx, j.req, j.payload)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !c.lease.IsHeld() {
			if backoff.Sleep(ctx, c.idle) != nil {
				return nil
			}
			continue
		}

		res, err := c.rdb.BLPop(ctx, c.cfg.Block, c.cfg.Key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logEntry().WithError(err).Warn("intake pop failed")
			if backoff.Sleep(ctx, c.idle) != nil {
				return nil
			}
			continue
		}

		payload := res[1]
		req, err := Decode(payload)
		if err != nil {
			c.logEntry().WithError(err).WithField("payload", payload).Error("malformed signal dropped")
			continue
		}
		select {
		case jobs <- job{req: req, payload: payload}:
		case <-ctx.Done():
			c.requeue(payload, req.Signal.DecisionID)
			return nil
		}
	}
}

func (c *Consumer) execute(ctx context.Context, req Request, payload string) {
	entry := c.log.WithGroupID("intake", req.Signal.DecisionID)
	result, order, err := c.exec.ExecuteSignal(ctx, req.Signal, req.Quantity)
	switch {
	case errors.Is(err, engine.ErrNotLeader), errors.Is(err, engine.ErrRateLimited):
		entry.WithError(err).Info("signal deferred")
		if errors.Is(err, engine.ErrRateLimited) {
			backoff.Sleep(ctx, c.idle)
		}
		c.requeue(payload, req.Signal.DecisionID)
	case errors.Is(err, engine.ErrEntryStillWorking):
		entry.WithError(err).WithFields(logrus.Fields{
			"result": result,
			"filled": order.FilledQuantity,
		}).Error("entry left working at broker")
	case err != nil:
		entry.WithError(err).WithField("result", result).Warn("signal not executed")
	default:
		entry.WithFields(logrus.Fields{
			"result": result,
			"filled": order.FilledQuantity,
		}).Debug("signal done")
	}
}

// requeue puts a deferred decision back at the head of the list.
func (c *Consumer) requeue(payload, decisionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.LPush(ctx, c.cfg.Key, payload).Err(); err != nil {
		c.log.WithGroupID("intake", decisionID).WithError(err).Error("deferred signal lost")
	}
}

func (c *Consumer) logEntry() *logrus.Entry {
	return c.log.WithComponent("intake")
}
