package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sayujks0071/antidhan-sub001/internal/broker"
	"github.com/sayujks0071/antidhan-sub001/internal/broker/paper"
	"github.com/sayujks0071/antidhan-sub001/internal/broker/rest"
	"github.com/sayujks0071/antidhan-sub001/internal/broker/stream"
	"github.com/sayujks0071/antidhan-sub001/internal/config"
	"github.com/sayujks0071/antidhan-sub001/internal/engine"
	"github.com/sayujks0071/antidhan-sub001/internal/intake"
	"github.com/sayujks0071/antidhan-sub001/internal/lease"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/metrics"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/oco"
	"github.com/sayujks0071/antidhan-sub001/internal/opsserver"
	"github.com/sayujks0071/antidhan-sub001/internal/orderstore"
	"github.com/sayujks0071/antidhan-sub001/internal/ratelimit"
	"github.com/sayujks0071/antidhan-sub001/internal/storage"
	"github.com/sayujks0071/antidhan-sub001/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})
	entry := log.WithComponent("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		entry.WithError(err).Fatal("storage unavailable")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	leader, err := lease.New(lease.Config{
		Key:             cfg.Lease.Key,
		HolderID:        lease.NewHolderID(),
		TTL:             cfg.Lease.TTL,
		RefreshInterval: cfg.Lease.RefreshInterval,
	}, lease.NewRedisStore(rdb), log, m)
	if err != nil {
		entry.WithError(err).Fatal("lease config")
	}

	limiter, err := ratelimit.New(ratelimit.FromConfig(cfg.RateLimit), ratelimit.WithMetrics(m))
	if err != nil {
		entry.WithError(err).Fatal("rate limit config")
	}

	session := broker.NewSession(cfg.Broker.AccessToken)
	var refresh broker.RefreshFunc
	if cfg.Broker.TokenFile != "" {
		refresher := broker.NewFileRefresher(cfg.Broker.TokenFile, session, log)
		if err := refresher.Load(); err != nil {
			entry.WithError(err).Fatal("token file")
		}
		refresh = refresher.Refresh
	}

	book := orderstore.NewBook()
	var w *watcher.Watcher
	poke := func() {
		if w != nil {
			w.Poke()
		}
	}

	var client broker.Client
	if cfg.Execution.Live {
		client = rest.New(cfg.Broker.BaseURL, session, cfg.Broker.Timeout)
	} else {
		client = paper.New(log, paper.WithNotify(poke))
	}
	gw := broker.NewGateway(client, limiter, refresh, broker.GatewayConfig{
		MaxRetries:   cfg.Broker.MaxRetries,
		RetryBackoff: cfg.Broker.RetryBackoff,
	}, log)

	coord := oco.New(book, gw, leader, db, log, m)
	w = watcher.New(book, gw, coord, leader, db, cfg.Execution.PollInterval, log, m)
	eng := engine.New(engine.Config{
		Live:           cfg.Execution.Live,
		EntryOrderType: models.OrderType(cfg.Execution.EntryOrderType),
		FillTimeout:    cfg.Execution.FillTimeout,
	}, engine.Deps{
		Book:        book,
		Gateway:     gw,
		Coordinator: coord,
		Reconciler:  w,
		Lease:       leader,
		Session:     session,
		Store:       db,
	}, log, m)
	consumer := intake.New(rdb, intake.Config{
		Key:     cfg.Intake.Key,
		Workers: cfg.Intake.Workers,
		Block:   cfg.Intake.Block,
	}, eng, leader, log)
	ops := opsserver.New(cfg.Ops.Listen, opsserver.Deps{
		Lease:    leader,
		Limiter:  limiter,
		Book:     book,
		Groups:   coord,
		Gatherer: reg,
		Live:     cfg.Execution.Live,
	}, log)

	entry.WithFields(map[string]interface{}{
		"live":      cfg.Execution.Live,
		"holder_id": leader.HolderID(),
		"entry":     cfg.Execution.EntryOrderType,
	}).Info("executor starting")

	// The lease outlives the workers so in-flight orders finish as leader.
	leaseCtx, stopLease := context.WithCancel(context.Background())
	leaseDone := make(chan struct{})
	go func() {
		leader.Run(leaseCtx)
		close(leaseDone)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				entry.WithError(err).WithField("task", name).Error("background task stopped")
			}
		}()
	}
	run("watcher", w.Run)
	run("intake", consumer.Run)
	run("ops", ops.Run)
	if cfg.Execution.Live && cfg.Broker.WSURL != "" {
		orders := stream.New(cfg.Broker.WSURL, session, func(stream.Event) { poke() }, log)
		run("order_stream", orders.Run)
	}

	<-ctx.Done()
	entry.Info("shutting down")
	wg.Wait()
	stopLease()
	<-leaseDone
	entry.Info("executor stopped")
}
