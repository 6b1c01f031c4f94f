// Package opsserver serves read-only health, status and metrics endpoints.
package opsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/sayujks0071/antidhan-sub001/internal/orderstore"
	"github.com/sirupsen/logrus"
)

type Leadership interface {
	IsHeld() bool
	HolderID() string
}

type QueueDepther interface {
	QueueDepth() int
}

type Groups interface {
	Groups() []models.OCOGroup
}

type Deps struct {
	Lease    Leadership
	Limiter  QueueDepther
	Book     *orderstore.Book
	Groups   Groups
	Gatherer prometheus.Gatherer
	Live     bool
}

type Server struct {
	addr   string
	deps   Deps
	router *gin.Engine
	log    *logger.Logger
}

type statusResponse struct {
	Leader     bool   `json:"leader"`
	HolderID   string `json:"holder_id"`
	Live       bool   `json:"live"`
	QueueDepth int    `json:"queue_depth"`
	OpenOrders int    `json:"open_orders"`
	LiveGroups int    `json:"live_groups"`
}

func New(addr string, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:   addr,
		deps:   deps,
		router: gin.New(),
		log:    log,
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/groups", s.groups)
	s.router.GET("/orders/open", s.openOrders)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Leader:     s.deps.Lease.IsHeld(),
		HolderID:   s.deps.Lease.HolderID(),
		Live:       s.deps.Live,
		QueueDepth: s.deps.Limiter.QueueDepth(),
		OpenOrders: len(s.deps.Book.Open()),
		LiveGroups: len(s.deps.Book.GroupIDs()),
	})
}

func (s *Server) groups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": s.deps.Groups.Groups()})
}

func (s *Server) openOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.deps.Book.Open()})
}

// Run serves until ctx ends, then shuts down with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logEntry().WithField("addr", s.addr).Info("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logEntry().WithError(err).Warn("ops server shutdown")
		return err
	}
	return nil
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("ops")
}
