// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves persisted migration results over HTTP.
//
// The API is read-only. Cycles are written by the CLI; the server picks
// them up from the shared repository and recomputes the latest
// comparison when the results directory changes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/d365migrate/services/migration/comparison"
	"github.com/AleutianAI/d365migrate/services/migration/readiness"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
)

// ErrMissingDependency is returned by NewServer when a service is nil.
var ErrMissingDependency = errors.New("api dependency must not be nil")

const latestComparisonKey = "latest"

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "d365migrate",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Results API requests by route and status code.",
	},
	[]string{"route", "code"},
)

// Deps are the services the API reads from.
type Deps struct {
	Repository storage.Repository
	Comparison *comparison.Service
	Readiness  *readiness.Service

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the results API.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent requests for the latest
//	comparison share one computation.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *gin.Engine

	group singleflight.Group

	mu     sync.RWMutex
	latest *comparison.Result
	gen    uint64
}

// NewServer builds the router.
func NewServer(deps Deps) (*Server, error) {
	if deps.Repository == nil || deps.Comparison == nil || deps.Readiness == nil {
		return nil, ErrMissingDependency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}
	s.router = s.routes()
	return s, nil
}

// Router exposes the engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("d365migrate-api"))
	r.Use(s.countRequests)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "d365migrate"})
	})
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/cycles", s.listCycles)
	v1.GET("/cycles/latest", s.latestCycle)
	v1.GET("/cycles/:id", s.getCycle)
	v1.GET("/comparison", s.getComparison)
	v1.GET("/readiness", s.getReadiness)
	return r
}

func (s *Server) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	requestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

func (s *Server) listCycles(c *gin.Context) {
	ids, err := s.deps.Repository.ListIDs(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "list cycles", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"cycles": ids})
}

func (s *Server) latestCycle(c *gin.Context) {
	latest, err := s.deps.Repository.GetLatest(c.Request.Context(), 1)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "load latest cycle", err)
		return
	}
	if len(latest) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycles recorded"})
		return
	}
	c.JSON(http.StatusOK, latest[0])
}

func (s *Server) getCycle(c *gin.Context) {
	id := c.Param("id")
	if !storage.ValidCycleID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cycle id"})
		return
	}
	result, err := s.deps.Repository.GetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "load cycle", err)
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// getComparison compares ?current= with ?previous=. Without parameters
// the cached latest comparison is returned.
func (s *Server) getComparison(c *gin.Context) {
	current := c.Query("current")
	previous := c.Query("previous")
	for _, id := range []string{current, previous} {
		if id != "" && !storage.ValidCycleID(id) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cycle id"})
			return
		}
	}

	var (
		result *comparison.Result
		err    error
	)
	if current == "" && previous == "" {
		result, err = s.latestComparison(c.Request.Context())
	} else {
		result, err = s.deps.Comparison.Compare(c.Request.Context(), current, previous)
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "compare cycles", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) latestComparison(ctx context.Context) (*comparison.Result, error) {
	s.mu.RLock()
	cached, gen := s.latest, s.gen
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := s.group.Do(latestComparisonKey, func() (interface{}, error) {
		// Detach from the first caller so its cancellation does not fail
		// the callers sharing this computation.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		res, err := s.deps.Comparison.Compare(ctx, "", "")
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		// A change seen while computing leaves the cache empty.
		if s.gen == gen {
			s.latest = res
		}
		s.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*comparison.Result), nil
}

// Invalidate drops the cached latest comparison.
func (s *Server) Invalidate() {
	s.mu.Lock()
	s.latest = nil
	s.gen++
	s.mu.Unlock()
	s.group.Forget(latestComparisonKey)
}

func (s *Server) getReadiness(c *gin.Context) {
	n := 0
	if raw := c.Query("cycles"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cycles must be a non-negative integer"})
			return
		}
		n = v
	}
	report, err := s.deps.Readiness.Generate(c.Request.Context(), n)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "generate readiness report", err)
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycles recorded"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) fail(c *gin.Context, code int, op string, err error) {
	s.logger.Error("api request failed",
		slog.String("op", op),
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()))
	c.JSON(code, gin.H{"error": op + " failed"})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("results API listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
