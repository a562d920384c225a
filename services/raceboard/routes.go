// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package raceboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/raceboard/pkg/ids"
	"github.com/AleutianAI/raceboard/services/raceboard/config"
	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// The "raceid" binding tag rejects IDs in the reserved adapter
// namespace before a request reaches a handler.
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("raceid", func(fl validator.FieldLevel) bool {
			return ids.ValidateRaceID(fl.Field().String()) == nil
		})
	}
}

// NewRouter assembles the REST engine: recovery, tracing, body and
// deadline limits, then the full route table. metricsHandler, when
// non-nil, serves the Prometheus scrape endpoint at /metrics.
func NewRouter(h *Handlers, cfg *config.Config, metricsHandler http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("raceboard"))
	r.Use(bodyLimit(cfg.Limits.BodyLimitBytes))
	r.Use(requestTimeout(cfg.Limits.RequestTimeout.Std()))

	RegisterRoutes(r, h, cfg)

	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}
	return r
}

// RegisterRoutes installs the REST surface:
//
//	POST   /race                        - create or update a race
//	GET    /race/:id                    - fetch one race (active or historic)
//	PATCH  /race/:id                    - partial update
//	DELETE /race/:id                    - dismiss from the active set
//	POST   /race/:id/event              - append a display event
//	GET    /races                       - list the active set
//	GET    /historic/races              - page through completed races
//	POST   /adapter/register            - register an adapter instance
//	POST   /adapter/health              - adapter heartbeat
//	DELETE /adapter/register/:key       - graceful adapter shutdown
//	GET    /adapter/status              - all adapters plus summary
//	GET    /adapter/status/:key         - one adapter
//	GET    /health                      - server health
//	POST   /admin/purge                 - permanently delete races
//	POST   /admin/compact               - background storage compaction
//	POST   /admin/snapshot              - export a snapshot now
//	POST   /admin/rebuild               - background cluster rebuild
//	GET    /admin/storage-report        - storage census
//	GET    /admin/metrics               - JSON metrics summary
//	GET    /admin/rollout               - clustering rollout state
//	POST   /admin/rollout/reset         - rollout back to phase 1
//	POST   /admin/rollout/enable-all    - force one rollout mode
//
// Race mutations and adapter registration carry per-client token
// buckets; reads and health reports are unthrottled.
func RegisterRoutes(r *gin.Engine, h *Handlers, cfg *config.Config) {
	ingestLimit := rateLimit(newPerClientLimiter(cfg.Limits.IngestRPS, cfg.Limits.IngestBurst))
	registerLimit := rateLimit(newPerClientLimiter(cfg.Limits.RegisterRPS, cfg.Limits.RegisterBurst))

	// Race ingestion and queries
	races := r.Group("/race")
	{
		races.POST("", ingestLimit, h.HandleCreateOrUpdateRace)
		races.GET("/:id", h.HandleGetRace)
		races.PATCH("/:id", ingestLimit, h.HandlePatchRace)
		races.DELETE("/:id", ingestLimit, h.HandleDeleteRace)
		races.POST("/:id/event", ingestLimit, h.HandleAppendEvent)
	}
	r.GET("/races", h.HandleListRaces)
	r.GET("/historic/races", h.HandleHistoricRaces)

	// Adapter lifecycle
	adapters := r.Group("/adapter")
	{
		adapters.POST("/register", registerLimit, h.HandleRegisterAdapter)
		adapters.POST("/health", h.HandleAdapterHealth)
		adapters.DELETE("/register/:key", registerLimit, h.HandleDeregisterAdapter)
		adapters.GET("/status", h.HandleAdapterStatus)
		adapters.GET("/status/:key", h.HandleAdapterStatusByKey)
	}

	r.GET("/health", h.HandleHealth)

	// Operator surface
	admin := r.Group("/admin")
	{
		admin.POST("/purge", h.HandlePurge)
		admin.POST("/compact", h.HandleCompact)
		admin.POST("/snapshot", h.HandleSnapshot)
		admin.POST("/rebuild", h.HandleRebuild)
		admin.GET("/storage-report", h.HandleStorageReport)
		admin.GET("/metrics", h.HandleAdminMetrics)
		admin.GET("/rollout", h.HandleRolloutState)
		admin.POST("/rollout/reset", h.HandleRolloutReset)
		admin.POST("/rollout/enable-all", h.HandleRolloutEnableAll)
	}
}

// bodyLimit caps request bodies so a runaway adapter cannot balloon
// memory. Reads past the cap fail the bind with a 413.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// requestTimeout puts a deadline on the request context. Storage and
// registry calls inherit it; an exceeded deadline surfaces as 504.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// perClientLimiter holds one token bucket per client address. Buckets
// are never pruned: the server binds to loopback, so the client set is
// a handful of local adapters and the map stays tiny.
type perClientLimiter struct {
	rps   float64
	burst int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newPerClientLimiter(rps float64, burst int) *perClientLimiter {
	return &perClientLimiter{rps: rps, burst: burst, clients: make(map[string]*rate.Limiter)}
}

func (l *perClientLimiter) allow(key string) bool {
	if l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.clients[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.clients[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func rateLimit(l *perClientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			writeError(c, race.ErrRateLimited)
			return
		}
		c.Next()
	}
}
