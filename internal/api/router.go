package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/pool"
	"github.com/terminal-bench/leasehub/internal/store"
)

// Check is a named health probe
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config holds the dependencies of the HTTP surface
type Config struct {
	Store   store.Store
	Pools   []*pool.Pool
	Checks  []Check
	Metrics *metrics.Metrics
	// Monitor serves monitor connections; the route is skipped when nil
	Monitor gin.HandlerFunc
	Log     zerolog.Logger
}

// PoolStatus is one entry of GET /api/v1/pools
type PoolStatus struct {
	Kind      models.ResourceKind `json:"kind"`
	Capacity  int64               `json:"capacity"`
	Available int64               `json:"available"`
}

type handlers struct {
	cfg Config
}

// NewRouter builds the operations API
func NewRouter(cfg Config) *gin.Engine {
	h := &handlers{cfg: cfg}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Log))

	r.GET("/health", h.health)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	if cfg.Monitor != nil {
		r.GET("/monitor/ws", cfg.Monitor)
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/pools", h.pools)
		v1.GET("/accounts/:address", h.account)
	}
	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for _, check := range h.cfg.Checks {
		if err := check.Probe(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[check.Name] = err.Error()
			continue
		}
		checks[check.Name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}

func (h *handlers) pools(c *gin.Context) {
	out := make([]PoolStatus, 0, len(h.cfg.Pools))
	for _, p := range h.cfg.Pools {
		out = append(out, PoolStatus{Kind: p.Kind(), Capacity: p.Capacity(), Available: p.Available()})
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) account(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	a, err := h.cfg.Store.Account(c.Request.Context(), common.HexToAddress(address))
	if errors.Is(err, models.ErrUnknownAccount) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		h.cfg.Log.Error().Err(err).Str("account", address).Msg("failed to load account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, a)
}
