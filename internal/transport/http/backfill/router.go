package backfillhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"backfill/internal/ingest"
	"backfill/internal/market"
	"backfill/internal/store"

	"github.com/gin-gonic/gin"
)

// Service 是 HTTP 层依赖的采集服务能力，由 *ingest.Service 实现。
type Service interface {
	Trigger(g market.Granularity) (store.RunRecord, error)
	Status(ctx context.Context, g market.Granularity) ([]ingest.ProgressView, error)
	LoopStates() map[string]ingest.LoopState
	Reset(ctx context.Context, instrument string, g market.Granularity) (store.ProgressRecord, error)
	Runs(ctx context.Context, limit int) ([]store.RunRecord, error)
	Candles(ctx context.Context, instrument string, g market.Granularity, start, end int64) ([]market.Point, error)
}

type Router struct {
	svc Service
	now func() time.Time
}

func NewRouter(svc Service) *Router {
	return &Router{svc: svc, now: time.Now}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/runs/:granularity", r.handleTrigger)
	group.GET("/runs", r.handleRuns)
	group.GET("/progress", r.handleProgress)
	group.POST("/progress/:instrument/:granularity/reset", r.handleReset)
	group.GET("/candles", r.handleCandles)
}

func (r *Router) handleTrigger(c *gin.Context) {
	g, err := market.ParseGranularity(c.Param("granularity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := r.svc.Trigger(g)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "run": run})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"run": run})
	}
}

func (r *Router) handleRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	runs, err := r.svc.Runs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (r *Router) handleProgress(c *gin.Context) {
	var g market.Granularity
	if raw := strings.TrimSpace(c.Query("granularity")); raw != "" {
		parsed, err := market.ParseGranularity(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		g = parsed
	}
	views, err := r.svc.Status(c.Request.Context(), g)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": views, "loops": r.svc.LoopStates()})
}

func (r *Router) handleReset(c *gin.Context) {
	instrument := strings.TrimSpace(c.Param("instrument"))
	g, err := market.ParseGranularity(c.Param("granularity"))
	if err != nil || instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument 与 granularity 不能为空"})
		return
	}
	rec, err := r.svc.Reset(c.Request.Context(), instrument, g)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"record": ingest.ProgressView{ProgressRecord: rec, Percent: rec.Percent()}})
	}
}

func (r *Router) handleCandles(c *gin.Context) {
	instrument := strings.TrimSpace(c.Query("instrument"))
	g, err := market.ParseGranularity(c.DefaultQuery("granularity", "day"))
	if err != nil || instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument 与 granularity 不能为空"})
		return
	}
	start, err := parseMillis(c.Query("start"), 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start 参数非法"})
		return
	}
	end, err := parseMillis(c.Query("end"), r.now().UnixMilli())
	if err != nil || end < start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end 参数非法"})
		return
	}
	points, err := r.svc.Candles(c.Request.Context(), instrument, g, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "granularity": g, "count": len(points), "candles": points})
}

func parseMillis(raw string, def int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
