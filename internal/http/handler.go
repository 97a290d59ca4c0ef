package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"shotlog-service/internal/motors"
	"shotlog-service/internal/repository"
	"shotlog-service/internal/service"
)

type Handler struct {
	engine   *service.Engine
	repo     *repository.ShotRepository
	recorder *motors.Recorder
	log      zerolog.Logger
}

func NewHandler(
	engine *service.Engine,
	repo *repository.ShotRepository,
	recorder *motors.Recorder,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		engine:   engine,
		repo:     repo,
		recorder: recorder,
		log:      log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Read-only endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/status", h.getStatus)
		public.GET("/shots", h.listShots)
		public.GET("/motors/positions", h.getMotorPositions)
	}

	// Control endpoints mutate engine or counter state
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/control/pause", h.pause)
		protected.POST("/control/resume", h.resume)
		protected.POST("/control/stop", h.stop)
		protected.POST("/config/timing", h.setTiming)
		protected.POST("/config/keywords", h.setKeywords)
		protected.POST("/shots/next-index", h.setNextIndex)
		protected.POST("/motors/recompute", h.recomputeMotors)
	}
}

func (h *Handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.engine.Status()))
}

func (h *Handler) listShots(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		c.JSON(http.StatusBadRequest, errorResponse("date parameter is required"))
		return
	}

	records, err := h.repo.ListShots(c.Request.Context(), date)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list shots")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(records))
}

func (h *Handler) getMotorPositions(c *gin.Context) {
	if h.recorder == nil || !h.recorder.Enabled() {
		c.JSON(http.StatusNotFound, errorResponse("motor correlation is not configured"))
		return
	}

	raw := c.Query("t")
	if raw == "" {
		c.JSON(http.StatusBadRequest, errorResponse("t parameter is required (RFC3339)"))
		return
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid t format, want RFC3339"))
		return
	}

	positions, err := h.recorder.PositionsAtTrigger(t)
	if err != nil {
		if errors.Is(err, motors.ErrNoSources) {
			c.JSON(http.StatusNotFound, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("failed to compute motor positions")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(positions))
}

func (h *Handler) pause(c *gin.Context) {
	if err := h.engine.Pause(); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.engine.Status()))
}

func (h *Handler) resume(c *gin.Context) {
	if err := h.engine.Resume(); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.engine.Status()))
}

func (h *Handler) stop(c *gin.Context) {
	h.engine.Stop()
	c.JSON(http.StatusOK, successResponse(h.engine.Status()))
}

type timingRequest struct {
	FullWindowS float64 `json:"full_window_s" binding:"required"`
	TimeoutS    float64 `json:"timeout_s" binding:"required"`
}

func (h *Handler) setTiming(c *gin.Context) {
	var req timingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	window := time.Duration(req.FullWindowS * float64(time.Second))
	timeout := time.Duration(req.TimeoutS * float64(time.Second))
	if err := h.engine.SetTiming(window, timeout); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.engine.Status()))
}

type keywordsRequest struct {
	Keyword    string `json:"keyword"`
	ApplyToAll bool   `json:"apply_to_all"`
}

func (h *Handler) setKeywords(c *gin.Context) {
	var req keywordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.engine.SetKeywords(req.Keyword, req.ApplyToAll)
	c.JSON(http.StatusOK, successResponse(h.engine.Status()))
}

type nextIndexRequest struct {
	Date string `json:"date" binding:"required"`
	Next int    `json:"next" binding:"required"`
}

func (h *Handler) setNextIndex(c *gin.Context) {
	var req nextIndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	report, err := h.engine.SetNextIndex(c.Request.Context(), req.Date, req.Next)
	if err != nil {
		if errors.Is(err, service.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error":    err.Error(),
				"conflict": report,
			})
			return
		}
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) recomputeMotors(c *gin.Context) {
	if h.recorder == nil || !h.recorder.Enabled() {
		c.JSON(http.StatusNotFound, errorResponse("motor correlation is not configured"))
		return
	}

	records, err := h.repo.ListAllShots(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load shot history")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	refs := make([]motors.ShotRef, 0, len(records))
	for _, rec := range records {
		refs = append(refs, motors.ShotRef{Index: rec.ShotIndex, TriggerTime: rec.TriggerTime})
	}

	if err := h.recorder.RecomputeAll(refs); err != nil {
		h.log.Error().Err(err).Msg("motor recompute failed")
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "shots": len(refs)})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotRunning):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
