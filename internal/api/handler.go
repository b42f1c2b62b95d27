package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kds-service/internal/fanout"
	"kds-service/internal/models"
	"kds-service/internal/printqueue"
	"kds-service/internal/service"
	"kds-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EventProcessor applies an inbound order event with redelivery protection
type EventProcessor interface {
	Process(ctx context.Context, evt models.OrderEvent) error
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	tickets   *service.TicketService
	queue     *printqueue.Queue
	hub       *fanout.Hub
	events    EventProcessor
	checks    []ReadinessCheck
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(tickets *service.TicketService, queue *printqueue.Queue, hub *fanout.Hub, events EventProcessor, checks ...ReadinessCheck) *Handler {
	return &Handler{
		tickets:   tickets,
		queue:     queue,
		hub:       hub,
		events:    events,
		checks:    checks,
		keepalive: 30 * time.Second,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/items/:id/status", h.setItemStatus)

		v1.GET("/tickets/:id", h.getTicket)
		v1.POST("/tickets/:id/bump", h.bumpTicket)
		v1.POST("/tickets/:id/reprint", h.reprintTicket)

		v1.GET("/establishments/:id/tickets", h.listTickets)
		v1.GET("/establishments/:id/events", h.listEvents)
		v1.GET("/establishments/:id/feed", h.feed)

		v1.POST("/order-events", h.ingestOrderEvent)

		v1.GET("/printers/:id/next", h.nextPrintJob)
		v1.POST("/print-jobs/:id/result", h.reportPrintResult)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for _, check := range h.checks {
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps domain errors onto status codes
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   models.ErrorCode(err),
		"details": err.Error(),
	})
}

// setItemStatus handles item transitions
func (h *Handler) setItemStatus(c *gin.Context) {
	var cmd service.SetItemStatusCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "ValidationError",
			"details": err.Error(),
		})
		return
	}
	cmd.ItemID = c.Param("id")
	if cmd.ActorID == "" {
		cmd.ActorID = c.GetHeader("X-Actor-ID")
	}

	item, err := h.tickets.SetItemStatus(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

// bumpTicket handles explicit bumps
func (h *Handler) bumpTicket(c *gin.Context) {
	var cmd service.BumpTicketCommand
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&cmd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "ValidationError",
				"details": err.Error(),
			})
			return
		}
	}
	cmd.TicketID = c.Param("id")
	if cmd.ActorID == "" {
		cmd.ActorID = c.GetHeader("X-Actor-ID")
	}

	ticket, err := h.tickets.BumpTicket(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// reprintTicket queues another chit
func (h *Handler) reprintTicket(c *gin.Context) {
	jobs, err := h.tickets.Reprint(c.Request.Context(), c.Param("id"), c.GetHeader("X-Actor-ID"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobs": jobs})
}

// getTicket handles get ticket by ID
func (h *Handler) getTicket(c *gin.Context) {
	ticket, err := h.tickets.GetTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// listTickets returns the active snapshot of an establishment
func (h *Handler) listTickets(c *gin.Context) {
	var statuses []models.TicketStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := models.ParseTicketStatus(strings.TrimSpace(s))
			if err != nil {
				respondError(c, err)
				return
			}
			statuses = append(statuses, st)
		}
	}

	tickets, err := h.tickets.ListActiveTickets(c.Request.Context(), c.Param("id"), c.Query("station"), statuses)
	if err != nil {
		respondError(c, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}

	c.JSON(http.StatusOK, gin.H{
		"tickets": tickets,
		"as_of":   time.Now().UTC(),
	})
}

// listEvents pages the audit log
func (h *Handler) listEvents(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "details": "invalid after"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "details": "invalid limit"})
		return
	}

	events, err := h.tickets.ListEvents(c.Request.Context(), c.Param("id"), after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ingestOrderEvent accepts an inbound order event over HTTP
func (h *Handler) ingestOrderEvent(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "details": err.Error()})
		return
	}

	evt, err := models.DecodeOrderEvent(raw)
	if err != nil {
		util.InboundEventsTotal.WithLabelValues("unknown", "invalid").Inc()
		respondError(c, err)
		return
	}

	if err := h.events.Process(c.Request.Context(), evt); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id": evt.Base().EventID,
		"status":   "accepted",
	})
}

// nextPrintJob leases the next job for a printer
func (h *Handler) nextPrintJob(c *gin.Context) {
	job, err := h.queue.DequeueNext(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, job)
}

// PrintResultRequest is a printer's report for a leased job
type PrintResultRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// reportPrintResult records a print outcome
func (h *Handler) reportPrintResult(c *gin.Context) {
	var req PrintResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "ValidationError",
			"details": err.Error(),
		})
		return
	}

	job, err := h.queue.ReportResult(c.Request.Context(), c.Param("id"), req.Success, req.Error)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
