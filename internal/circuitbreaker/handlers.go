package circuitbreaker

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/validation"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// AlertCounter reports how many alerts are still active.
type AlertCounter interface {
	ActiveCount(ctx context.Context) (int, error)
}

// Handler provides HTTP endpoints for the circuit breaker.
type Handler struct {
	breaker *Breaker
	audit   AuditStore
	alerts  AlertCounter
	reader  LedgerReader
}

// NewHandler creates a circuit breaker handler. alerts and reader may be nil.
func NewHandler(b *Breaker, audit AuditStore, alerts AlertCounter, reader LedgerReader) *Handler {
	return &Handler{breaker: b, audit: audit, alerts: alerts, reader: reader}
}

// RegisterRoutes sets up public (read-only) breaker routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/circuit-breaker/status", h.GetStatus)
	r.GET("/circuit-breaker/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up operator-only breaker routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/circuit-breaker", h.RequestTransition)
}

// TransitionRequest is the body of POST /v1/circuit-breaker.
type TransitionRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// RequestTransition handles POST /v1/circuit-breaker
func (h *Handler) RequestTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	action, err := ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_action",
			"message": "action must be one of pause, resume, emergency",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if reason == "" {
		reason = "manual " + string(action)
	}

	ev, err := h.breaker.Transition(c.Request.Context(), Request{
		Target:      action.Target(),
		Reason:      reason,
		TriggeredBy: Operator(c.GetString("operatorID")),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrLedgerWrite):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "ledger_write_failed",
				"message": err.Error(),
			})
		case errors.Is(err, ErrBusy):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "busy",
				"message": "Another transition is in progress",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"event":   ev,
		"state":   ev.NewState,
	})
}

// GetStatus handles GET /v1/circuit-breaker/status
func (h *Handler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{"circuitBreaker": h.breaker.Status()}

	if h.alerts != nil {
		if n, err := h.alerts.ActiveCount(ctx); err == nil {
			resp["activeAlerts"] = n
		}
	}
	if h.reader != nil {
		if st, err := h.reader.LedgerStatus(ctx); err == nil {
			resp["contract"] = st
		} else {
			resp["contractError"] = "contract state unavailable"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /v1/circuit-breaker/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"), defaultEventLimit, maxEventLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": err.Error(),
		})
		return
	}

	events, err := h.audit.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list events",
		})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
