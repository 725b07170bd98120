package alerts

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/validation"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 200
	maxFindingsPerCall = 100
)

// Handler provides HTTP endpoints for alerts and finding submission.
type Handler struct {
	store  Store
	router *Router
}

// NewHandler creates a new alerts handler.
func NewHandler(store Store, router *Router) *Handler {
	return &Handler{store: store, router: router}
}

// RegisterRoutes sets up public (read-only) alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/stats", h.GetStats)
	r.GET("/alerts/:id", h.GetAlert)
}

// RegisterProtectedRoutes sets up operator-only alert routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/alerts/:id/resolve", h.ResolveAlert)
	r.POST("/findings", h.SubmitFindings)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"), defaultListLimit, maxListLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": err.Error(),
		})
		return
	}

	var filter ListFilter
	if s := c.Query("status"); s != "" {
		st, err := ParseStatus(strings.ToLower(s))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "status must be one of active, mitigated, resolved",
			})
			return
		}
		filter.Status = st
	}
	if k := c.Query("kind"); k != "" {
		kind, err := findings.ParseKind(k)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_kind",
				"message": err.Error(),
			})
			return
		}
		filter.Kind = kind
	}

	scope := filter.scope()
	filter.Cursor, err = pagination.Decode(c.Query("cursor"), scope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	filter.Limit = limit + 1
	list, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alerts",
		})
		return
	}

	page := pagination.NewPage(list, limit, scope, func(a *Alert) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"alerts":     page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetAlert handles GET /v1/alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Alert not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load alert",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// GetStats handles GET /v1/alerts/stats
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to aggregate alerts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

// ResolveAlert handles POST /v1/alerts/:id/resolve, where :id is the
// canonical alert id (for example ENERGY-RAPID-TRADING).
func (h *Handler) ResolveAlert(c *gin.Context) {
	alertID := strings.ToUpper(strings.TrimSpace(c.Param("id")))
	if _, err := findings.ParseKind(alertID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_alert_id",
			"message": err.Error(),
		})
		return
	}

	n, err := h.store.UpdateStatus(c.Request.Context(), alertID, StatusResolved)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to resolve alert",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alertId":  alertID,
		"resolved": n,
	})
}

// FindingRequest is one externally submitted finding. Either kind or
// alertId identifies the category.
type FindingRequest struct {
	Kind        string            `json:"kind"`
	AlertID     string            `json:"alertId"`
	Severity    string            `json:"severity"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Subject     string            `json:"subject"`
	Metadata    map[string]string `json:"metadata"`
}

// SubmitRequest is the body of POST /v1/findings.
type SubmitRequest struct {
	Findings        []FindingRequest `json:"findings"`
	TransactionHash string           `json:"transactionHash"`
	BlockNumber     uint64           `json:"blockNumber"`
	Timestamp       int64            `json:"timestamp"`
}

// SubmitFindings handles POST /v1/findings. The batch goes through the same
// routing path as detector output.
func (h *Handler) SubmitFindings(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.Findings) == 0 || len(req.Findings) > maxFindingsPerCall {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "findings must contain between 1 and 100 entries",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidTxHash("transactionHash", req.TransactionHash),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	batch, errs := req.toBatch()
	if len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	res := h.router.Route(c.Request.Context(), batch)
	status := http.StatusAccepted
	if res.Persisted == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"result": res})
}

func (req SubmitRequest) toBatch() (findings.Batch, validation.ValidationErrors) {
	batch := findings.Batch{
		TxRef: strings.ToLower(req.TransactionHash),
		Block: req.BlockNumber,
	}
	if req.Timestamp > 0 {
		batch.LedgerTime = time.Unix(req.Timestamp, 0).UTC()
	}

	var errs validation.ValidationErrors
	for i, fr := range req.Findings {
		field := "findings[" + strconv.Itoa(i) + "]"

		ref := fr.Kind
		if ref == "" {
			ref = fr.AlertID
		}
		kind, err := findings.ParseKind(ref)
		if err != nil {
			errs.Add(field+".kind", "unknown finding kind")
			continue
		}
		sev, err := findings.ParseSeverity(fr.Severity)
		if err != nil {
			errs.Add(field+".severity", "unknown severity")
			continue
		}
		if fieldErrs := validation.Validate(
			validation.ValidAddress(field+".subject", fr.Subject),
			validation.Metadata(field+".metadata", fr.Metadata),
		); len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}

		evidence := make(map[string]string, len(fr.Metadata)+1)
		for k, v := range fr.Metadata {
			evidence[k] = validation.SanitizeString(v, validation.MaxStringLength)
		}
		// Contract anomaly ids carry their type after the ANOMALY- stem.
		if kind == findings.KindContractAnomaly && evidence[findings.EvAnomalyType] == "" {
			if _, typ, ok := strings.Cut(strings.ToUpper(fr.AlertID), "ANOMALY-"); ok {
				evidence[findings.EvAnomalyType] = typ
			}
		}

		batch.Findings = append(batch.Findings, findings.Finding{
			Kind:        kind,
			Subject:     validation.SanitizeAddress(fr.Subject),
			Severity:    sev,
			Name:        validation.SanitizeString(fr.Name, validation.MaxStringLength),
			Description: validation.SanitizeString(fr.Description, validation.MaxStringLength),
			Evidence:    evidence,
			ProducedAt:  batch.LedgerTime,
			TxRef:       batch.TxRef,
		})
	}
	return batch, errs
}
