package history

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/validation"
)

// Handler exposes the retained trade history read-only.
type Handler struct {
	store *Store
}

// NewHandler creates a history handler.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the trader history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	traders := r.Group("/traders/:address", validation.AddressParamMiddleware())
	traders.GET("/trades", h.ListTrades)
}

// ListTrades handles GET /v1/traders/:address/trades?window=2m. The window
// defaults to, and is capped at, the retention window.
func (h *Handler) ListTrades(c *gin.Context) {
	window := h.store.Retention()
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_window",
				"message": "window must be a positive duration such as 30s or 2m",
			})
			return
		}
		window = min(d, window)
	}

	trader := strings.ToLower(c.Param("address"))
	trades := h.store.Recent(trader, window)
	if trades == nil {
		trades = []Observation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"trader": trader,
		"window": window.String(),
		"trades": trades,
		"count":  len(trades),
	})
}
