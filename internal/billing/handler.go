package billing

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/middleware"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Handler exposes the gateway callback endpoint.
type Handler struct {
	service *Service
	apiKey  string
}

// NewHandler creates the billing HTTP handler. The api key authenticates
// gateway callbacks; gateways are not JWT principals.
func NewHandler(service *Service, apiKey string) *Handler {
	return &Handler{service: service, apiKey: apiKey}
}

// RegisterRoutes mounts the callback outside the authenticated API group.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/v1/billing/callback", middleware.RequestTimeout(10*time.Second), h.Callback)
}

// Callback applies a settlement update posted by a payment gateway.
func (h *Handler) Callback(c *gin.Context) {
	provided := c.GetHeader("X-Api-Key")
	if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.apiKey)) != 1 {
		common.ErrorResponse(c, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req models.GatewayCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	txn, err := h.service.ApplyCallback(c.Request.Context(), &req)
	if err != nil {
		if appErr, ok := err.(*common.AppError); ok {
			common.AppErrorResponse(c, appErr)
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to apply callback")
		return
	}

	common.SuccessResponse(c, gin.H{"transaction_id": txn.ID, "status": txn.Status})
}
