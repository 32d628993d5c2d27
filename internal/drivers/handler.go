package drivers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/middleware"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Handler exposes driver telemetry and availability endpoints. Driver tokens
// carry the driver id as subject.
type Handler struct {
	service *Service
}

// NewHandler creates a new drivers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// UpdateStatus handles driver-initiated status changes.
func (h *Handler) UpdateStatus(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.DriverStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	driver, err := h.service.ChangeStatus(c.Request.Context(), driverID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"status": driver.LatestStatus})
}

// UpdateLocation handles a telemetry position report.
func (h *Handler) UpdateLocation(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.DriverLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.UpdateLocation(c.Request.Context(), driverID, &req); err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "location updated"})
}

// Heartbeat refreshes the driver liveness key.
func (h *Handler) Heartbeat(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.service.Heartbeat(c.Request.Context(), driverID); err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "heartbeat recorded"})
}

// RegisterFCMToken stores the driver's push token.
func (h *Handler) RegisterFCMToken(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.RegisterFCMToken(c.Request.Context(), driverID, req.Token); err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "token registered"})
}

// UpdatePayoutAccounts replaces the driver's mobile-money accounts.
func (h *Handler) UpdatePayoutAccounts(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Accounts []models.MobileMoneyAccount `json:"accounts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.UpdatePayoutAccounts(c.Request.Context(), driverID, req.Accounts); err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "payout accounts updated"})
}

// ListAvailabilityRules returns the driver's weekly rules.
func (h *Handler) ListAvailabilityRules(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	rules, err := h.service.ListAvailabilityRules(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, rules)
}

// CreateAvailabilityRule adds a weekly rule.
func (h *Handler) CreateAvailabilityRule(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		DayOfWeek int    `json:"day_of_week"`
		StartTime string `json:"start_time" binding:"required"`
		EndTime   string `json:"end_time" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	rule := &models.AvailabilityRule{
		DayOfWeek: req.DayOfWeek,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}

	created, err := h.service.CreateAvailabilityRule(c.Request.Context(), driverID, rule)
	if err != nil {
		respondError(c, err)
		return
	}

	common.CreatedResponse(c, created)
}

// DeleteAvailabilityRule deactivates a weekly rule.
func (h *Handler) DeleteAvailabilityRule(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	ruleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := h.service.DeleteAvailabilityRule(c.Request.Context(), driverID, ruleID); err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "rule removed"})
}

// ListAvailabilityExceptions returns the driver's date exceptions.
func (h *Handler) ListAvailabilityExceptions(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	exceptions, err := h.service.ListAvailabilityExceptions(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, exceptions)
}

// CreateAvailabilityException adds a date exception.
func (h *Handler) CreateAvailabilityException(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Date                 string  `json:"date" binding:"required"`
		IsUnavailableAllDay  bool    `json:"is_unavailable_all_day"`
		UnavailableStartTime *string `json:"unavailable_start_time"`
		UnavailableEndTime   *string `json:"unavailable_end_time"`
		Reason               *string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ex := &models.AvailabilityException{
		Date:                 req.Date,
		IsUnavailableAllDay:  req.IsUnavailableAllDay,
		UnavailableStartTime: req.UnavailableStartTime,
		UnavailableEndTime:   req.UnavailableEndTime,
		Reason:               req.Reason,
	}

	created, err := h.service.CreateAvailabilityException(c.Request.Context(), driverID, ex)
	if err != nil {
		respondError(c, err)
		return
	}

	common.CreatedResponse(c, created)
}

// DeleteAvailabilityException removes a date exception.
func (h *Handler) DeleteAvailabilityException(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	exceptionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid exception id")
		return
	}

	if err := h.service.DeleteAvailabilityException(c.Request.Context(), driverID, exceptionID); err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "exception removed"})
}

// RegisterRoutes wires the driver-facing routes. telemetryLimit applies the
// sliding-window rate limit to the high-frequency telemetry endpoints.
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string, telemetryLimit gin.HandlerFunc) {
	api := r.Group("/api/v1/driver")
	api.Use(middleware.AuthMiddleware(jwtSecret), middleware.RequireRole(models.RoleDriver))

	if telemetryLimit != nil {
		api.POST("/location", telemetryLimit, h.UpdateLocation)
		api.POST("/heartbeat", telemetryLimit, h.Heartbeat)
	} else {
		api.POST("/location", h.UpdateLocation)
		api.POST("/heartbeat", h.Heartbeat)
	}

	api.POST("/status", h.UpdateStatus)
	api.POST("/fcm-token", h.RegisterFCMToken)
	api.PUT("/payout-accounts", h.UpdatePayoutAccounts)
	api.GET("/ws", h.TelemetryWebSocket)

	availability := api.Group("/availability")
	{
		availability.GET("/rules", h.ListAvailabilityRules)
		availability.POST("/rules", h.CreateAvailabilityRule)
		availability.DELETE("/rules/:id", h.DeleteAvailabilityRule)
		availability.GET("/exceptions", h.ListAvailabilityExceptions)
		availability.POST("/exceptions", h.CreateAvailabilityException)
		availability.DELETE("/exceptions/:id", h.DeleteAvailabilityException)
	}
}

func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*common.AppError); ok {
		common.AppErrorResponse(c, appErr)
		return
	}
	common.ErrorResponse(c, http.StatusInternalServerError, "internal error")
}
