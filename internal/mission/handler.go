package mission

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/middleware"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Handler exposes waypoint progression to the assigned driver.
type Handler struct {
	service *Service
}

// NewHandler creates a new mission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Transition handles PATCH /orders/:id/waypoints/:seq/status.
func (h *Handler) Transition(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
		return
	}
	sequence, err := strconv.Atoi(c.Param("seq"))
	if err != nil || sequence < 0 {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid waypoint sequence")
		return
	}

	var req models.WaypointActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.service.Transition(c.Request.Context(), orderID, driverID, sequence, &req)
	if err != nil {
		if appErr, ok := err.(*common.AppError); ok {
			common.AppErrorResponse(c, appErr)
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "internal error")
		return
	}

	common.SuccessResponse(c, order)
}

// RegisterRoutes wires the waypoint transition route.
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string) {
	api := r.Group("/api/v1", middleware.AuthMiddleware(jwtSecret))
	api.PATCH("/orders/:id/waypoints/:seq/status",
		middleware.RequireRole(models.RoleDriver), h.Transition)
}
