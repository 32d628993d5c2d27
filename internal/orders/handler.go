package orders

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/middleware"
	"github.com/parceldrop/dispatch/pkg/models"
	"github.com/parceldrop/dispatch/pkg/pagination"
)

// Handler exposes the order lifecycle over HTTP: creation and listing for
// clients, the offer flow and reroute for drivers, assignment and
// cancellation for admins.
type Handler struct {
	service *Service
}

// NewHandler creates a new orders handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Create handles client order creation.
func (h *Handler) Create(c *gin.Context) {
	clientID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.service.Create(c.Request.Context(), clientID, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	common.CreatedResponse(c, order)
}

// List returns the client's orders, paginated.
func (h *Handler) List(c *gin.Context) {
	clientID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	params := pagination.ParseParams(c)
	orders, total, err := h.service.List(c.Request.Context(), clientID, params.Limit, params.Offset)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponseWithMeta(c, orders, pagination.BuildMeta(params.Limit, params.Offset, total))
}

// Get returns one order with its route legs.
func (h *Handler) Get(c *gin.Context) {
	requesterID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	role, err := middleware.GetUserRole(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
		return
	}

	order, legs, err := h.service.Get(c.Request.Context(), orderID, requesterID, role)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"order": order, "route_legs": legs})
}

// OfferDetails shows the offered driver what they would be accepting.
func (h *Handler) OfferDetails(c *gin.Context) {
	driverID, orderID, ok := driverAndOrder(c)
	if !ok {
		return
	}

	details, err := h.service.OfferDetails(c.Request.Context(), orderID, driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, details)
}

// Accept finalizes the assignment for the offered driver.
func (h *Handler) Accept(c *gin.Context) {
	driverID, orderID, ok := driverAndOrder(c)
	if !ok {
		return
	}

	order, err := h.service.Accept(c.Request.Context(), orderID, driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, order)
}

// Refuse declines the live offer.
func (h *Handler) Refuse(c *gin.Context) {
	driverID, orderID, ok := driverAndOrder(c)
	if !ok {
		return
	}

	if err := h.service.Refuse(c.Request.Context(), orderID, driverID); err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "offer refused"})
}

// Reroute recomputes the leg to the next open waypoint from the driver's
// live position.
func (h *Handler) Reroute(c *gin.Context) {
	driverID, orderID, ok := driverAndOrder(c)
	if !ok {
		return
	}

	leg, err := h.service.Reroute(c.Request.Context(), orderID, driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, leg)
}

// ManualAssign handles admin assignment of a chosen driver.
func (h *Handler) ManualAssign(c *gin.Context) {
	adminID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
		return
	}

	var req models.ManualAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.service.ManualAssign(c.Request.Context(), orderID, req.DriverID, adminID)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, order)
}

// Cancel handles admin cancellation.
func (h *Handler) Cancel(c *gin.Context) {
	adminID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
		return
	}

	var req models.CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.service.Cancel(c.Request.Context(), orderID, adminID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	common.SuccessResponse(c, order)
}

// RegisterRoutes wires the order routes onto their role-guarded groups.
// The waypoint transition route is owned by the mission handler. idem, when
// non-nil, replays duplicate submissions carrying the same Idempotency-Key.
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string, idem gin.HandlerFunc) {
	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtSecret))

	client := api.Group("/orders", middleware.RequireRole(models.RoleClient))
	{
		if idem != nil {
			client.POST("", idem, h.Create)
		} else {
			client.POST("", h.Create)
		}
		client.GET("", h.List)
	}

	// GET is shared across roles; the service enforces visibility.
	api.GET("/orders/:id", h.Get)

	driver := api.Group("/orders/:id", middleware.RequireRole(models.RoleDriver))
	{
		driver.GET("/offer-details", h.OfferDetails)
		driver.POST("/accept", h.Accept)
		driver.POST("/refuse", h.Refuse)
		driver.POST("/reroute", h.Reroute)
	}

	admin := api.Group("/admin/orders/:id", middleware.RequireRole(models.RoleAdmin))
	{
		admin.POST("/assign", h.ManualAssign)
		admin.POST("/cancel", h.Cancel)
	}
}

func driverAndOrder(c *gin.Context) (driverID, orderID uuid.UUID, ok bool) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, uuid.Nil, false
	}
	orderID, err = uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, uuid.Nil, false
	}
	return driverID, orderID, true
}

func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*common.AppError); ok {
		common.AppErrorResponse(c, appErr)
		return
	}
	common.ErrorResponse(c, http.StatusInternalServerError, "internal error")
}
