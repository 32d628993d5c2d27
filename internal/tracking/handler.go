package tracking

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/middleware"
	"github.com/parceldrop/dispatch/pkg/models"
)

// heartbeatInterval keeps intermediaries from closing an otherwise idle
// SSE connection.
const heartbeatInterval = 15 * time.Second

// Handler serves the per-order SSE tracking stream.
type Handler struct {
	service   *Service
	snapshots SnapshotReader
}

// SnapshotReader loads the initial view sent before live events.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, orderID uuid.UUID) (*Snapshot, error)
}

// NewHandler creates the tracking HTTP handler.
func NewHandler(service *Service, snapshots SnapshotReader) *Handler {
	return &Handler{service: service, snapshots: snapshots}
}

// RegisterRoutes mounts the tracking stream on the authenticated API group.
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string) {
	api := r.Group("/api/v1", middleware.AuthMiddleware(jwtSecret))
	api.GET("/track-stream/:order_id", h.TrackStream)
}

// TrackStream streams order status and driver location events for one order
// until the client disconnects. The latest known snapshot is sent first.
func (h *Handler) TrackStream(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("order_id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid order id")
		return
	}

	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	role, err := middleware.GetUserRole(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	snap, err := h.snapshots.GetSnapshot(c.Request.Context(), orderID)
	if err != nil {
		if appErr, ok := err.(*common.AppError); ok {
			common.AppErrorResponse(c, appErr)
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to load order")
		return
	}

	if !canTrack(snap, userID, role) {
		common.ErrorResponse(c, http.StatusForbidden, "not allowed to track this order")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	ch := h.service.Hub().Subscribe(orderID)
	defer h.service.Hub().Unsubscribe(orderID, ch)

	h.sendSnapshot(c, snap)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(event.Name, event.Data)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		case <-clientGone:
			return false
		}
	})
}

// sendSnapshot replays the last known state so the client renders something
// before the first live event arrives.
func (h *Handler) sendSnapshot(c *gin.Context, snap *Snapshot) {
	c.SSEvent(EventOrderStatus, StatusPayload{
		OrderID:   snap.OrderID,
		Status:    string(snap.Status),
		DriverID:  snap.DriverID,
		UpdatedAt: snap.UpdatedAt,
	})
	if snap.DriverID != nil && snap.DriverPosition != nil {
		c.SSEvent(EventDriverLocation, LocationPayload{
			OrderID:   snap.OrderID,
			DriverID:  *snap.DriverID,
			Latitude:  snap.DriverPosition.Lat,
			Longitude: snap.DriverPosition.Lon,
			Timestamp: snap.UpdatedAt,
		})
	}
	c.Writer.Flush()
}

func canTrack(snap *Snapshot, userID uuid.UUID, role models.UserRole) bool {
	switch role {
	case models.RoleAdmin:
		return true
	case models.RoleClient:
		return snap.ClientID == userID
	case models.RoleDriver:
		return snap.DriverID != nil && *snap.DriverID == userID
	default:
		return false
	}
}
