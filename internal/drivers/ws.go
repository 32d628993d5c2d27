package drivers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/middleware"
	"github.com/parceldrop/dispatch/pkg/models"
)

const (
	wsReadLimit  = 8 * 1024
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 60 * time.Second
)

var telemetryUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// telemetryFrame mirrors the HTTP telemetry contract over the socket.
type telemetryFrame struct {
	Type      string  `json:"type"` // "location" or "heartbeat"
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Heading   *int    `json:"heading,omitempty"`
	SpeedKmh  *int    `json:"speed_kmh,omitempty"`
}

type telemetryAck struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TelemetryWebSocket accepts a driver connection and ingests location and
// heartbeat frames until the peer disconnects. Each frame is acked
// individually so the app can detect rejected positions.
func (h *Handler) TelemetryWebSocket(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := telemetryUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnContext(c.Request.Context(), "telemetry websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	ctx := c.Request.Context()

	for {
		var frame telemetryFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "telemetry websocket read error",
					zap.String("driver_id", driverID.String()), zap.Error(err))
			}
			return
		}

		ack := telemetryAck{Type: frame.Type, OK: true}

		switch frame.Type {
		case "location":
			req := &models.DriverLocationRequest{
				Latitude:  frame.Latitude,
				Longitude: frame.Longitude,
				Heading:   frame.Heading,
				SpeedKmh:  frame.SpeedKmh,
			}
			if err := h.service.UpdateLocation(ctx, driverID, req); err != nil {
				ack.OK = false
				ack.Error = err.Error()
			}
		case "heartbeat":
			if err := h.service.Heartbeat(ctx, driverID); err != nil {
				ack.OK = false
				ack.Error = err.Error()
			}
		default:
			ack.OK = false
			ack.Error = "unknown frame type"
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}
