package tracking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/geo"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Snapshot is the latest known view of an order for a client who just
// opened the tracking stream: current status plus the assigned driver's
// last reported position, when one exists.
type Snapshot struct {
	OrderID        uuid.UUID
	ClientID       uuid.UUID
	DriverID       *uuid.UUID
	Status         models.OrderStatus
	DriverPosition *models.Point
	UpdatedAt      time.Time
}

// SnapshotStore reads tracking snapshots straight from Postgres.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates the snapshot reader.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// GetSnapshot loads the order's current status and the assigned driver's
// last position. A missing or undecodable position degrades to a snapshot
// without one.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, orderID uuid.UUID) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT o.id, o.client_id, o.driver_id, o.status, o.updated_at,
		       encode(ST_AsBinary(d.current_location::geometry), 'hex')
		FROM orders o
		LEFT JOIN drivers d ON d.id = o.driver_id
		WHERE o.id = $1`, orderID)

	var (
		snap        Snapshot
		positionHex sql.NullString
	)
	err := row.Scan(&snap.OrderID, &snap.ClientID, &snap.DriverID, &snap.Status,
		&snap.UpdatedAt, &positionHex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("order not found", err)
	}
	if err != nil {
		return nil, common.NewInternalError("failed to load tracking snapshot", err)
	}

	if positionHex.Valid {
		point, err := geo.DecodeWKBPointHex(positionHex.String)
		if err != nil {
			logger.WarnContext(ctx, "undecodable driver position in snapshot",
				zap.String("order_id", orderID.String()), zap.Error(err))
		} else {
			snap.DriverPosition = &point
		}
	}

	return &snap, nil
}
