//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parceldrop/dispatch/internal/assignment"
	"github.com/parceldrop/dispatch/internal/billing"
	"github.com/parceldrop/dispatch/internal/drivers"
	"github.com/parceldrop/dispatch/internal/orders"
	"github.com/parceldrop/dispatch/pkg/models"
)

// Dakar city center; candidate drivers are seeded a few hundred meters out.
var pickupPoint = models.Point{Lon: -17.4441, Lat: 14.6928}

func orderRow(t *testing.T, orderID uuid.UUID) (status models.OrderStatus, driverID, offeredDriverID *uuid.UUID) {
	t.Helper()
	err := dbPool.QueryRow(context.Background(),
		`SELECT status, driver_id, offered_driver_id FROM orders WHERE id = $1`, orderID).
		Scan(&status, &driverID, &offeredDriverID)
	require.NoError(t, err)
	return status, driverID, offeredDriverID
}

func driverStatus(t *testing.T, driverID uuid.UUID) models.DriverStatus {
	t.Helper()
	var status models.DriverStatus
	err := dbPool.QueryRow(context.Background(),
		`SELECT latest_status FROM drivers WHERE id = $1`, driverID).Scan(&status)
	require.NoError(t, err)
	return status
}

// ─────────────────────────── offer lifecycle ───────────────────────────

func TestOfferLifecycle(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	assignmentRepo := assignment.NewRepository(dbPool)
	ordersRepo := orders.NewRepository(dbPool)

	pickup := createAddress(t, pickupPoint.Lon, pickupPoint.Lat)
	delivery := createAddress(t, -17.4560, 14.7100)
	orderID := createPendingOrder(t, pickup, delivery)
	driverID := createDriver(t, models.DriverStatusActive, -17.4450, 14.6930)

	err := assignmentRepo.OfferToDriver(ctx, orderID, driverID, time.Now().Add(30*time.Second))
	require.NoError(t, err)

	status, assigned, offered := orderRow(t, orderID)
	assert.Equal(t, models.OrderStatusOffered, status)
	assert.Nil(t, assigned)
	require.NotNil(t, offered)
	assert.Equal(t, driverID, *offered)
	assert.Equal(t, models.DriverStatusOffering, driverStatus(t, driverID))

	blacklist, err := assignmentRepo.ListBlacklist(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{driverID}, blacklist)

	// A second engine instance racing on the same order loses cleanly.
	other := createDriver(t, models.DriverStatusActive, -17.4460, 14.6940)
	err = assignmentRepo.OfferToDriver(ctx, orderID, other, time.Now().Add(30*time.Second))
	assert.ErrorIs(t, err, assignment.ErrOrderUnavailable)

	order, err := ordersRepo.AcceptOffer(ctx, orderID, driverID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, order.Status)
	require.NotNil(t, order.DriverID)
	assert.Equal(t, driverID, *order.DriverID)

	status, assigned, offered = orderRow(t, orderID)
	assert.Equal(t, models.OrderStatusAccepted, status)
	require.NotNil(t, assigned)
	assert.Equal(t, driverID, *assigned)
	assert.Nil(t, offered)
	assert.Equal(t, models.DriverStatusInWork, driverStatus(t, driverID))
}

func TestAcceptOfferRejectsWrongDriver(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	assignmentRepo := assignment.NewRepository(dbPool)
	ordersRepo := orders.NewRepository(dbPool)

	pickup := createAddress(t, pickupPoint.Lon, pickupPoint.Lat)
	delivery := createAddress(t, -17.4560, 14.7100)
	orderID := createPendingOrder(t, pickup, delivery)
	offeree := createDriver(t, models.DriverStatusActive, -17.4450, 14.6930)
	intruder := createDriver(t, models.DriverStatusActive, -17.4460, 14.6940)

	require.NoError(t, assignmentRepo.OfferToDriver(ctx, orderID, offeree, time.Now().Add(30*time.Second)))

	_, err := ordersRepo.AcceptOffer(ctx, orderID, intruder)
	assert.ErrorIs(t, err, orders.ErrStaleOffer)

	// The real offeree is unaffected by the failed grab.
	order, err := ordersRepo.AcceptOffer(ctx, orderID, offeree)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, order.Status)
}

func TestExpireDueOffers(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	assignmentRepo := assignment.NewRepository(dbPool)
	ordersRepo := orders.NewRepository(dbPool)

	pickup := createAddress(t, pickupPoint.Lon, pickupPoint.Lat)
	delivery := createAddress(t, -17.4560, 14.7100)
	dueOrder := createPendingOrder(t, pickup, delivery)
	liveOrder := createPendingOrder(t, pickup, delivery)
	dueDriver := createDriver(t, models.DriverStatusActive, -17.4450, 14.6930)
	liveDriver := createDriver(t, models.DriverStatusActive, -17.4460, 14.6940)

	require.NoError(t, assignmentRepo.OfferToDriver(ctx, dueOrder, dueDriver, time.Now().Add(-time.Second)))
	require.NoError(t, assignmentRepo.OfferToDriver(ctx, liveOrder, liveDriver, time.Now().Add(time.Hour)))

	expired, err := assignmentRepo.ExpireDueOffers(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, dueOrder, expired[0].OrderID)
	assert.Equal(t, dueDriver, expired[0].DriverID)

	status, _, offered := orderRow(t, dueOrder)
	assert.Equal(t, models.OrderStatusPending, status)
	assert.Nil(t, offered)
	assert.Equal(t, models.DriverStatusActive, driverStatus(t, dueDriver))

	// The expired driver stays blacklisted for that order.
	blacklist, err := assignmentRepo.ListBlacklist(ctx, dueOrder)
	require.NoError(t, err)
	assert.Contains(t, blacklist, dueDriver)

	// The offer still inside its window is untouched.
	status, _, offered = orderRow(t, liveOrder)
	assert.Equal(t, models.OrderStatusOffered, status)
	require.NotNil(t, offered)

	// The expired offeree cannot accept after the sweep.
	_, err = ordersRepo.AcceptOffer(ctx, dueOrder, dueDriver)
	assert.ErrorIs(t, err, orders.ErrStaleOffer)
}

// ─────────────────────────── candidate search ───────────────────────────

func TestFindCandidatesRespectsRadiusAndBlacklist(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	driversRepo := drivers.NewRepository(dbPool)

	near := createDriver(t, models.DriverStatusActive, -17.4450, 14.6930)
	blacklisted := createDriver(t, models.DriverStatusActive, -17.4445, 14.6929)
	busy := createDriver(t, models.DriverStatusInWork, -17.4448, 14.6931)
	// Roughly 20 km up the coast, well outside a 5 km radius.
	createDriver(t, models.DriverStatusActive, -17.3000, 14.8500)

	candidates, err := driversRepo.FindCandidates(ctx, pickupPoint, 5, []uuid.UUID{blacklisted})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, near, candidates[0].ID)
	assert.Greater(t, candidates[0].DistanceKm, 0.0)
	assert.Less(t, candidates[0].DistanceKm, 5.0)

	for _, c := range candidates {
		assert.NotEqual(t, blacklisted, c.ID)
		assert.NotEqual(t, busy, c.ID)
	}
}

func TestFindCandidatesOrdersByDistance(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	driversRepo := drivers.NewRepository(dbPool)

	far := createDriver(t, models.DriverStatusActive, -17.4700, 14.7100)
	nearest := createDriver(t, models.DriverStatusActive, -17.4443, 14.6929)

	candidates, err := driversRepo.FindCandidates(ctx, pickupPoint, 10, nil)
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	assert.Equal(t, nearest, candidates[0].ID)
	assert.Equal(t, far, candidates[1].ID)
	assert.Less(t, candidates[0].DistanceKm, candidates[1].DistanceKm)
}

// ─────────────────────────── mission terminal writes ───────────────────────────

func acceptedOrderWithDriver(t *testing.T) (uuid.UUID, uuid.UUID) {
	t.Helper()
	pickup := createAddress(t, pickupPoint.Lon, pickupPoint.Lat)
	delivery := createAddress(t, -17.4560, 14.7100)
	orderID := createPendingOrder(t, pickup, delivery)
	driverID := createDriver(t, models.DriverStatusInWork, -17.4450, 14.6930)

	_, err := dbPool.Exec(context.Background(),
		`UPDATE orders SET driver_id = $2, status = 'ACCEPTED' WHERE id = $1`, orderID, driverID)
	require.NoError(t, err)
	return orderID, driverID
}

func TestFailedMissionKeepsPricedRemuneration(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	ordersRepo := orders.NewRepository(dbPool)
	orderID, driverID := acceptedOrderWithDriver(t)

	reason := models.ReasonMissionFailed
	updated, err := ordersRepo.UpdateMissionProgress(ctx, orderID, driverID,
		func(order *models.Order) (*orders.MissionUpdate, error) {
			return &orders.MissionUpdate{Terminal: &orders.MissionTerminal{
				Status:        models.OrderStatusFailed,
				FailureReason: &reason,
			}}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, updated.Status)
	assert.Equal(t, int64(1500), updated.Remuneration)

	// The priced value survives on the row even though nothing was earned.
	var status models.OrderStatus
	var remuneration int64
	require.NoError(t, dbPool.QueryRow(ctx,
		`SELECT status, remuneration FROM orders WHERE id = $1`, orderID).
		Scan(&status, &remuneration))
	assert.Equal(t, models.OrderStatusFailed, status)
	assert.Equal(t, int64(1500), remuneration)
	assert.Equal(t, models.DriverStatusActive, driverStatus(t, driverID))
}

func TestPartialMissionWritesProratedRemuneration(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	ordersRepo := orders.NewRepository(dbPool)
	orderID, driverID := acceptedOrderWithDriver(t)

	updated, err := ordersRepo.UpdateMissionProgress(ctx, orderID, driverID,
		func(order *models.Order) (*orders.MissionUpdate, error) {
			return &orders.MissionUpdate{Terminal: &orders.MissionTerminal{
				Status:            models.OrderStatusPartiallyCompleted,
				FinalRemuneration: 750,
			}}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(750), updated.Remuneration)

	var remuneration int64
	require.NoError(t, dbPool.QueryRow(ctx,
		`SELECT remuneration FROM orders WHERE id = $1`, orderID).Scan(&remuneration))
	assert.Equal(t, int64(750), remuneration)
}

// ─────────────────────────── payout idempotency ───────────────────────────

func TestPayoutIdempotency(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	billingRepo := billing.NewRepository(dbPool)

	pickup := createAddress(t, pickupPoint.Lon, pickupPoint.Lat)
	delivery := createAddress(t, -17.4560, 14.7100)
	orderID := createPendingOrder(t, pickup, delivery)
	driverID := createDriver(t, models.DriverStatusActive, -17.4450, 14.6930)

	payout := &models.OrderTransaction{
		ID:            uuid.New(),
		DriverID:      driverID,
		OrderID:       orderID,
		Type:          models.TransactionTypeDriverPayment,
		PaymentMethod: models.PaymentMethodOrangeMoney,
		Amount:        1500,
		Currency:      "XOF",
		Status:        models.TransactionStatusPending,
		HistoryStatus: []models.HistoryStatusEntry{
			{Status: models.TransactionStatusPending, Timestamp: time.Now().UTC()},
		},
	}
	require.NoError(t, billingRepo.CreatePayout(ctx, payout))

	// A redelivered completion event must not pay the driver twice.
	duplicate := *payout
	duplicate.ID = uuid.New()
	err := billingRepo.CreatePayout(ctx, &duplicate)
	assert.ErrorIs(t, err, billing.ErrDuplicatePayout)

	reference := "MM-" + uuid.NewString()
	require.NoError(t, billingRepo.SetReference(ctx, payout.ID, reference))

	settled, err := billingRepo.ApplyStatusByReference(ctx, reference, models.TransactionStatusSuccess, map[string]string{"provider_txn": "abc123"})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSuccess, settled.Status)
	require.NotNil(t, settled.PaymentDate)
	assert.Equal(t, "abc123", settled.Metadata["provider_txn"])
	assert.Len(t, settled.HistoryStatus, 2)

	// Callback retries with the same terminal status are acked as-is.
	again, err := billingRepo.ApplyStatusByReference(ctx, reference, models.TransactionStatusSuccess, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSuccess, again.Status)
	assert.Len(t, again.HistoryStatus, 2)

	// Flipping a settled transaction to the opposite state is a conflict.
	_, err = billingRepo.ApplyStatusByReference(ctx, reference, models.TransactionStatusFailed, nil)
	assert.Error(t, err)
}

func TestPayoutAllowsRetryAfterFailure(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	billingRepo := billing.NewRepository(dbPool)

	pickup := createAddress(t, pickupPoint.Lon, pickupPoint.Lat)
	delivery := createAddress(t, -17.4560, 14.7100)
	orderID := createPendingOrder(t, pickup, delivery)
	driverID := createDriver(t, models.DriverStatusActive, -17.4450, 14.6930)

	first := &models.OrderTransaction{
		ID:            uuid.New(),
		DriverID:      driverID,
		OrderID:       orderID,
		Type:          models.TransactionTypeDriverPayment,
		PaymentMethod: models.PaymentMethodWave,
		Amount:        2000,
		Currency:      "XOF",
		Status:        models.TransactionStatusPending,
	}
	require.NoError(t, billingRepo.CreatePayout(ctx, first))

	failed, err := billingRepo.ApplyStatusByID(ctx, first.ID, models.TransactionStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, failed.Status)

	// A failed payout no longer blocks a fresh attempt.
	retry := *first
	retry.ID = uuid.New()
	require.NoError(t, billingRepo.CreatePayout(ctx, &retry))
}

func TestListStalePendingFindsOnlyReferencedStalePayouts(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()

	billingRepo := billing.NewRepository(dbPool)

	pickup := createAddress(t, pickupPoint.Lon, pickupPoint.Lat)
	delivery := createAddress(t, -17.4560, 14.7100)
	staleOrder := createPendingOrder(t, pickup, delivery)
	freshOrder := createPendingOrder(t, pickup, delivery)
	driverID := createDriver(t, models.DriverStatusActive, -17.4450, 14.6930)

	stale := &models.OrderTransaction{
		ID: uuid.New(), DriverID: driverID, OrderID: staleOrder,
		Type: models.TransactionTypeDriverPayment, PaymentMethod: models.PaymentMethodMTNMoMo,
		Amount: 1000, Currency: "XOF", Status: models.TransactionStatusPending,
	}
	require.NoError(t, billingRepo.CreatePayout(ctx, stale))
	require.NoError(t, billingRepo.SetReference(ctx, stale.ID, "MM-"+uuid.NewString()))

	// Pending but never initiated at the provider; the reconciler has
	// nothing to probe for it.
	unreferenced := &models.OrderTransaction{
		ID: uuid.New(), DriverID: driverID, OrderID: freshOrder,
		Type: models.TransactionTypeDriverPayment, PaymentMethod: models.PaymentMethodMTNMoMo,
		Amount: 1000, Currency: "XOF", Status: models.TransactionStatusPending,
	}
	require.NoError(t, billingRepo.CreatePayout(ctx, unreferenced))

	// Age the referenced row past the grace window.
	_, err := dbPool.Exec(ctx,
		`UPDATE order_transactions SET updated_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, stale.ID)
	require.NoError(t, err)

	found, err := billingRepo.ListStalePending(ctx, time.Now().Add(-10*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)
}
