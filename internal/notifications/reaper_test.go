package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/parceldrop/dispatch/pkg/eventlog"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Consumers(ctx context.Context, stream, group string) ([]eventlog.ConsumerInfo, error) {
	args := m.Called(ctx, stream, group)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]eventlog.ConsumerInfo), args.Error(1)
}

func (m *mockRegistry) RemoveConsumer(ctx context.Context, stream, group, name string) error {
	args := m.Called(ctx, stream, group, name)
	return args.Error(0)
}

func TestReaperRemovesIdleEmptyConsumers(t *testing.T) {
	registry := new(mockRegistry)
	reaper := NewReaper(registry, workerConfig())

	registry.On("Consumers", mock.Anything, eventlog.StreamNotifications, eventlog.GroupNotificationWorkers).
		Return([]eventlog.ConsumerInfo{
			{Name: "dead-worker", Pending: 0, Idle: 2 * time.Hour},
			{Name: "dead-but-pending", Pending: 3, Idle: 2 * time.Hour},
			{Name: "live-worker", Pending: 0, Idle: time.Second},
		}, nil)
	registry.On("RemoveConsumer", mock.Anything, eventlog.StreamNotifications,
		eventlog.GroupNotificationWorkers, "dead-worker").Return(nil)

	reaper.Sweep(context.Background())

	registry.AssertExpectations(t)
	registry.AssertNumberOfCalls(t, "RemoveConsumer", 1)
}
