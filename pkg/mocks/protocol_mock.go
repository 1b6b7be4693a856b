package mocks

import (
	"context"

	"github.com/dukex/nurture/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockSubjectStore is a mock implementation of protocol.SubjectStore interface.
type MockSubjectStore struct {
	mock.Mock
}

func (m *MockSubjectStore) Get(ctx context.Context, id string) (*models.Subject, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Subject), args.Error(1)
}

func (m *MockSubjectStore) Find(ctx context.Context, filter []models.Condition) ([]*models.Subject, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Subject), args.Error(1)
}

func (m *MockSubjectStore) AddTag(ctx context.Context, id, tag string) error {
	args := m.Called(ctx, id, tag)

	return args.Error(0)
}

func (m *MockSubjectStore) RemoveTag(ctx context.Context, id, tag string) error {
	args := m.Called(ctx, id, tag)

	return args.Error(0)
}

func (m *MockSubjectStore) UpdateProperty(ctx context.Context, id, property string, value any) error {
	args := m.Called(ctx, id, property, value)

	return args.Error(0)
}

func (m *MockSubjectStore) CreateTask(ctx context.Context, task *models.Task) error {
	args := m.Called(ctx, task)

	return args.Error(0)
}

// MockDeliverer is a mock implementation of protocol.Deliverer interface.
type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, msg models.RenderedMessage, recipient models.Recipient, tracking map[string]string) (models.DeliveryResult, error) {
	args := m.Called(ctx, msg, recipient, tracking)

	return args.Get(0).(models.DeliveryResult), args.Error(1)
}
