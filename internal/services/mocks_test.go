package services

import (
	"context"

	"github.com/numzap/backend/internal/models"
	"github.com/numzap/backend/internal/provider"
	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) GetBalance(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockProvider) GetNumber(ctx context.Context, service string, country int, operator string) (*provider.Reservation, error) {
	args := m.Called(ctx, service, country, operator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Reservation), args.Error(1)
}

func (m *MockProvider) GetStatus(ctx context.Context, activationID string) (*provider.StatusResult, error) {
	args := m.Called(ctx, activationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.StatusResult), args.Error(1)
}

func (m *MockProvider) SetStatus(ctx context.Context, activationID string, status int) error {
	args := m.Called(ctx, activationID, status)
	return args.Error(0)
}

func (m *MockProvider) GetCurrentActivations(ctx context.Context) ([]provider.ActiveOrder, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.ActiveOrder), args.Error(1)
}

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) GetByID(ctx context.Context, id int) (*models.ProviderConfig, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProviderConfig), args.Error(1)
}

func (m *MockRegistry) Select(ctx context.Context, explicitID, priceProviderID *int) (*models.ProviderConfig, provider.NumberProvider, error) {
	args := m.Called(ctx, explicitID, priceProviderID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*models.ProviderConfig), args.Get(1).(provider.NumberProvider), args.Error(2)
}

func (m *MockRegistry) ClientFor(cfg *models.ProviderConfig) provider.NumberProvider {
	args := m.Called(cfg)
	return args.Get(0).(provider.NumberProvider)
}

func (m *MockRegistry) Failover(ctx context.Context) (*models.ProviderConfig, provider.NumberProvider, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*models.ProviderConfig), args.Get(1).(provider.NumberProvider), args.Error(2)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendToCustomer(customerID int, notification Notification) {
	m.Called(customerID, notification)
}
