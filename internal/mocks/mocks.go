package mocks

import (
	"context"
	"time"

	"checkout-service/internal/client"

	"github.com/stretchr/testify/mock"
)

type MockPaymentProvider struct {
	mock.Mock
}

func (m *MockPaymentProvider) Initiate(ctx context.Context, req *client.PaymentRequest) (*client.InitiateResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.InitiateResult), args.Error(1)
}

func (m *MockPaymentProvider) HandleCallback(ctx context.Context, req *client.CallbackRequest) (*client.CallbackResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.CallbackResult), args.Error(1)
}

func (m *MockPaymentProvider) CheckStatus(ctx context.Context, providerRef string) (bool, error) {
	args := m.Called(ctx, providerRef)
	return args.Bool(0), args.Error(1)
}

type MockCartClient struct {
	mock.Mock
}

func (m *MockCartClient) GetCart(ctx context.Context, customerID, accessToken string) (*client.Cart, error) {
	args := m.Called(ctx, customerID, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.Cart), args.Error(1)
}

func (m *MockCartClient) ClearCart(ctx context.Context, customerID, accessToken string) error {
	args := m.Called(ctx, customerID, accessToken)
	return args.Error(0)
}

func (m *MockCartClient) ClearStore(ctx context.Context, customerID string, storeID int64, accessToken string) error {
	args := m.Called(ctx, customerID, storeID, accessToken)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg *client.Envelope) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockPublisher) Close() {
	m.Called()
}

type MockTokenBlacklist struct {
	mock.Mock
}

func (m *MockTokenBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	args := m.Called(ctx, jti)
	return args.Bool(0), args.Error(1)
}

func (m *MockTokenBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	args := m.Called(ctx, jti, ttl)
	return args.Error(0)
}
