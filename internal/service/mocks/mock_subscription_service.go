package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"nefrit/internal/model"
	"nefrit/internal/service"
)

type MockSubscriptionService struct {
	mock.Mock
}

var _ service.SubscriptionService = (*MockSubscriptionService)(nil)

func (m *MockSubscriptionService) CreateKey(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSubscriptionService) ActivateKey(ctx context.Context, key string, telegramID int64, username string) (*model.User, error) {
	args := m.Called(ctx, key, telegramID, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *MockSubscriptionService) UserInfo(ctx context.Context, telegramID int64) (*model.User, error) {
	args := m.Called(ctx, telegramID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *MockSubscriptionService) Stats(ctx context.Context) (*model.Stats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Stats), args.Error(1)
}

func (m *MockSubscriptionService) RecentKeys(ctx context.Context) ([]model.ActivationKey, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ActivationKey), args.Error(1)
}

func (m *MockSubscriptionService) Subscription(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

func (m *MockSubscriptionService) ActiveUsers(ctx context.Context) ([]model.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.User), args.Error(1)
}

func (m *MockSubscriptionService) ActiveUUIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockSubscriptionService) Export(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSubscriptionService) SubscriptionURL(u *model.User) string {
	return m.Called(u).String(0)
}

func (m *MockSubscriptionService) Link(u *model.User) string {
	return m.Called(u).String(0)
}

func (m *MockSubscriptionService) OnActivate(l service.ActivationListener) {
	m.Called(l)
}
