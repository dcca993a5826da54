package mocks

import (
	"context"

	"github.com/dukex/prompthook/pkg/execution"
	"github.com/dukex/prompthook/pkg/gateway"
	"github.com/dukex/prompthook/pkg/mailer"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/storage"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a mock implementation of gateway.Gateway interface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) DeploySubscription(ctx context.Context, req gateway.DeployRequest) (string, error) {
	args := m.Called(ctx, req)

	return args.String(0), args.Error(1)
}

func (m *MockGateway) DestroySubscription(ctx context.Context, req gateway.DestroyRequest) error {
	args := m.Called(ctx, req)

	return args.Error(0)
}

// MockRunner is a mock implementation of execution.Runner interface.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, req execution.RunRequest) (*execution.RunResult, error) {
	args := m.Called(ctx, req)

	if result, ok := args.Get(0).(*execution.RunResult); ok {
		return result, args.Error(1)
	}

	return nil, args.Error(1)
}

// MockEvaluator is a mock implementation of execution.Evaluator interface.
type MockEvaluator struct {
	mock.Mock
}

func (m *MockEvaluator) Evaluate(ctx context.Context, req execution.EvaluateRequest) error {
	args := m.Called(ctx, req)

	return args.Error(0)
}

// MockUploader is a mock implementation of storage.Uploader interface.
type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, workspaceID int64, file storage.File) (models.FileRef, error) {
	args := m.Called(ctx, workspaceID, file)

	return args.Get(0).(models.FileRef), args.Error(1)
}

// MockMailer is a mock implementation of mailer.Mailer interface.
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, msg mailer.Message) error {
	args := m.Called(ctx, msg)

	return args.Error(0)
}

var (
	_ gateway.Gateway     = (*MockGateway)(nil)
	_ execution.Runner    = (*MockRunner)(nil)
	_ execution.Evaluator = (*MockEvaluator)(nil)
	_ storage.Uploader    = (*MockUploader)(nil)
	_ mailer.Mailer       = (*MockMailer)(nil)
)
