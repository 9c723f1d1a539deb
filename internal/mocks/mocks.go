package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"anon-chat/internal/models"
	"anon-chat/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateRoom(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *ConversationRepositoryMock) CreateIdentity(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *ConversationRepositoryMock) Pair(ctx context.Context, myCode, targetCode string) (bool, error) {
	args := m.Called(ctx, myCode, targetCode)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) Append(ctx context.Context, conversationID string, in repositories.NewEnvelope) (models.Envelope, error) {
	args := m.Called(ctx, conversationID, in)
	var env models.Envelope
	if val := args.Get(0); val != nil {
		env = val.(models.Envelope)
	}
	return env, args.Error(1)
}

func (m *ConversationRepositoryMock) Fetch(ctx context.Context, conversationID string, reader string) ([]models.Envelope, error) {
	args := m.Called(ctx, conversationID, reader)
	var envs []models.Envelope
	if val := args.Get(0); val != nil {
		envs = val.([]models.Envelope)
	}
	return envs, args.Error(1)
}

func (m *ConversationRepositoryMock) Exists(ctx context.Context, conversationID string) (bool, error) {
	args := m.Called(ctx, conversationID)
	return args.Bool(0), args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Notify(conversationID string) {
	m.Called(conversationID)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ interface{ Notify(string) } = (*NotifierMock)(nil)
