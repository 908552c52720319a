package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"group-chat/internal/auth"
	"group-chat/internal/models"
	"group-chat/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Insert(ctx context.Context, rec repositories.MessageRecord) (repositories.MessageRecord, error) {
	args := m.Called(ctx, rec)
	var out repositories.MessageRecord
	if val := args.Get(0); val != nil {
		out = val.(repositories.MessageRecord)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, id int) (repositories.MessageRecord, error) {
	args := m.Called(ctx, id)
	var out repositories.MessageRecord
	if val := args.Get(0); val != nil {
		out = val.(repositories.MessageRecord)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) ListByGroup(ctx context.Context, groupID, limit, offset int) ([]repositories.MessageRecord, error) {
	args := m.Called(ctx, groupID, limit, offset)
	var list []repositories.MessageRecord
	if val := args.Get(0); val != nil {
		list = val.([]repositories.MessageRecord)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) ListByGroups(ctx context.Context, groupIDs []int, limit int) ([]repositories.MessageRecord, error) {
	args := m.Called(ctx, groupIDs, limit)
	var list []repositories.MessageRecord
	if val := args.Get(0); val != nil {
		list = val.([]repositories.MessageRecord)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateContent(ctx context.Context, id int, content string, updatedAt time.Time) (repositories.MessageRecord, error) {
	args := m.Called(ctx, id, content, updatedAt)
	var out repositories.MessageRecord
	if val := args.Get(0); val != nil {
		out = val.(repositories.MessageRecord)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) Delete(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MessageRepositoryMock) AddReadReceipt(ctx context.Context, id, userID int, readAt time.Time) (bool, error) {
	args := m.Called(ctx, id, userID, readAt)
	return args.Bool(0), args.Error(1)
}

type GroupRepositoryMock struct {
	mock.Mock
}

func (m *GroupRepositoryMock) GetMembership(ctx context.Context, groupID int) (models.Membership, error) {
	args := m.Called(ctx, groupID)
	var membership models.Membership
	if val := args.Get(0); val != nil {
		membership = val.(models.Membership)
	}
	return membership, args.Error(1)
}

func (m *GroupRepositoryMock) ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error) {
	args := m.Called(ctx, userID)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) Verify(ctx context.Context, token string) (auth.Identity, error) {
	args := m.Called(ctx, token)
	var id auth.Identity
	if val := args.Get(0); val != nil {
		id = val.(auth.Identity)
	}
	return id, args.Error(1)
}

var (
	_ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
	_ repositories.GroupRepository   = (*GroupRepositoryMock)(nil)
	_ auth.Verifier                  = (*VerifierMock)(nil)
)

// PublisherMock stands in for the broker client.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}

// Published returns the events sent to routingKey in call order.
func (m *PublisherMock) Published(routingKey string) []any {
	var out []any
	for _, call := range m.Calls {
		if call.Method == "Publish" && call.Arguments.String(1) == routingKey {
			out = append(out, call.Arguments.Get(2))
		}
	}
	return out
}
