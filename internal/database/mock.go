package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRoomStore struct {
	mock.Mock
}

func (m *MockRoomStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRoomStore) InsertRoom(ctx context.Context, room Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}
func (m *MockRoomStore) GetRoomByAccessKey(ctx context.Context, accessKey string) (Room, error) {
	args := m.Called(ctx, accessKey)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomStore) GetRoomById(ctx context.Context, id string) (Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomStore) UpdateRoomState(ctx context.Context, params UpdateRoomStateParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}
func (m *MockRoomStore) ListRoomsByHost(ctx context.Context, hostEmail string) ([]HostedRoom, error) {
	args := m.Called(ctx, hostEmail)
	if rooms, ok := args.Get(0).([]HostedRoom); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomStore) ListExpiredRooms(ctx context.Context, now time.Time) ([]Room, error) {
	args := m.Called(ctx, now)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomStore) InsertParticipant(ctx context.Context, p Participant) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}
func (m *MockRoomStore) UpdateParticipantStatus(ctx context.Context, roomId, participantId string, removed bool) error {
	args := m.Called(ctx, roomId, participantId, removed)
	return args.Error(0)
}
func (m *MockRoomStore) ListParticipants(ctx context.Context, roomId string) ([]Participant, error) {
	args := m.Called(ctx, roomId)
	if ps, ok := args.Get(0).([]Participant); ok {
		return ps, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomStore) CreateMessage(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockRoomStore) GetMessages(ctx context.Context, roomId string, since int64) ([]Message, error) {
	args := m.Called(ctx, roomId, since)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
