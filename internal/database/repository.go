package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when an insert violates a unique
	// constraint, e.g. an access key collision.
	ErrDuplicateKey = errors.New("duplicate key")
)

// RoomStore is the durable home of rooms, their participants and their
// messages.
type RoomStore interface {
	Ping(ctx context.Context) error
	InsertRoom(ctx context.Context, room Room) error
	GetRoomByAccessKey(ctx context.Context, accessKey string) (Room, error)
	GetRoomById(ctx context.Context, id string) (Room, error)
	// UpdateRoomState moves a room to a new lifecycle state. Rows already
	// ended are left untouched.
	UpdateRoomState(ctx context.Context, params UpdateRoomStateParams) error
	// ListRoomsByHost returns the rooms hosted by hostEmail, newest first.
	ListRoomsByHost(ctx context.Context, hostEmail string) ([]HostedRoom, error)
	// ListExpiredRooms returns rooms that are not ended but whose expiry is
	// at or before now, oldest expiry first.
	ListExpiredRooms(ctx context.Context, now time.Time) ([]Room, error)
	InsertParticipant(ctx context.Context, p Participant) error
	UpdateParticipantStatus(ctx context.Context, roomId, participantId string, removed bool) error
	ListParticipants(ctx context.Context, roomId string) ([]Participant, error)
	CreateMessage(ctx context.Context, msg Message) error
	// GetMessages returns messages with a sequence id greater than since,
	// in ascending sequence order.
	GetMessages(ctx context.Context, roomId string, since int64) ([]Message, error)
}
