package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryRoomStore keeps everything in process memory. It backs the server
// when no database DSN is configured and is the store used by the server
// package tests.
type MemoryRoomStore struct {
	mu           sync.Mutex
	rooms        map[string]Room
	byAccessKey  map[string]string
	participants map[string][]Participant
	messages     map[string][]Message
}

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		rooms:        make(map[string]Room),
		byAccessKey:  make(map[string]string),
		participants: make(map[string][]Participant),
		messages:     make(map[string][]Message),
	}
}

func (s *MemoryRoomStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryRoomStore) InsertRoom(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToUpper(room.AccessKey)
	if _, ok := s.byAccessKey[key]; ok {
		return fmt.Errorf("%w: rooms_access_key_idx", ErrDuplicateKey)
	}
	if _, ok := s.rooms[room.Id]; ok {
		return fmt.Errorf("%w: rooms_pkey", ErrDuplicateKey)
	}

	s.rooms[room.Id] = room
	s.byAccessKey[key] = room.Id
	return nil
}

func (s *MemoryRoomStore) GetRoomByAccessKey(_ context.Context, accessKey string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAccessKey[strings.ToUpper(accessKey)]
	if !ok {
		return Room{}, ErrNotFound
	}
	return s.rooms[id], nil
}

func (s *MemoryRoomStore) GetRoomById(_ context.Context, id string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (s *MemoryRoomStore) UpdateRoomState(_ context.Context, params UpdateRoomStateParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[params.RoomId]
	if !ok {
		return ErrNotFound
	}
	if room.State == "ended" {
		return nil
	}

	room.State = params.State
	room.EndedAt = params.EndedAt
	room.EndCause = params.EndCause
	s.rooms[params.RoomId] = room
	return nil
}

func (s *MemoryRoomStore) ListRoomsByHost(_ context.Context, hostEmail string) ([]HostedRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]HostedRoom, 0)
	for _, room := range s.rooms {
		if strings.EqualFold(room.HostEmail, hostEmail) {
			rooms = append(rooms, HostedRoom{Room: room, ParticipantCount: len(s.participants[room.Id])})
		}
	}

	slices.SortFunc(rooms, func(a, b HostedRoom) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})
	return rooms, nil
}

func (s *MemoryRoomStore) ListExpiredRooms(_ context.Context, now time.Time) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []Room
	for _, room := range s.rooms {
		if room.State != "ended" && !room.ExpiresAt.After(now) {
			rooms = append(rooms, room)
		}
	}

	slices.SortFunc(rooms, func(a, b Room) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	return rooms, nil
}

func (s *MemoryRoomStore) InsertParticipant(_ context.Context, p Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[p.RoomId]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.participants[p.RoomId] {
		if existing.Id == p.Id || strings.EqualFold(existing.Email, p.Email) {
			return fmt.Errorf("%w: participants_room_id_email_key", ErrDuplicateKey)
		}
	}

	s.participants[p.RoomId] = append(s.participants[p.RoomId], p)
	return nil
}

func (s *MemoryRoomStore) UpdateParticipantStatus(_ context.Context, roomId, participantId string, removed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.participants[roomId] {
		if p.Id == participantId {
			s.participants[roomId][i].Removed = removed
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryRoomStore) ListParticipants(_ context.Context, roomId string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.participants[roomId]), nil
}

func (s *MemoryRoomStore) CreateMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[msg.RoomId]; !ok {
		return ErrNotFound
	}

	msgs := s.messages[msg.RoomId]
	if n := len(msgs); n > 0 && msgs[n-1].SeqId >= msg.SeqId {
		return fmt.Errorf("%w: messages_pkey", ErrDuplicateKey)
	}

	s.messages[msg.RoomId] = append(msgs, msg)
	return nil
}

func (s *MemoryRoomStore) GetMessages(_ context.Context, roomId string, since int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]Message, 0)
	for _, msg := range s.messages[roomId] {
		if msg.SeqId > since {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}
