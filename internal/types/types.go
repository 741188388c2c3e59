package types

import (
	"time"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusRemoved PresenceStatus = "removed"
)

type RoomState string

const (
	RoomPending RoomState = "pending"
	RoomActive  RoomState = "active"
	RoomEnding  RoomState = "ending"
	RoomEnded   RoomState = "ended"
)

// stateRank orders lifecycle states; a room may only move forward.
var stateRank = map[RoomState]int{
	RoomPending: 0,
	RoomActive:  1,
	RoomEnding:  2,
	RoomEnded:   3,
}

// CanTransition reports whether a room in state s may move to next.
func (s RoomState) CanTransition(next RoomState) bool {
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}

func (s RoomState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

type EndCause string

const (
	CauseHostEnded EndCause = "host-ended"
	CauseExpired   EndCause = "expired"
)

type Room struct {
	Id                string    `json:"id"`
	AccessKey         string    `json:"access_key,omitempty"`
	Name              string    `json:"name"`
	MaxParticipants   int       `json:"max_participants"`
	DurationMinutes   int       `json:"duration_minutes"`
	TranscriptEnabled bool      `json:"transcript_enabled"`
	State             RoomState `json:"state"`
	HostEmail         string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
	EndCause          EndCause  `json:"end_cause,omitempty"`
}

// Expired reports whether the room's lifetime is over at now, either
// because it was ended or because its expiry has passed.
func (r Room) Expired(now time.Time) bool {
	return r.State == RoomEnded || !now.Before(r.ExpiresAt)
}

func (r Room) Summary() RoomSummary {
	return RoomSummary{
		Id:                r.Id,
		Name:              r.Name,
		MaxParticipants:   r.MaxParticipants,
		DurationMinutes:   r.DurationMinutes,
		TranscriptEnabled: r.TranscriptEnabled,
		State:             r.State,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
	}
}

// HostedRoom is a room as listed for its host.
type HostedRoom struct {
	Room
	ParticipantCount int `json:"participant_count"`
}

// RoomSummary is the public view of a room handed to anyone holding its
// access key.
type RoomSummary struct {
	Id                string    `json:"id"`
	Name              string    `json:"name"`
	MaxParticipants   int       `json:"max_participants"`
	DurationMinutes   int       `json:"duration_minutes"`
	TranscriptEnabled bool      `json:"transcript_enabled"`
	State             RoomState `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type Participant struct {
	Id       string         `json:"id"`
	RoomId   string         `json:"room_id"`
	Name     string         `json:"name"`
	Email    string         `json:"email,omitempty"`
	Role     Role           `json:"role"`
	Status   PresenceStatus `json:"status"`
	JoinedAt time.Time      `json:"joined_at"`
}

func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

type Message struct {
	SeqId      int64     `json:"seq_id"`
	RoomId     string    `json:"room_id"`
	AuthorId   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	AuthorRole Role      `json:"author_role"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}
