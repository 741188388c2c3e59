package database

import "time"

type Room struct {
	Id                string
	AccessKey         string
	Name              string
	MaxParticipants   int
	DurationMinutes   int
	TranscriptEnabled bool
	State             string
	HostEmail         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	EndedAt           *time.Time
	EndCause          string
}

// HostedRoom is a room listed for its host with the number of people who
// joined it.
type HostedRoom struct {
	Room
	ParticipantCount int
}

type Participant struct {
	Id       string
	RoomId   string
	Name     string
	Email    string
	Role     string
	Removed  bool
	JoinedAt time.Time
}

type Message struct {
	SeqId      int64
	RoomId     string
	AuthorId   string
	AuthorName string
	AuthorRole string
	Body       string
	CreatedAt  time.Time
}

type UpdateRoomStateParams struct {
	RoomId   string
	State    string
	EndedAt  *time.Time
	EndCause string
}
