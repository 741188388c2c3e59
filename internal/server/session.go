package server

import (
	"github.com/npezzotti/ephemeral-chat/internal/types"
)

// Session binds one connection to one participant of one room.
type Session struct {
	Id          string
	Token       string
	Participant types.Participant
	room        *Room
	client      *Client
}

func (s *Session) RoomId() string {
	return s.room.id
}

func (s *Session) isHost() bool {
	return s.Participant.IsHost()
}

func (s *Session) send(msg *ServerMessage) {
	if !s.client.queueMessage(msg) {
		// a consumer that cannot keep up is dropped; it reconnects and
		// replays from its last sequence number
		s.client.log.Printf("send queue full for session %q, closing", s.Id)
		s.client.stopClient()
	}
}
