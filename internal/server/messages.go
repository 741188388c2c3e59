package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/ephemeral-chat/internal/types"
)

type EventKind string

// Inbound kinds.
const (
	KindJoin              EventKind = "join"
	KindMessage           EventKind = "message"
	KindEndChat           EventKind = "end-chat"
	KindRemoveParticipant EventKind = "remove-participant"
	KindLeave             EventKind = "leave"
	KindSync              EventKind = "sync"
)

// Outbound kinds.
const (
	KindJoined             EventKind = "joined"
	KindAck                EventKind = "ack"
	KindPresenceUpdate     EventKind = "presence-update"
	KindRoomEnded          EventKind = "room-ended"
	KindParticipantRemoved EventKind = "participant-removed"
	KindError              EventKind = "error"
)

// CodeSessionSuperseded is sent to a connection replaced by a newer one
// for the same participant.
const CodeSessionSuperseded types.ErrorCode = "session_superseded"

type ClientMessage struct {
	Id           int             `json:"id,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
	Kind         EventKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	// Token is an identity token on first join or a session token on
	// reconnect.
	Token     string `json:"token"`
	AccessKey string `json:"access_key"`
	// LastSeq requests a replay of messages after it. Nil skips replay.
	LastSeq *int64 `json:"last_seq,omitempty"`
}

type MessagePayload struct {
	Body string `json:"body"`
}

type RemovePayload struct {
	ParticipantId string `json:"participant_id"`
}

type SyncPayload struct {
	Since int64 `json:"since"`
}

type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	RoomId    string    `json:"room_id,omitempty"`
	Kind      EventKind `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"server_timestamp"`
}

type JoinedPayload struct {
	SessionId    string              `json:"session_id"`
	SessionToken string              `json:"session_token"`
	Room         types.RoomSummary   `json:"room"`
	Participant  types.Participant   `json:"participant"`
	Participants []types.Participant `json:"participants"`
	LastSeq      int64               `json:"last_seq"`
	// Missed replays messages after the last_seq the client joined with.
	Missed []types.Message `json:"missed,omitempty"`
}

type AckPayload struct {
	SeqId    int64           `json:"seq_id,omitempty"`
	Messages []types.Message `json:"messages,omitempty"`
}

type PresencePayload struct {
	Participants []types.Participant `json:"participants"`
}

type RoomEndedPayload struct {
	Cause   types.EndCause `json:"cause"`
	EndedAt time.Time      `json:"ended_at"`
}

type ParticipantRemovedPayload struct {
	ParticipantId string `json:"participant_id"`
}

type ErrorPayload struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

func NoErrJoined(id int, roomId string, joined JoinedPayload) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		RoomId:    roomId,
		Kind:      KindJoined,
		Payload:   joined,
		Timestamp: Now(),
	}
}

func NoErrAck(id int, roomId string, seqId int64) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		RoomId:    roomId,
		Kind:      KindAck,
		Payload:   AckPayload{SeqId: seqId},
		Timestamp: Now(),
	}
}

func NoErrSync(id int, roomId string, messages []types.Message) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		RoomId:    roomId,
		Kind:      KindAck,
		Payload:   AckPayload{Messages: messages},
		Timestamp: Now(),
	}
}

func MessageEvent(msg types.Message) *ServerMessage {
	return &ServerMessage{
		RoomId:    msg.RoomId,
		Kind:      KindMessage,
		Payload:   msg,
		Timestamp: Now(),
	}
}

func PresenceEvent(roomId string, participants []types.Participant) *ServerMessage {
	return &ServerMessage{
		RoomId:    roomId,
		Kind:      KindPresenceUpdate,
		Payload:   PresencePayload{Participants: participants},
		Timestamp: Now(),
	}
}

func RoomEndedEvent(roomId string, cause types.EndCause, endedAt time.Time) *ServerMessage {
	return &ServerMessage{
		RoomId:    roomId,
		Kind:      KindRoomEnded,
		Payload:   RoomEndedPayload{Cause: cause, EndedAt: endedAt},
		Timestamp: Now(),
	}
}

func ParticipantRemovedEvent(roomId, participantId string) *ServerMessage {
	return &ServerMessage{
		RoomId:    roomId,
		Kind:      KindParticipantRemoved,
		Payload:   ParticipantRemovedPayload{ParticipantId: participantId},
		Timestamp: Now(),
	}
}

// ErrorEvent describes err to the client. Errors outside the taxonomy are
// reported as internal without their text.
func ErrorEvent(id int, roomId string, err error) *ServerMessage {
	payload := ErrorPayload{Code: types.CodeOf(err), Message: err.Error()}
	var typed *types.Error
	if !errors.As(err, &typed) {
		payload.Message = "internal server error"
	}

	return &ServerMessage{
		Id:        id,
		RoomId:    roomId,
		Kind:      KindError,
		Payload:   payload,
		Timestamp: Now(),
	}
}

func ErrSessionSuperseded(roomId string) *ServerMessage {
	return &ServerMessage{
		RoomId: roomId,
		Kind:   KindError,
		Payload: ErrorPayload{
			Code:    CodeSessionSuperseded,
			Message: "session replaced by a newer connection",
		},
		Timestamp: Now(),
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	return ErrorEvent(id, "", fmt.Errorf("%w: invalid message format", types.ErrInvalidInput))
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
