package database

import (
	"github.com/npezzotti/ephemeral-chat/internal/types"
)

func RoomToType(r Room) types.Room {
	room := types.Room{
		Id:                r.Id,
		AccessKey:         r.AccessKey,
		Name:              r.Name,
		MaxParticipants:   r.MaxParticipants,
		DurationMinutes:   r.DurationMinutes,
		TranscriptEnabled: r.TranscriptEnabled,
		State:             types.RoomState(r.State),
		HostEmail:         r.HostEmail,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		EndCause:          types.EndCause(r.EndCause),
	}
	if r.EndedAt != nil {
		room.EndedAt = *r.EndedAt
	}
	return room
}

func HostedRoomToType(hr HostedRoom) types.HostedRoom {
	return types.HostedRoom{
		Room:             RoomToType(hr.Room),
		ParticipantCount: hr.ParticipantCount,
	}
}

func RoomFromType(r types.Room) Room {
	room := Room{
		Id:                r.Id,
		AccessKey:         r.AccessKey,
		Name:              r.Name,
		MaxParticipants:   r.MaxParticipants,
		DurationMinutes:   r.DurationMinutes,
		TranscriptEnabled: r.TranscriptEnabled,
		State:             string(r.State),
		HostEmail:         r.HostEmail,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		EndCause:          string(r.EndCause),
	}
	if !r.EndedAt.IsZero() {
		endedAt := r.EndedAt
		room.EndedAt = &endedAt
	}
	return room
}

// ParticipantToType converts a stored participant. Presence is not
// persisted, so anyone not removed comes back offline.
func ParticipantToType(p Participant) types.Participant {
	status := types.StatusOffline
	if p.Removed {
		status = types.StatusRemoved
	}
	return types.Participant{
		Id:       p.Id,
		RoomId:   p.RoomId,
		Name:     p.Name,
		Email:    p.Email,
		Role:     types.Role(p.Role),
		Status:   status,
		JoinedAt: p.JoinedAt,
	}
}

func ParticipantFromType(p types.Participant) Participant {
	return Participant{
		Id:       p.Id,
		RoomId:   p.RoomId,
		Name:     p.Name,
		Email:    p.Email,
		Role:     string(p.Role),
		Removed:  p.Status == types.StatusRemoved,
		JoinedAt: p.JoinedAt,
	}
}

func MessageToType(m Message) types.Message {
	return types.Message{
		SeqId:      m.SeqId,
		RoomId:     m.RoomId,
		AuthorId:   m.AuthorId,
		AuthorName: m.AuthorName,
		AuthorRole: types.Role(m.AuthorRole),
		Body:       m.Body,
		SentAt:     m.CreatedAt,
	}
}

func MessageFromType(m types.Message) Message {
	return Message{
		SeqId:      m.SeqId,
		RoomId:     m.RoomId,
		AuthorId:   m.AuthorId,
		AuthorName: m.AuthorName,
		AuthorRole: string(m.AuthorRole),
		Body:       m.Body,
		CreatedAt:  m.SentAt,
	}
}
