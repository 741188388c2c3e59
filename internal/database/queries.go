package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"

	roomColumns = "id, access_key, name, max_participants, duration_minutes, transcript_enabled, " +
		"state, host_email, created_at, expires_at, ended_at, end_cause"
)

type scanner interface {
	Scan(dest ...any) error
}

func roomDest(room *Room, endedAt *sql.NullTime) []any {
	return []any{
		&room.Id,
		&room.AccessKey,
		&room.Name,
		&room.MaxParticipants,
		&room.DurationMinutes,
		&room.TranscriptEnabled,
		&room.State,
		&room.HostEmail,
		&room.CreatedAt,
		&room.ExpiresAt,
		endedAt,
		&room.EndCause,
	}
}

func setEndedAt(room *Room, endedAt sql.NullTime) {
	if endedAt.Valid {
		t := endedAt.Time
		room.EndedAt = &t
	}
}

func scanRoom(row scanner) (Room, error) {
	var (
		room    Room
		endedAt sql.NullTime
	)
	if err := row.Scan(roomDest(&room, &endedAt)...); err != nil {
		return Room{}, err
	}

	setEndedAt(&room, endedAt)
	return room, nil
}

func translateErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pqErr.Constraint)
	}

	return err
}

func (db *PgRoomStore) InsertRoom(ctx context.Context, room Room) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO rooms (id, access_key, name, max_participants, duration_minutes, transcript_enabled, "+
			"state, host_email, created_at, expires_at, end_cause) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '')",
		room.Id,
		room.AccessKey,
		room.Name,
		room.MaxParticipants,
		room.DurationMinutes,
		room.TranscriptEnabled,
		room.State,
		room.HostEmail,
		room.CreatedAt.UTC(),
		room.ExpiresAt.UTC(),
	)

	return translateErr(err)
}

func (db *PgRoomStore) GetRoomByAccessKey(ctx context.Context, accessKey string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE access_key = $1 LIMIT 1",
		accessKey,
	)

	room, err := scanRoom(row)
	return room, translateErr(err)
}

func (db *PgRoomStore) GetRoomById(ctx context.Context, id string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE id = $1 LIMIT 1",
		id,
	)

	room, err := scanRoom(row)
	return room, translateErr(err)
}

func (db *PgRoomStore) UpdateRoomState(ctx context.Context, params UpdateRoomStateParams) error {
	var endedAt sql.NullTime
	if params.EndedAt != nil {
		endedAt = sql.NullTime{Time: params.EndedAt.UTC(), Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		"UPDATE rooms SET state = $2, ended_at = $3, end_cause = $4 "+
			"WHERE id = $1 AND state <> 'ended'",
		params.RoomId,
		params.State,
		endedAt,
		params.EndCause,
	)

	return translateErr(err)
}

func (db *PgRoomStore) ListRoomsByHost(ctx context.Context, hostEmail string) ([]HostedRoom, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.id, r.access_key, r.name, r.max_participants, r.duration_minutes, r.transcript_enabled, "+
			"r.state, r.host_email, r.created_at, r.expires_at, r.ended_at, r.end_cause, COUNT(p.id) "+
			"FROM rooms r LEFT JOIN participants p ON p.room_id = r.id "+
			"WHERE LOWER(r.host_email) = LOWER($1) "+
			"GROUP BY r.id ORDER BY r.created_at DESC, r.id ASC",
		hostEmail,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]HostedRoom, 0)
	for rows.Next() {
		var (
			hr      HostedRoom
			endedAt sql.NullTime
		)
		if err := rows.Scan(append(roomDest(&hr.Room, &endedAt), &hr.ParticipantCount)...); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		setEndedAt(&hr.Room, endedAt)
		rooms = append(rooms, hr)
	}

	return rooms, rows.Err()
}

func (db *PgRoomStore) ListExpiredRooms(ctx context.Context, now time.Time) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms "+
			"WHERE state <> 'ended' AND expires_at <= $1 ORDER BY expires_at ASC",
		now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgRoomStore) InsertParticipant(ctx context.Context, p Participant) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO participants (id, room_id, name, email, role, removed, joined_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		p.Id,
		p.RoomId,
		p.Name,
		p.Email,
		p.Role,
		p.Removed,
		p.JoinedAt.UTC(),
	)

	return translateErr(err)
}

func (db *PgRoomStore) UpdateParticipantStatus(ctx context.Context, roomId, participantId string, removed bool) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE participants SET removed = $3 WHERE room_id = $1 AND id = $2",
		roomId,
		participantId,
		removed,
	)
	if err != nil {
		return translateErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgRoomStore) ListParticipants(ctx context.Context, roomId string) ([]Participant, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room_id, name, email, role, removed, joined_at FROM participants "+
			"WHERE room_id = $1 ORDER BY joined_at ASC, id ASC",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.Id, &p.RoomId, &p.Name, &p.Email, &p.Role, &p.Removed, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

// CreateMessage stores msg and advances the room's sequence counter in a
// single transaction. The primary key on (room_id, seq_id) rejects a
// sequence id that was already used.
func (db *PgRoomStore) CreateMessage(ctx context.Context, msg Message) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (room_id, seq_id, author_id, author_name, author_role, body, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		msg.RoomId,
		msg.SeqId,
		msg.AuthorId,
		msg.AuthorName,
		msg.AuthorRole,
		msg.Body,
		msg.CreatedAt.UTC(),
	)
	if err != nil {
		return translateErr(err)
	}

	_, err = tx.ExecContext(ctx, "UPDATE rooms SET seq_id = $2 WHERE id = $1", msg.RoomId, msg.SeqId)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgRoomStore) GetMessages(ctx context.Context, roomId string, since int64) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT room_id, seq_id, author_id, author_name, author_role, body, created_at FROM messages "+
			"WHERE room_id = $1 AND seq_id > $2 ORDER BY seq_id ASC",
		roomId,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.RoomId, &msg.SeqId, &msg.AuthorId, &msg.AuthorName, &msg.AuthorRole, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
