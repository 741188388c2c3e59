package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/ephemeral-chat/internal/auth"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	MinParticipants = 2
	MaxParticipants = 100
	MinDuration     = 15
	MaxDuration     = 480

	accessKeyLength   = 10
	accessKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxKeyAttempts    = 5
	maxRoomNameRunes  = 100
)

type CreateRoomParams struct {
	Name              string `json:"name"`
	MaxParticipants   int    `json:"max_participants"`
	DurationMinutes   int    `json:"duration_minutes"`
	TranscriptEnabled bool   `json:"transcript_enabled"`
}

func (p CreateRoomParams) validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", types.ErrInvalidConfig)
	}
	if utf8.RuneCountInString(name) > maxRoomNameRunes {
		return fmt.Errorf("%w: name is too long", types.ErrInvalidConfig)
	}
	if p.MaxParticipants < MinParticipants || p.MaxParticipants > MaxParticipants {
		return fmt.Errorf("%w: max participants must be between %d and %d", types.ErrInvalidConfig, MinParticipants, MaxParticipants)
	}
	if p.DurationMinutes < MinDuration || p.DurationMinutes > MaxDuration {
		return fmt.Errorf("%w: duration must be between %d and %d minutes", types.ErrInvalidConfig, MinDuration, MaxDuration)
	}
	return nil
}

// generateAccessKey returns accessKeyLength characters drawn uniformly from
// accessKeyAlphabet.
func generateAccessKey() (string, error) {
	limit := big.NewInt(int64(len(accessKeyAlphabet)))
	key := make([]byte, accessKeyLength)
	for i := range key {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		key[i] = accessKeyAlphabet[n.Int64()]
	}
	return string(key), nil
}

// CreateRoom stores a new pending room hosted by identity. The room becomes
// active when the host first joins.
func (cs *ChatServer) CreateRoom(ctx context.Context, identity auth.Identity, params CreateRoomParams) (types.Room, error) {
	if err := params.validate(); err != nil {
		return types.Room{}, err
	}

	now := cs.now().UTC().Round(time.Millisecond)

	for range maxKeyAttempts {
		id, err := shortid.Generate()
		if err != nil {
			return types.Room{}, fmt.Errorf("generate room id: %w", err)
		}
		key, err := generateAccessKey()
		if err != nil {
			return types.Room{}, fmt.Errorf("generate access key: %w", err)
		}

		room := types.Room{
			Id:                id,
			AccessKey:         key,
			Name:              strings.TrimSpace(params.Name),
			MaxParticipants:   params.MaxParticipants,
			DurationMinutes:   params.DurationMinutes,
			TranscriptEnabled: params.TranscriptEnabled,
			State:             types.RoomPending,
			HostEmail:         strings.ToLower(identity.Email),
			CreatedAt:         now,
			ExpiresAt:         now.Add(time.Duration(params.DurationMinutes) * time.Minute),
		}

		err = cs.store.InsertRoom(ctx, database.RoomFromType(room))
		if errors.Is(err, database.ErrDuplicateKey) {
			cs.log.Printf("access key collision, retrying: %v", err)
			continue
		}
		if err != nil {
			return types.Room{}, fmt.Errorf("insert room: %w", err)
		}

		cs.log.Printf("room %q created, expires at %s", room.Id, room.ExpiresAt.Format(time.RFC3339))
		return room, nil
	}

	return types.Room{}, fmt.Errorf("insert room: no unique access key after %d attempts", maxKeyAttempts)
}
