package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/ephemeral-chat/internal/auth"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityToken runs the challenge flow through the HTTP API.
func (ta *testApp) identityToken(t *testing.T, name, email string) string {
	t.Helper()

	rr := ta.do(t, http.MethodPost, "/api/auth/challenge", "", ChallengeRequest{Name: name, Email: email})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	challenge := decodeBody[ChallengeResponse](t, rr)

	rr = ta.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{
		ChallengeId: challenge.ChallengeId,
		Code:        ta.codes[strings.ToLower(email)],
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decodeBody[TokenResponse](t, rr).Token
}

func (ta *testApp) createRoom(t *testing.T, token string, transcript bool) types.Room {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/api/rooms", token, map[string]any{
		"name":               "planning",
		"max_participants":   3,
		"duration_minutes":   30,
		"transcript_enabled": transcript,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[types.Room](t, rr)
}

// sessionToken seats a participant in room directly through the store
// and issues the session token a join would have produced.
func (ta *testApp) sessionToken(t *testing.T, room types.Room, email string) (string, database.Participant) {
	t.Helper()
	p := database.Participant{
		Id:       "p-" + email,
		RoomId:   room.Id,
		Name:     email,
		Email:    email,
		Role:     string(types.RoleGuest),
		JoinedAt: time.Now().UTC(),
	}
	require.NoError(t, ta.store.InsertParticipant(context.Background(), p))

	token, err := ta.verifier.IssueSessionToken(auth.SessionClaims{
		RoomId:        room.Id,
		ParticipantId: p.Id,
		Name:          p.Name,
		Email:         p.Email,
	}, room.ExpiresAt)
	require.NoError(t, err)
	return token, p
}

func TestChallengeFlow(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())

	rr := ta.do(t, http.MethodPost, "/api/auth/challenge", "", ChallengeRequest{Name: "Ann", Email: "Ann@Example.com"})
	require.Equal(t, http.StatusCreated, rr.Code)
	challenge := decodeBody[ChallengeResponse](t, rr)
	assert.NotEmpty(t, challenge.ChallengeId)
	assert.True(t, challenge.ExpiresAt.After(time.Now()))
	first := ta.codes["ann@example.com"]
	require.Len(t, first, 6)

	rr = ta.do(t, http.MethodPost, "/api/auth/challenge/resend", "", ResendRequest{ChallengeId: challenge.ChallengeId})
	require.Equal(t, http.StatusNoContent, rr.Code)
	second := ta.codes["ann@example.com"]

	if first != second {
		rr = ta.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{ChallengeId: challenge.ChallengeId, Code: first})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, types.CodeCodeMismatch, decodeBody[ApiError](t, rr).Code)
	}

	rr = ta.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{ChallengeId: challenge.ChallengeId, Code: second})
	require.Equal(t, http.StatusOK, rr.Code)
	token := decodeBody[TokenResponse](t, rr).Token

	id, err := ta.verifier.ParseIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, "Ann", id.Name)
	assert.Equal(t, "ann@example.com", id.Email)
}

func TestChallengeErrors(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())

	tcases := []struct {
		name       string
		path       string
		body       any
		expectCode int
		expectErr  types.ErrorCode
	}{
		{
			name:       "malformed json",
			path:       "/api/auth/challenge",
			body:       "{",
			expectCode: http.StatusBadRequest,
			expectErr:  types.CodeInvalidInput,
		},
		{
			name:       "invalid email",
			path:       "/api/auth/challenge",
			body:       ChallengeRequest{Name: "Ann", Email: "not-an-email"},
			expectCode: http.StatusBadRequest,
			expectErr:  types.CodeInvalidInput,
		},
		{
			name:       "missing name",
			path:       "/api/auth/challenge",
			body:       ChallengeRequest{Email: "ann@example.com"},
			expectCode: http.StatusBadRequest,
			expectErr:  types.CodeInvalidInput,
		},
		{
			name:       "resend unknown challenge",
			path:       "/api/auth/challenge/resend",
			body:       ResendRequest{ChallengeId: "nope"},
			expectCode: http.StatusUnauthorized,
			expectErr:  types.CodeChallengeExpired,
		},
		{
			name:       "verify unknown challenge",
			path:       "/api/auth/verify",
			body:       VerifyRequest{ChallengeId: "nope", Code: "123456"},
			expectCode: http.StatusUnauthorized,
			expectErr:  types.CodeChallengeExpired,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, tc.path, "", tc.body)
			assert.Equal(t, tc.expectCode, rr.Code)
			assert.Equal(t, tc.expectErr, decodeBody[ApiError](t, rr).Code)
		})
	}
}

func TestVerify_TooManyAttempts(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())

	rr := ta.do(t, http.MethodPost, "/api/auth/challenge", "", ChallengeRequest{Name: "Ann", Email: "ann@example.com"})
	require.Equal(t, http.StatusCreated, rr.Code)
	challenge := decodeBody[ChallengeResponse](t, rr)

	wrong := "000000"
	if ta.codes["ann@example.com"] == wrong {
		wrong = "111111"
	}

	codes := []int{}
	for range 4 {
		rr = ta.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{ChallengeId: challenge.ChallengeId, Code: wrong})
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{
		http.StatusUnauthorized,
		http.StatusUnauthorized,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)

	rr = ta.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{
		ChallengeId: challenge.ChallengeId,
		Code:        ta.codes["ann@example.com"],
	})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestCreateRoom(t *testing.T) {
	store := database.NewMemoryRoomStore()
	ta := newTestApp(t, store)
	token := ta.identityToken(t, "Host", "host@example.com")

	room := ta.createRoom(t, token, true)
	assert.NotEmpty(t, room.Id)
	assert.Len(t, room.AccessKey, 10)
	assert.Equal(t, types.RoomPending, room.State)
	assert.Equal(t, 3, room.MaxParticipants)

	stored, err := store.GetRoomById(context.Background(), room.Id)
	require.NoError(t, err)
	assert.Equal(t, "host@example.com", stored.HostEmail)

	// creating a room does not use up the identity token
	_, err = ta.verifier.ParseIdentity(token)
	assert.NoError(t, err)
}

func TestCreateRoom_OnePerIdentityToken(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())
	token := ta.identityToken(t, "Host", "host@example.com")
	body := map[string]any{"name": "x", "max_participants": 2, "duration_minutes": 15}

	// a rejected configuration does not count
	rr := ta.do(t, http.MethodPost, "/api/rooms", token, map[string]any{"name": "x", "max_participants": 1, "duration_minutes": 15})
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

	rr = ta.do(t, http.MethodPost, "/api/rooms", token, body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ta.do(t, http.MethodPost, "/api/rooms", token, body)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, types.CodeAlreadyConsumed, decodeBody[ApiError](t, rr).Code)

	rr = ta.do(t, http.MethodPost, "/api/rooms", ta.identityToken(t, "Host", "host@example.com"), body)
	assert.Equal(t, http.StatusCreated, rr.Code, "a fresh verification may create another room")
}

func TestListRooms(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())
	room := ta.createRoom(t, ta.identityToken(t, "Host", "host@example.com"), false)
	ta.createRoom(t, ta.identityToken(t, "Eve", "eve@example.com"), false)

	rr := ta.do(t, http.MethodGet, "/api/rooms", ta.identityToken(t, "Host", "host@example.com"), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rooms := decodeBody[[]types.HostedRoom](t, rr)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.Id, rooms[0].Id)
	assert.Equal(t, room.AccessKey, rooms[0].AccessKey)
	assert.Equal(t, 0, rooms[0].ParticipantCount)
	assert.Contains(t, rr.Body.String(), `"participant_count":0`)
	assert.NotContains(t, rr.Body.String(), "host@example.com")

	rr = ta.do(t, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateRoom_Errors(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())
	token := ta.identityToken(t, "Host", "host@example.com")

	tcases := []struct {
		name       string
		token      string
		body       any
		expectCode int
	}{
		{
			name:       "no token",
			body:       map[string]any{"name": "x", "max_participants": 2, "duration_minutes": 15},
			expectCode: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			token:      "garbage",
			body:       map[string]any{"name": "x", "max_participants": 2, "duration_minutes": 15},
			expectCode: http.StatusUnauthorized,
		},
		{
			name:       "malformed body",
			token:      token,
			body:       "nope",
			expectCode: http.StatusBadRequest,
		},
		{
			name:       "too many participants",
			token:      token,
			body:       map[string]any{"name": "x", "max_participants": 101, "duration_minutes": 15},
			expectCode: http.StatusBadRequest,
		},
		{
			name:       "too long",
			token:      token,
			body:       map[string]any{"name": "x", "max_participants": 2, "duration_minutes": 481},
			expectCode: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/api/rooms", tc.token, tc.body)
			assert.Equal(t, tc.expectCode, rr.Code, rr.Body.String())
		})
	}
}

func TestCheckRoom(t *testing.T) {
	store := database.NewMemoryRoomStore()
	ta := newTestApp(t, store)
	room := ta.createRoom(t, ta.identityToken(t, "Host", "host@example.com"), false)

	rr := ta.do(t, http.MethodPost, "/api/rooms/check", "", CheckRoomRequest{AccessKey: strings.ToLower(room.AccessKey)})
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decodeBody[types.RoomSummary](t, rr)
	assert.Equal(t, room.Id, summary.Id)
	assert.NotContains(t, rr.Body.String(), room.AccessKey)
	assert.NotContains(t, rr.Body.String(), "host@example.com")

	rr = ta.do(t, http.MethodPost, "/api/rooms/check", "", CheckRoomRequest{AccessKey: "ZZZZZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/rooms/check", "", CheckRoomRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	endedAt := time.Now()
	require.NoError(t, store.UpdateRoomState(context.Background(), database.UpdateRoomStateParams{
		RoomId:   room.Id,
		State:    string(types.RoomEnded),
		EndedAt:  &endedAt,
		EndCause: string(types.CauseHostEnded),
	}))
	rr = ta.do(t, http.MethodPost, "/api/rooms/check", "", CheckRoomRequest{AccessKey: room.AccessKey})
	assert.Equal(t, http.StatusGone, rr.Code)
	assert.Equal(t, types.CodeRoomExpired, decodeBody[ApiError](t, rr).Code)
}

func TestRoomReads(t *testing.T) {
	store := database.NewMemoryRoomStore()
	ta := newTestApp(t, store)
	room := ta.createRoom(t, ta.identityToken(t, "Host", "host@example.com"), true)
	token, p := ta.sessionToken(t, room, "ann@example.com")

	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, body := range []string{"first", "second"} {
		require.NoError(t, store.CreateMessage(context.Background(), database.Message{
			SeqId:      int64(i + 1),
			RoomId:     room.Id,
			AuthorId:   p.Id,
			AuthorName: "Ann",
			AuthorRole: p.Role,
			Body:       body,
			CreatedAt:  sentAt,
		}))
	}

	rr := ta.do(t, http.MethodGet, "/api/rooms/"+room.Id+"/participants", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	roster := decodeBody[[]types.Participant](t, rr)
	require.Len(t, roster, 1)
	assert.Equal(t, p.Id, roster[0].Id)
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))

	rr = ta.do(t, http.MethodGet, "/api/rooms/"+room.Id+"/messages?since=1", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	messages := decodeBody[[]types.Message](t, rr)
	require.Len(t, messages, 1)
	assert.Equal(t, "second", messages[0].Body)

	rr = ta.do(t, http.MethodGet, "/api/rooms/"+room.Id+"/messages?since=2", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())

	rr = ta.do(t, http.MethodGet, "/api/rooms/"+room.Id+"/transcript", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, "[2026-03-01T12:00:00Z] Ann: first\n[2026-03-01T12:00:00Z] Ann: second\n", rr.Body.String())
}

func TestRoomReads_Errors(t *testing.T) {
	store := database.NewMemoryRoomStore()
	ta := newTestApp(t, store)
	hostToken := ta.identityToken(t, "Host", "host@example.com")
	room := ta.createRoom(t, hostToken, false)
	other := ta.createRoom(t, ta.identityToken(t, "Host", "host@example.com"), true)
	token, _ := ta.sessionToken(t, room, "ann@example.com")

	tcases := []struct {
		name       string
		path       string
		token      string
		expectCode int
	}{
		{name: "no token", path: "/api/rooms/" + room.Id + "/participants", expectCode: http.StatusUnauthorized},
		{name: "identity token", path: "/api/rooms/" + room.Id + "/participants", token: hostToken, expectCode: http.StatusUnauthorized},
		{name: "other room", path: "/api/rooms/" + other.Id + "/messages", token: token, expectCode: http.StatusForbidden},
		{name: "bad since", path: "/api/rooms/" + room.Id + "/messages?since=abc", token: token, expectCode: http.StatusBadRequest},
		{name: "negative since", path: "/api/rooms/" + room.Id + "/messages?since=-1", token: token, expectCode: http.StatusBadRequest},
		{name: "transcript disabled", path: "/api/rooms/" + room.Id + "/transcript", token: token, expectCode: http.StatusForbidden},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodGet, tc.path, tc.token, nil)
			assert.Equal(t, tc.expectCode, rr.Code, rr.Body.String())
		})
	}
}

func TestServeWs_Origin(t *testing.T) {
	ta := newTestApp(t, database.NewMemoryRoomStore())
	srv := httptest.NewServer(ta.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	tcases := []struct {
		name      string
		origin    string
		expectErr bool
	}{
		{name: "no origin", origin: ""},
		{name: "allowed origin", origin: "http://localhost:3000"},
		{name: "foreign origin", origin: "http://evil.example.com", expectErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", tc.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tc.expectErr {
				require.Error(t, err)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}
