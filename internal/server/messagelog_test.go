package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testAuthor = types.Participant{Id: "p1", RoomId: "room", Name: "Ann", Role: types.RoleGuest}

func TestMessageLog_Append(t *testing.T) {
	store := database.NewMemoryRoomStore()
	l := newMessageLog("room", store, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, body := range []string{"one", "two", "three"} {
		msg, err := l.append(context.Background(), testAuthor, body, now)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), msg.SeqId)
		assert.Equal(t, "room", msg.RoomId)
		assert.Equal(t, "Ann", msg.AuthorName)
	}
	assert.Equal(t, int64(3), l.last())

	stored, err := store.GetMessages(context.Background(), "room", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestMessageLog_AppendInvalidBody(t *testing.T) {
	tcases := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "whitespace", body: " \t\n "},
		{name: "too long", body: strings.Repeat("é", maxBodyRunes+1)},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store := &database.MockRoomStore{}
			l := newMessageLog("room", store, nil)

			_, err := l.append(context.Background(), testAuthor, tc.body, time.Now())
			assert.ErrorIs(t, err, types.ErrInvalidInput)
			assert.Equal(t, int64(0), l.last())
			store.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
		})
	}
}

func TestMessageLog_AppendMaxLength(t *testing.T) {
	l := newMessageLog("room", database.NewMemoryRoomStore(), nil)
	body := strings.Repeat("é", maxBodyRunes)

	msg, err := l.append(context.Background(), testAuthor, body, time.Now())
	require.NoError(t, err)
	assert.Equal(t, body, msg.Body)
}

func TestMessageLog_StoreFailure(t *testing.T) {
	store := &database.MockRoomStore{}
	store.On("CreateMessage", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	store.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	store.On("GetMessages", mock.Anything, "room", int64(0)).Return([]database.Message{}, nil).Once()
	l := newMessageLog("room", store, nil)

	_, err := l.append(context.Background(), testAuthor, "lost", time.Now())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(0), l.last())
	assert.Empty(t, l.transcript())

	msg, err := l.append(context.Background(), testAuthor, "kept", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.SeqId, "failed appends must not burn sequence numbers")
	store.AssertExpectations(t)
}

// commitThenFail stores messages but reports failures for the first
// failures writes, like a commit whose acknowledgement timed out.
type commitThenFail struct {
	*database.MemoryRoomStore
	failures int
}

func (s *commitThenFail) CreateMessage(ctx context.Context, msg database.Message) error {
	if err := s.MemoryRoomStore.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if s.failures > 0 {
		s.failures--
		return context.DeadlineExceeded
	}
	return nil
}

func newStoreWithRoom(t *testing.T, id string) *database.MemoryRoomStore {
	t.Helper()
	mem := database.NewMemoryRoomStore()
	require.NoError(t, mem.InsertRoom(context.Background(), database.Room{
		Id:        id,
		AccessKey: "ABCDEFGHJK",
		State:     string(types.RoomActive),
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	return mem
}

func TestMessageLog_CommittedWriteReportedAsFailure(t *testing.T) {
	store := &commitThenFail{MemoryRoomStore: newStoreWithRoom(t, "room"), failures: 1}
	l := newMessageLog("room", store, nil)

	msg, err := l.append(context.Background(), testAuthor, "first", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.SeqId)
	assert.Equal(t, "first", msg.Body)
	assert.Equal(t, int64(1), l.last())

	for i, body := range []string{"second", "third"} {
		msg, err := l.append(context.Background(), testAuthor, body, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(i+2), msg.SeqId)
	}

	stored, err := store.GetMessages(context.Background(), "room", 0)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{stored[0].Body, stored[1].Body, stored[2].Body})
	assert.Len(t, l.transcript(), 3)
}

func TestMessageLog_CatchesUpWithStore(t *testing.T) {
	store := newStoreWithRoom(t, "room")
	require.NoError(t, store.CreateMessage(context.Background(), database.Message{
		RoomId: "room", SeqId: 1, AuthorId: "other", AuthorName: "Bob", Body: "stored earlier",
	}))
	l := newMessageLog("room", store, nil)

	_, err := l.append(context.Background(), testAuthor, "collides", time.Now())
	assert.ErrorIs(t, err, database.ErrDuplicateKey)
	assert.Equal(t, int64(1), l.last())
	assert.Equal(t, "stored earlier", l.since(0)[0].Body)

	msg, err := l.append(context.Background(), testAuthor, "after", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.SeqId)
}

func TestMessageLog_Since(t *testing.T) {
	history := []types.Message{
		{SeqId: 1, RoomId: "room", Body: "a"},
		{SeqId: 2, RoomId: "room", Body: "b"},
		{SeqId: 3, RoomId: "room", Body: "c"},
	}
	l := newMessageLog("room", database.NewMemoryRoomStore(), history)
	assert.Equal(t, int64(3), l.last())

	tcases := []struct {
		name   string
		since  int64
		expect []int64
	}{
		{name: "everything", since: 0, expect: []int64{1, 2, 3}},
		{name: "tail", since: 1, expect: []int64{2, 3}},
		{name: "caught up", since: 3, expect: []int64{}},
		{name: "ahead", since: 10, expect: []int64{}},
		{name: "negative", since: -5, expect: []int64{1, 2, 3}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got := l.since(tc.since)
			seqs := make([]int64, 0, len(got))
			for _, m := range got {
				seqs = append(seqs, m.SeqId)
			}
			assert.Equal(t, tc.expect, seqs)
		})
	}

	// callers get their own copy
	got := l.since(0)
	got[0].Body = "changed"
	assert.Equal(t, "a", l.since(0)[0].Body)
}

func TestFormatTranscript(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	messages := []types.Message{
		{SeqId: 1, AuthorName: "Host", Body: "hello", SentAt: sentAt},
		{SeqId: 2, AuthorName: "Ann", Body: "hi there", SentAt: sentAt.Add(90 * time.Second)},
	}

	expected := "[2026-03-01T17:00:00Z] Host: hello\n" +
		"[2026-03-01T17:01:30Z] Ann: hi there\n"
	assert.Equal(t, expected, FormatTranscript(messages))
	assert.Empty(t, FormatTranscript(nil))
}
