package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/types"
)

const maxBodyRunes = 2000

// messageLog is the ordered history of a room. append is only called by the
// room worker; since and transcript may be called from any goroutine.
type messageLog struct {
	mu       sync.RWMutex
	roomId   string
	store    database.RoomStore
	lastSeq  int64
	messages []types.Message
}

func newMessageLog(roomId string, store database.RoomStore, history []types.Message) *messageLog {
	l := &messageLog{
		roomId:   roomId,
		store:    store,
		messages: history,
	}
	if n := len(history); n > 0 {
		l.lastSeq = history[n-1].SeqId
	}
	return l
}

func validateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("%w: message body is empty", types.ErrInvalidInput)
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		return "", fmt.Errorf("%w: message body exceeds %d characters", types.ErrInvalidInput, maxBodyRunes)
	}
	return body, nil
}

// append persists a message and then assigns it the next sequence number
// in memory. Nothing changes in memory when the store fails.
func (l *messageLog) append(ctx context.Context, author types.Participant, body string, now time.Time) (types.Message, error) {
	body, err := validateBody(body)
	if err != nil {
		return types.Message{}, err
	}

	l.mu.RLock()
	next := l.lastSeq + 1
	l.mu.RUnlock()

	msg := types.Message{
		SeqId:      next,
		RoomId:     l.roomId,
		AuthorId:   author.Id,
		AuthorName: author.Name,
		AuthorRole: author.Role,
		Body:       body,
		SentAt:     now,
	}

	if err := l.store.CreateMessage(ctx, database.MessageFromType(msg)); err != nil {
		// the write may have committed before the error surfaced
		if stored, ok := l.resync(ctx, msg); ok {
			return stored, nil
		}
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	l.mu.Lock()
	l.lastSeq = next
	l.messages = append(l.messages, msg)
	l.mu.Unlock()

	return msg, nil
}

// resync reloads stored messages past lastSeq into memory and reports
// whether want is among them.
func (l *messageLog) resync(ctx context.Context, want types.Message) (types.Message, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	l.mu.RLock()
	from := l.lastSeq
	l.mu.RUnlock()

	tail, err := l.store.GetMessages(ctx, l.roomId, from)
	if err != nil || len(tail) == 0 {
		return types.Message{}, false
	}

	var (
		found bool
		got   types.Message
	)

	l.mu.Lock()
	for _, m := range tail {
		if m.SeqId != l.lastSeq+1 {
			break
		}
		msg := database.MessageToType(m)
		l.messages = append(l.messages, msg)
		l.lastSeq = msg.SeqId
		if msg.SeqId == want.SeqId && msg.AuthorId == want.AuthorId && msg.Body == want.Body {
			found, got = true, msg
		}
	}
	l.mu.Unlock()

	return got, found
}

func (l *messageLog) last() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// since returns a copy of the messages after seq, oldest first.
func (l *messageLog) since(seq int64) []types.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// sequence numbers are gap-free from 1, so seq is also an index
	start := max(seq, 0)
	if start >= int64(len(l.messages)) {
		return []types.Message{}
	}

	out := make([]types.Message, int64(len(l.messages))-start)
	copy(out, l.messages[start:])
	return out
}

func (l *messageLog) transcript() []types.Message {
	return l.since(0)
}

// FormatTranscript renders messages as plain text, one line per message.
func FormatTranscript(messages []types.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.SentAt.UTC().Format(time.RFC3339), m.AuthorName, m.Body)
	}
	return sb.String()
}
