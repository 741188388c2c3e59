package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/ephemeral-chat/internal/auth"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/stats"
	"github.com/npezzotti/ephemeral-chat/internal/types"
	"golang.org/x/sync/singleflight"
)

const (
	metricActiveRooms       = "NumActiveRooms"
	metricActiveSessions    = "NumActiveSessions"
	metricMessagesPublished = "NumMessagesPublished"
	metricRoomsEnded        = "NumRoomsEnded"

	maxJoinAttempts = 3
)

var errShuttingDown = errors.New("chat server is shutting down")

type Options struct {
	IdleRoomTimeout time.Duration
	SweepInterval   time.Duration
	MessagesPerSec  float64
	MessageBurst    int
}

type ChatServer struct {
	log      *log.Logger
	store    database.RoomStore
	verifier *auth.Verifier
	stats    stats.StatsProvider
	opts     Options
	now      func() time.Time

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	rooms       map[string]*Room
	roomsLock   sync.Mutex
	stopping    bool
	loader      singleflight.Group
}

func NewChatServer(logger *log.Logger, store database.RoomStore, verifier *auth.Verifier, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if opts.IdleRoomTimeout <= 0 || opts.SweepInterval <= 0 {
		return nil, fmt.Errorf("idle timeout and sweep interval must be positive")
	}
	if opts.MessagesPerSec <= 0 || opts.MessageBurst < 1 {
		return nil, fmt.Errorf("message rate limit must be positive")
	}

	for _, name := range []string{metricActiveRooms, metricActiveSessions, metricMessagesPublished, metricRoomsEnded} {
		su.RegisterMetric(name)
	}

	return &ChatServer{
		log:      logger,
		store:    store,
		verifier: verifier,
		stats:    su,
		opts:     opts,
		now:      time.Now,
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[string]*Room),
	}, nil
}

func (cs *ChatServer) Verifier() *auth.Verifier {
	return cs.verifier
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

// Connect authenticates a join and binds c to a session in the room the
// access key names. The credential is checked before any room is loaded.
func (cs *ChatServer) Connect(ctx context.Context, c *Client, msgId int, join JoinPayload) (*Session, error) {
	if join.Token == "" {
		return nil, fmt.Errorf("%w: token is required", types.ErrAuthInvalid)
	}
	if join.LastSeq != nil && *join.LastSeq < 0 {
		return nil, fmt.Errorf("%w: last_seq cannot be negative", types.ErrInvalidInput)
	}

	var (
		identity      auth.Identity
		participantId string
		sessionRoom   string
	)
	claims, err := cs.verifier.ParseSessionToken(join.Token)
	if err == nil {
		identity = auth.Identity{Name: claims.Name, Email: claims.Email}
		participantId = claims.ParticipantId
		sessionRoom = claims.RoomId
	} else if _, err := cs.verifier.ParseIdentity(join.Token); err != nil {
		return nil, err
	}

	summary, err := cs.verifier.ValidateAccessKey(ctx, join.AccessKey)
	if err != nil {
		return nil, err
	}
	if sessionRoom != "" && sessionRoom != summary.Id {
		return nil, fmt.Errorf("%w: session token is for another room", types.ErrAuthInvalid)
	}

	if participantId == "" {
		identity, err = cs.verifier.ConsumeIdentity(join.Token)
		if err != nil {
			return nil, err
		}
	}

	sess, err := cs.joinRoom(ctx, c, msgId, summary.Id, identity, participantId, join.LastSeq)
	if err != nil {
		if participantId == "" {
			// a refused join leaves the identity token usable
			cs.verifier.ReleaseIdentity(join.Token)
		}
		return nil, err
	}

	cs.log.Printf("%s joined room %q as %s", sess.Participant.Id, summary.Id, sess.Participant.Role)
	return sess, nil
}

func (cs *ChatServer) joinRoom(ctx context.Context, c *Client, msgId int, roomId string, identity auth.Identity, participantId string, lastSeq *int64) (*Session, error) {
	for range maxJoinAttempts {
		room, err := cs.loadRoom(ctx, roomId)
		if err != nil {
			return nil, err
		}

		sess, err := room.join(ctx, c, msgId, identity, participantId, lastSeq)
		if errors.Is(err, errRoomUnloaded) {
			continue
		}
		return sess, err
	}

	return nil, fmt.Errorf("join room %q: %w", roomId, errRoomUnloaded)
}

func (cs *ChatServer) getRoom(id string) *Room {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	return cs.rooms[id]
}

// loadRoom returns the live room with id, hydrating it from the store when
// it is not loaded. Concurrent loads of one room share a single hydration.
func (cs *ChatServer) loadRoom(ctx context.Context, id string) (*Room, error) {
	if r := cs.getRoom(id); r != nil {
		return r, nil
	}

	v, err, _ := cs.loader.Do(id, func() (any, error) {
		if r := cs.getRoom(id); r != nil {
			return r, nil
		}

		dbRoom, err := cs.store.GetRoomById(ctx, id)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, types.ErrRoomNotFound
			}
			return nil, fmt.Errorf("get room: %w", err)
		}

		info := database.RoomToType(dbRoom)
		if info.State == types.RoomEnded {
			return nil, types.ErrRoomExpired
		}

		dbParticipants, err := cs.store.ListParticipants(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list participants: %w", err)
		}
		participants := make([]types.Participant, len(dbParticipants))
		for i, p := range dbParticipants {
			participants[i] = database.ParticipantToType(p)
		}

		dbMessages, err := cs.store.GetMessages(ctx, id, 0)
		if err != nil {
			return nil, fmt.Errorf("get messages: %w", err)
		}
		history := make([]types.Message, len(dbMessages))
		for i, m := range dbMessages {
			history[i] = database.MessageToType(m)
		}

		r := newRoom(cs, info, participants, history)

		cs.roomsLock.Lock()
		if cs.stopping {
			cs.roomsLock.Unlock()
			return nil, errShuttingDown
		}
		cs.rooms[id] = r
		cs.roomsLock.Unlock()

		cs.stats.Incr(metricActiveRooms)
		go r.start()

		return r, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Room), nil
}

// unloadRoom drops r from the registry unless a newer instance replaced it.
func (cs *ChatServer) unloadRoom(r *Room) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cur, ok := cs.rooms[r.id]; ok && cur == r {
		cs.log.Printf("removing room %q", r.id)
		delete(cs.rooms, r.id)
		cs.stats.Decr(metricActiveRooms)
	}
}

func (cs *ChatServer) loadedRooms() []*Room {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Run sweeps for expired rooms every SweepInterval until ctx is done.
func (cs *ChatServer) Run(ctx context.Context) {
	ticker := time.NewTicker(cs.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep ends expired rooms. Loaded rooms end themselves through their
// worker; rooms nobody has loaded are ended directly in the store.
func (cs *ChatServer) sweep(ctx context.Context) {
	now := cs.now()
	for _, r := range cs.loadedRooms() {
		r.tryTick(now)
	}

	expired, err := cs.store.ListExpiredRooms(ctx, now)
	if err != nil {
		cs.log.Println("ListExpiredRooms:", err)
		return
	}

	for _, dbRoom := range expired {
		if cs.getRoom(dbRoom.Id) != nil {
			continue
		}

		endedAt := dbRoom.ExpiresAt
		if err := cs.store.UpdateRoomState(ctx, database.UpdateRoomStateParams{
			RoomId:   dbRoom.Id,
			State:    string(types.RoomEnded),
			EndedAt:  &endedAt,
			EndCause: string(types.CauseExpired),
		}); err != nil {
			cs.log.Printf("UpdateRoomState %q: %v", dbRoom.Id, err)
			continue
		}

		cs.log.Printf("room %q expired", dbRoom.Id)
		cs.stats.Incr(metricRoomsEnded)
	}
}

// HostedRooms lists the rooms identity has hosted, newest first.
func (cs *ChatServer) HostedRooms(ctx context.Context, identity auth.Identity) ([]types.HostedRoom, error) {
	dbRooms, err := cs.store.ListRoomsByHost(ctx, identity.Email)
	if err != nil {
		return nil, fmt.Errorf("list rooms by host: %w", err)
	}

	rooms := make([]types.HostedRoom, len(dbRooms))
	for i, hr := range dbRooms {
		rooms[i] = database.HostedRoomToType(hr)
	}
	return rooms, nil
}

// Participants returns the roster of roomId to a member of the room.
func (cs *ChatServer) Participants(ctx context.Context, claims auth.SessionClaims, roomId string) ([]types.Participant, error) {
	_, participants, _, err := cs.readRoom(ctx, claims, roomId)
	return participants, err
}

// Messages returns the messages of roomId after since to a member of the
// room.
func (cs *ChatServer) Messages(ctx context.Context, claims auth.SessionClaims, roomId string, since int64) ([]types.Message, error) {
	if since < 0 {
		return nil, fmt.Errorf("%w: since cannot be negative", types.ErrInvalidInput)
	}

	_, _, live, err := cs.readRoom(ctx, claims, roomId)
	if err != nil {
		return nil, err
	}

	return cs.messagesSince(ctx, live, roomId, since)
}

// Transcript renders the full history of roomId for a member of the room.
// Rooms created without transcripts return ErrForbidden.
func (cs *ChatServer) Transcript(ctx context.Context, claims auth.SessionClaims, roomId string) (string, error) {
	info, _, live, err := cs.readRoom(ctx, claims, roomId)
	if err != nil {
		return "", err
	}
	if !info.TranscriptEnabled {
		return "", fmt.Errorf("%w: transcripts are disabled for this room", types.ErrForbidden)
	}

	messages, err := cs.messagesSince(ctx, live, roomId, 0)
	if err != nil {
		return "", err
	}

	return FormatTranscript(messages), nil
}

func (cs *ChatServer) messagesSince(ctx context.Context, live *Room, roomId string, since int64) ([]types.Message, error) {
	if live != nil {
		return live.since(since), nil
	}

	dbMessages, err := cs.store.GetMessages(ctx, roomId, since)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	messages := make([]types.Message, len(dbMessages))
	for i, m := range dbMessages {
		messages[i] = database.MessageToType(m)
	}
	return messages, nil
}

// readRoom authorizes a read of roomId and returns its current picture,
// from the live room when loaded and from the store otherwise.
func (cs *ChatServer) readRoom(ctx context.Context, claims auth.SessionClaims, roomId string) (types.Room, []types.Participant, *Room, error) {
	if claims.RoomId != roomId {
		return types.Room{}, nil, nil, fmt.Errorf("%w: session is for another room", types.ErrForbidden)
	}

	var (
		info         types.Room
		participants []types.Participant
	)

	live := cs.getRoom(roomId)
	if live != nil {
		info = live.roomInfo()
		participants = live.snapshot()
	} else {
		dbRoom, err := cs.store.GetRoomById(ctx, roomId)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return types.Room{}, nil, nil, types.ErrRoomNotFound
			}
			return types.Room{}, nil, nil, fmt.Errorf("get room: %w", err)
		}
		info = database.RoomToType(dbRoom)

		dbParticipants, err := cs.store.ListParticipants(ctx, roomId)
		if err != nil {
			return types.Room{}, nil, nil, fmt.Errorf("list participants: %w", err)
		}
		participants = make([]types.Participant, len(dbParticipants))
		for i, p := range dbParticipants {
			participants[i] = database.ParticipantToType(p)
		}
	}

	member := false
	for _, p := range participants {
		if p.Id == claims.ParticipantId && p.Status != types.StatusRemoved {
			member = true
			break
		}
	}
	if !member {
		return types.Room{}, nil, nil, fmt.Errorf("%w: not a participant of this room", types.ErrForbidden)
	}

	return info, participants, live, nil
}

// Shutdown stops every room worker and closes all connections.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("shutting down chat server")

	cs.roomsLock.Lock()
	if cs.stopping {
		cs.roomsLock.Unlock()
		return nil
	}
	cs.stopping = true
	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}
	cs.roomsLock.Unlock()

	for _, r := range rooms {
		close(r.exit)
	}
	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for room %q: %w", r.id, ctx.Err())
		}
	}

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	return nil
}
