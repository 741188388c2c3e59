package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/ephemeral-chat/internal/auth"
	"github.com/npezzotti/ephemeral-chat/internal/database"
	"github.com/npezzotti/ephemeral-chat/internal/types"
)

const (
	// sessionGrace keeps session tokens usable for reading the transcript
	// after the room is over.
	sessionGrace = time.Hour
	storeTimeout = 5 * time.Second
)

// errRoomUnloaded is returned to callers that reached a room whose worker
// stopped without the room ending. The server reloads the room and retries.
var errRoomUnloaded = errors.New("room unloaded")

type joinReq struct {
	msgId    int
	client   *Client
	identity auth.Identity
	// participantId is set when the caller presented a session token.
	participantId string
	lastSeq       *int64
	reply         chan joinResult
}

type joinResult struct {
	sess *Session
	err  error
}

type leaveReq struct {
	sess  *Session
	reply chan error
}

type publishReq struct {
	sess  *Session
	body  string
	reply chan publishResult
}

type publishResult struct {
	msg types.Message
	err error
}

type endReq struct {
	sess  *Session
	msgId int
	reply chan error
}

type removeReq struct {
	sess     *Session
	targetId string
	reply    chan error
}

type tickReq struct {
	now time.Time
	// reply is nil for sweeps that do not wait.
	reply chan error
}

// Room owns the live state of one chat room. All mutations run on the
// goroutine started by start; the read helpers may be called from anywhere.
type Room struct {
	id  string
	cs  *ChatServer
	log *log.Logger

	infoLock sync.RWMutex
	info     types.Room

	presence *presence
	messages *messageLog
	// sessions maps participant ids to their live session. Only the room
	// goroutine touches it.
	sessions map[string]*Session

	joinChan    chan *joinReq
	leaveChan   chan *leaveReq
	publishChan chan *publishReq
	endChan     chan *endReq
	removeChan  chan *removeReq
	tickChan    chan *tickReq

	// idleTimer unloads the room once nobody has been connected for a while
	idleTimer   *time.Timer
	expiryTimer *time.Timer
	exit        chan struct{}
	done        chan struct{}
}

func newRoom(cs *ChatServer, info types.Room, participants []types.Participant, history []types.Message) *Room {
	return &Room{
		id:          info.Id,
		cs:          cs,
		log:         cs.log,
		info:        info,
		presence:    newPresence(info.MaxParticipants, info.HostEmail, participants),
		messages:    newMessageLog(info.Id, cs.store, history),
		sessions:    make(map[string]*Session),
		joinChan:    make(chan *joinReq),
		leaveChan:   make(chan *leaveReq),
		publishChan: make(chan *publishReq),
		endChan:     make(chan *endReq),
		removeChan:  make(chan *removeReq),
		tickChan:    make(chan *tickReq),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.id)
	r.idleTimer = time.NewTimer(r.cs.opts.IdleRoomTimeout)
	r.expiryTimer = time.NewTimer(r.roomInfo().ExpiresAt.Sub(r.cs.now()))

	defer func() {
		r.idleTimer.Stop()
		r.expiryTimer.Stop()
		r.cs.unloadRoom(r)
		close(r.done)
		r.log.Printf("room %q stopped", r.id)
	}()

	for {
		var stop bool
		select {
		case req := <-r.joinChan:
			stop = r.handleJoin(req)
		case req := <-r.leaveChan:
			r.handleLeave(req)
		case req := <-r.publishChan:
			stop = r.handlePublish(req)
		case req := <-r.removeChan:
			r.handleRemove(req)
		case req := <-r.endChan:
			stop = r.handleEnd(req)
		case req := <-r.tickChan:
			stop = r.handleTick(req)
		case <-r.expiryTimer.C:
			stop = r.handleExpiryTimer()
		case <-r.idleTimer.C:
			stop = r.handleIdle()
		case <-r.exit:
			r.handleExit()
			return
		}
		if stop {
			return
		}
	}
}

func (r *Room) roomInfo() types.Room {
	r.infoLock.RLock()
	defer r.infoLock.RUnlock()
	return r.info
}

func (r *Room) setState(state types.RoomState) {
	r.infoLock.Lock()
	defer r.infoLock.Unlock()
	r.info.State = state
}

func (r *Room) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// closedErr is what a caller sees after the worker stopped: ifEnded when
// the room is over, errRoomUnloaded otherwise.
func (r *Room) closedErr(ifEnded error) error {
	if r.roomInfo().State == types.RoomEnded {
		return ifEnded
	}
	return errRoomUnloaded
}

func submit[T any](ctx context.Context, r *Room, ch chan<- T, req T) bool {
	select {
	case ch <- req:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Room) join(ctx context.Context, c *Client, msgId int, identity auth.Identity, participantId string, lastSeq *int64) (*Session, error) {
	req := &joinReq{
		msgId:         msgId,
		client:        c,
		identity:      identity,
		participantId: participantId,
		lastSeq:       lastSeq,
		reply:         make(chan joinResult, 1),
	}
	if !submit(ctx, r, r.joinChan, req) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, r.closedErr(types.ErrRoomExpired)
	}

	select {
	case res := <-req.reply:
		return res.sess, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Room) leave(ctx context.Context, s *Session) error {
	req := &leaveReq{sess: s, reply: make(chan error, 1)}
	if !submit(ctx, r, r.leaveChan, req) {
		// a stopped room has no sessions left to release
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) publish(ctx context.Context, s *Session, body string) (types.Message, error) {
	req := &publishReq{sess: s, body: body, reply: make(chan publishResult, 1)}
	if !submit(ctx, r, r.publishChan, req) {
		if err := ctx.Err(); err != nil {
			return types.Message{}, err
		}
		return types.Message{}, r.closedErr(types.ErrRoomNotActive)
	}

	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

// endByHost ends the room on behalf of the host. msgId is acknowledged to
// the host after room-ended went out to every session.
func (r *Room) endByHost(ctx context.Context, s *Session, msgId int) error {
	if !s.isHost() {
		return fmt.Errorf("%w: only the host can end the room", types.ErrForbidden)
	}

	req := &endReq{sess: s, msgId: msgId, reply: make(chan error, 1)}
	if !submit(ctx, r, r.endChan, req) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return r.closedErr(types.ErrAlreadyEnded)
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) removeParticipant(ctx context.Context, s *Session, targetId string) error {
	if !s.isHost() {
		return fmt.Errorf("%w: only the host can remove participants", types.ErrForbidden)
	}

	req := &removeReq{sess: s, targetId: targetId, reply: make(chan error, 1)}
	if !submit(ctx, r, r.removeChan, req) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return r.closedErr(types.ErrAlreadyEnded)
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick ends the room with cause expired once now reaches its expiry.
func (r *Room) tick(ctx context.Context, now time.Time) error {
	req := &tickReq{now: now, reply: make(chan error, 1)}
	if !submit(ctx, r, r.tickChan, req) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return r.closedErr(types.ErrAlreadyEnded)
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryTick hands now to the worker only if it is idle.
func (r *Room) tryTick(now time.Time) {
	select {
	case r.tickChan <- &tickReq{now: now}:
	default:
	}
}

func (r *Room) since(seq int64) []types.Message {
	return r.messages.since(seq)
}

func (r *Room) snapshot() []types.Participant {
	return r.presence.snapshot()
}

func (r *Room) handleJoin(req *joinReq) bool {
	now := r.cs.now()
	info := r.roomInfo()

	if info.Expired(now) {
		req.reply <- joinResult{err: types.ErrRoomExpired}
		return r.endRoom(types.CauseExpired, now, nil) == nil
	}

	existing, found, err := r.presence.admit(req.identity.Email)
	if err != nil {
		req.reply <- joinResult{err: err}
		return false
	}
	if req.participantId != "" && (!found || existing.Id != req.participantId) {
		req.reply <- joinResult{err: fmt.Errorf("%w: session does not belong to this room", types.ErrAuthInvalid)}
		return false
	}

	participant := existing
	if !found {
		role := types.RoleGuest
		if strings.EqualFold(req.identity.Email, info.HostEmail) {
			role = types.RoleHost
		}
		participant = types.Participant{
			Id:       uuid.NewString(),
			RoomId:   r.id,
			Name:     req.identity.Name,
			Email:    strings.ToLower(req.identity.Email),
			Role:     role,
			Status:   types.StatusOffline,
			JoinedAt: now,
		}
	}

	token, err := r.cs.verifier.IssueSessionToken(auth.SessionClaims{
		RoomId:        r.id,
		ParticipantId: participant.Id,
		Name:          participant.Name,
		Email:         participant.Email,
	}, info.ExpiresAt.Add(sessionGrace))
	if err != nil {
		req.reply <- joinResult{err: fmt.Errorf("issue session token: %w", err)}
		return false
	}

	ctx, cancel := r.storeContext()
	defer cancel()

	if !found {
		if err := r.cs.store.InsertParticipant(ctx, database.ParticipantFromType(participant)); err != nil {
			r.log.Printf("InsertParticipant: %v", err)
			req.reply <- joinResult{err: fmt.Errorf("insert participant: %w", err)}
			return false
		}
		r.presence.add(participant)
	}

	if participant.IsHost() && info.State == types.RoomPending {
		if err := r.cs.store.UpdateRoomState(ctx, database.UpdateRoomStateParams{
			RoomId: r.id,
			State:  string(types.RoomActive),
		}); err != nil {
			r.log.Printf("UpdateRoomState: %v", err)
			req.reply <- joinResult{err: fmt.Errorf("activate room: %w", err)}
			return false
		}
		r.log.Printf("room %q is active", r.id)
		r.setState(types.RoomActive)
	}

	if old, ok := r.sessions[participant.Id]; ok {
		r.log.Printf("superseding session %q of %q in room %q", old.Id, participant.Id, r.id)
		old.send(ErrSessionSuperseded(r.id))
		old.client.closeAfterFlush()
		r.detach(participant.Id)
	}

	r.presence.markOnline(participant.Id)
	participant.Status = types.StatusOnline

	sess := &Session{
		Id:          uuid.NewString(),
		Token:       token,
		Participant: participant,
		room:        r,
		client:      req.client,
	}
	r.attach(sess)
	r.idleTimer.Stop()

	roster := r.presence.snapshot()
	joined := JoinedPayload{
		SessionId:    sess.Id,
		SessionToken: token,
		Room:         r.roomInfo().Summary(),
		Participant:  participant,
		Participants: roster,
		LastSeq:      r.messages.last(),
	}
	if req.lastSeq != nil {
		joined.Missed = r.messages.since(*req.lastSeq)
	}
	sess.send(NoErrJoined(req.msgId, r.id, joined))

	r.broadcast(PresenceEvent(r.id, roster))

	req.reply <- joinResult{sess: sess}
	return false
}

func (r *Room) handleLeave(req *leaveReq) {
	pid := req.sess.Participant.Id
	if cur, ok := r.sessions[pid]; ok && cur == req.sess {
		r.log.Printf("participant %q left room %q", pid, r.id)
		r.detach(pid)
		r.presence.markOffline(pid)
		r.broadcast(PresenceEvent(r.id, r.presence.snapshot()))
	}

	req.reply <- nil
}

func (r *Room) handlePublish(req *publishReq) bool {
	now := r.cs.now()
	info := r.roomInfo()

	if info.Expired(now) {
		req.reply <- publishResult{err: types.ErrRoomNotActive}
		return r.endRoom(types.CauseExpired, now, nil) == nil
	}
	if info.State != types.RoomActive {
		req.reply <- publishResult{err: fmt.Errorf("%w: room is %s", types.ErrRoomNotActive, info.State)}
		return false
	}

	pid := req.sess.Participant.Id
	author, ok := r.presence.get(pid)
	if cur := r.sessions[pid]; cur != req.sess || !ok || author.Status != types.StatusOnline {
		req.reply <- publishResult{err: types.ErrSenderNotPresent}
		return false
	}

	ctx, cancel := r.storeContext()
	defer cancel()

	msg, err := r.messages.append(ctx, author, req.body, now)
	if err != nil {
		if types.CodeOf(err) == types.CodeInternal {
			r.log.Printf("append message to room %q: %v", r.id, err)
		}
		req.reply <- publishResult{err: err}
		return false
	}

	r.broadcast(MessageEvent(msg))
	r.cs.stats.Incr(metricMessagesPublished)

	req.reply <- publishResult{msg: msg}
	return false
}

func (r *Room) handleEnd(req *endReq) bool {
	if r.sessions[req.sess.Participant.Id] != req.sess {
		req.reply <- types.ErrSenderNotPresent
		return false
	}

	err := r.endRoom(types.CauseHostEnded, r.cs.now(), func() {
		req.sess.send(NoErrAck(req.msgId, r.id, 0))
	})
	req.reply <- err
	return err == nil
}

func (r *Room) handleTick(req *tickReq) bool {
	info := r.roomInfo()
	if req.now.Before(info.ExpiresAt) {
		if req.reply != nil {
			req.reply <- nil
		}
		return false
	}

	err := r.endRoom(types.CauseExpired, req.now, nil)
	if req.reply != nil {
		req.reply <- err
	}
	return err == nil
}

func (r *Room) handleExpiryTimer() bool {
	now := r.cs.now()
	info := r.roomInfo()
	if now.Before(info.ExpiresAt) {
		r.expiryTimer.Reset(info.ExpiresAt.Sub(now))
		return false
	}

	if err := r.endRoom(types.CauseExpired, now, nil); err != nil {
		r.log.Printf("expire room %q: %v", r.id, err)
		// try again on the next sweep interval
		r.expiryTimer.Reset(r.cs.opts.SweepInterval)
		return false
	}
	return true
}

func (r *Room) handleRemove(req *removeReq) {
	if r.sessions[req.sess.Participant.Id] != req.sess {
		req.reply <- types.ErrSenderNotPresent
		return
	}

	ok, err := r.presence.removable(req.targetId)
	if err != nil || !ok {
		req.reply <- err
		return
	}

	ctx, cancel := r.storeContext()
	defer cancel()

	if err := r.cs.store.UpdateParticipantStatus(ctx, r.id, req.targetId, true); err != nil {
		r.log.Printf("UpdateParticipantStatus: %v", err)
		req.reply <- fmt.Errorf("remove participant: %w", err)
		return
	}

	r.log.Printf("removing participant %q from room %q", req.targetId, r.id)
	r.presence.remove(req.targetId)

	removed := ParticipantRemovedEvent(r.id, req.targetId)
	if target, ok := r.sessions[req.targetId]; ok {
		target.send(removed)
		target.client.closeAfterFlush()
		r.detach(req.targetId)
	}

	r.broadcast(removed)
	r.broadcast(PresenceEvent(r.id, r.presence.snapshot()))

	req.reply <- nil
}

func (r *Room) handleIdle() bool {
	if len(r.sessions) > 0 {
		return false
	}
	r.log.Printf("room %q is idle, unloading", r.id)
	return true
}

func (r *Room) handleExit() {
	r.log.Printf("room %q is exiting", r.id)
	for pid, s := range r.sessions {
		s.client.closeAfterFlush()
		r.detach(pid)
	}
	r.presence.markAllOffline()
}

// endRoom moves the room to ended, tells every session exactly once and
// releases them. beforeRelease runs after the room-ended broadcast, while
// sessions can still be written to. The room is left as it was when the
// store cannot record the end.
func (r *Room) endRoom(cause types.EndCause, now time.Time, beforeRelease func()) error {
	info := r.roomInfo()
	if !info.State.CanTransition(types.RoomEnding) {
		return types.ErrAlreadyEnded
	}

	r.setState(types.RoomEnding)

	ctx, cancel := r.storeContext()
	defer cancel()

	endedAt := now
	if err := r.cs.store.UpdateRoomState(ctx, database.UpdateRoomStateParams{
		RoomId:   r.id,
		State:    string(types.RoomEnded),
		EndedAt:  &endedAt,
		EndCause: string(cause),
	}); err != nil {
		r.setState(info.State)
		r.log.Printf("UpdateRoomState: %v", err)
		return fmt.Errorf("end room: %w", err)
	}

	r.infoLock.Lock()
	r.info.State = types.RoomEnded
	r.info.EndedAt = endedAt
	r.info.EndCause = cause
	r.infoLock.Unlock()

	r.log.Printf("room %q ended (%s)", r.id, cause)
	r.cs.stats.Incr(metricRoomsEnded)

	r.broadcast(RoomEndedEvent(r.id, cause, endedAt))
	if beforeRelease != nil {
		beforeRelease()
	}

	for pid, s := range r.sessions {
		s.client.closeAfterFlush()
		r.detach(pid)
	}
	r.presence.markAllOffline()

	return nil
}

func (r *Room) attach(s *Session) {
	r.sessions[s.Participant.Id] = s
	r.cs.stats.Incr(metricActiveSessions)
}

func (r *Room) detach(participantId string) {
	if _, ok := r.sessions[participantId]; !ok {
		return
	}
	delete(r.sessions, participantId)
	r.cs.stats.Decr(metricActiveSessions)

	if len(r.sessions) == 0 {
		r.log.Printf("no sessions in %q, starting idle timer", r.id)
		r.idleTimer.Reset(r.cs.opts.IdleRoomTimeout)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	for _, s := range r.sessions {
		s.send(msg)
	}
}
