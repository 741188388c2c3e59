package server

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/npezzotti/ephemeral-chat/internal/types"
)

// presence is the roster of a room. Writes come from the room worker only;
// snapshot may be called from any goroutine.
type presence struct {
	mu        sync.RWMutex
	max       int
	hostEmail string
	byId      map[string]*types.Participant
	byEmail   map[string]string
}

func newPresence(max int, hostEmail string, participants []types.Participant) *presence {
	p := &presence{
		max:       max,
		hostEmail: strings.ToLower(hostEmail),
		byId:      make(map[string]*types.Participant),
		byEmail:   make(map[string]string),
	}
	for _, participant := range participants {
		p.add(participant)
	}
	return p
}

// seated counts participants holding a seat. The host seat is held from
// creation so guests can never lock the host out.
func (p *presence) seated() int {
	n := 0
	hostSeated := false
	for _, participant := range p.byId {
		if participant.Status == types.StatusRemoved {
			continue
		}
		if participant.IsHost() {
			hostSeated = true
		}
		n++
	}
	if !hostSeated {
		n++
	}
	return n
}

// admit decides whether the holder of email may take part in the room.
// It returns the existing participant when there is one; a zero value with
// found false means a new participant may be added.
func (p *presence) admit(email string) (participant types.Participant, found bool, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	email = strings.ToLower(email)
	if id, ok := p.byEmail[email]; ok {
		existing := *p.byId[id]
		if existing.Status == types.StatusRemoved {
			return types.Participant{}, false, fmt.Errorf("%w: participant was removed", types.ErrForbidden)
		}
		return existing, true, nil
	}

	if email == p.hostEmail {
		return types.Participant{}, false, nil
	}
	if p.seated() >= p.max {
		return types.Participant{}, false, types.ErrRoomFull
	}

	return types.Participant{}, false, nil
}

func (p *presence) add(participant types.Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := participant
	p.byId[participant.Id] = &stored
	p.byEmail[strings.ToLower(participant.Email)] = participant.Id
}

func (p *presence) get(id string) (types.Participant, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	participant, ok := p.byId[id]
	if !ok {
		return types.Participant{}, false
	}
	return *participant, true
}

func (p *presence) markOnline(id string) {
	p.setStatus(id, types.StatusOnline)
}

func (p *presence) markOffline(id string) {
	p.setStatus(id, types.StatusOffline)
}

// setStatus never moves a participant out of removed.
func (p *presence) setStatus(id string, status types.PresenceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	participant, ok := p.byId[id]
	if !ok || participant.Status == types.StatusRemoved {
		return
	}
	participant.Status = status
}

// removable checks that id may be removed. It reports false with a nil
// error when the participant is already removed.
func (p *presence) removable(id string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	participant, ok := p.byId[id]
	if !ok {
		return false, fmt.Errorf("%w: unknown participant %q", types.ErrInvalidInput, id)
	}
	if participant.IsHost() {
		return false, fmt.Errorf("%w: the host cannot be removed", types.ErrForbidden)
	}
	if participant.Status == types.StatusRemoved {
		return false, nil
	}
	return true, nil
}

func (p *presence) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if participant, ok := p.byId[id]; ok && !participant.IsHost() {
		participant.Status = types.StatusRemoved
	}
}

func (p *presence) markAllOffline() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, participant := range p.byId {
		if participant.Status == types.StatusOnline {
			participant.Status = types.StatusOffline
		}
	}
}

// snapshot returns a copy of the roster ordered by join time.
func (p *presence) snapshot() []types.Participant {
	p.mu.RLock()
	participants := make([]types.Participant, 0, len(p.byId))
	for _, participant := range p.byId {
		participants = append(participants, *participant)
	}
	p.mu.RUnlock()

	slices.SortFunc(participants, func(a, b types.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})
	return participants
}
