package loadgen

import (
	"log"
	"math/rand/v2"
	"sync"

	"github.com/chatpipe/chatpipe/internal/model"
)

// selectAttempts bounds how many times SelectNext retries when it races
// another producer for the same session.
const selectAttempts = 5

// producible lists the states whose members may have work ready.
var producible = []State{StateInit, StateJoined, StateTexting, StateAllTextsConfirmed}

// UserPool holds every user session and indexes them by producible state
// so the next eligible session can be picked at random without scanning.
// Index membership changes atomically with the state transition that
// caused them: sessions call back into the pool while holding their own
// lock, and the pool only touches sessions outside its own lock.
type UserPool struct {
	mu       sync.Mutex
	sessions map[int]*UserSession
	byState  map[State]map[int]struct{}

	totalUsers int
}

// NewUserPool returns an empty pool. Call Init before producing.
func NewUserPool() *UserPool {
	byState := make(map[State]map[int]struct{}, len(producible))
	for _, s := range producible {
		byState[s] = make(map[int]struct{})
	}
	return &UserPool{
		sessions: make(map[int]*UserSession),
		byState:  byState,
	}
}

// Init creates all user sessions for the run. Users are assigned to rooms
// round-robin; each user gets textPerUser TEXT messages, and the first
// leftover users (by id order) get one extra so the totals line up.
func (p *UserPool) Init(totalUsers, totalRooms, textPerUser int, leftover int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalUsers = totalUsers

	for userID := 1; userID <= totalUsers; userID++ {
		roomID := ((userID - 1) % totalRooms) + 1

		target := textPerUser
		if int64(userID) <= leftover {
			target++
		}

		p.sessions[userID] = NewUserSession(userID, roomID, target, p.moveIndex)
		p.byState[StateInit][userID] = struct{}{}
	}

	log.Printf("initialized %d users across %d rooms", totalUsers, totalRooms)
}

// DistributeTexts computes the per-user TEXT target and the leftover for
// a desired total message count. Each user costs 2 messages for
// JOIN/LEAVE; the TEXT share is clamped at zero.
func DistributeTexts(totalMessages int64, users int) (textPerUser int, leftover int64) {
	perUser := totalMessages / int64(users)
	textPerUser = int(perUser) - 2
	if textPerUser < 0 {
		textPerUser = 0
	}
	leftover = totalMessages - int64(users)*int64(textPerUser+2)
	if leftover < 0 {
		leftover = 0
	}
	return textPerUser, leftover
}

// SelectNext picks a producible session at random and asks it for its
// next message. Selection is two-level random: first a non-empty state
// index, then a member of it. A nil result with true ok means no session
// had work at this instant; callers should back off briefly and retry.
func (p *UserPool) SelectNext() *model.ChatMessage {
	for attempt := 0; attempt < selectAttempts; attempt++ {
		session := p.pickCandidate()
		if session == nil {
			return nil
		}
		if !session.HasWorkReady() {
			continue
		}
		msg, err := session.ProduceNext()
		if err != nil {
			// Lost the race to another producer; try a different session.
			continue
		}
		return msg
	}
	return nil
}

// pickCandidate chooses a session id under the pool lock but returns the
// session for the caller to drive unlocked, keeping lock order
// session -> pool consistent with the transition callback.
func (p *UserPool) pickCandidate() *UserSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := make([]State, 0, len(producible))
	for _, s := range producible {
		if len(p.byState[s]) > 0 {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	set := p.byState[eligible[rand.IntN(len(eligible))]]
	if len(set) == 0 {
		return nil
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return p.sessions[ids[rand.IntN(len(ids))]]
}

// Confirm routes an acknowledgment to the owning session.
func (p *UserPool) Confirm(userID int, messageType, messageID string) {
	p.mu.Lock()
	session := p.sessions[userID]
	p.mu.Unlock()

	if session == nil {
		log.Printf("echoback for unknown user %d ignored", userID)
		return
	}
	session.Confirm(messageType, messageID)
}

// CompletedUsers counts sessions that reached DONE.
func (p *UserPool) CompletedUsers() int {
	sessions := p.snapshot()
	done := 0
	for _, s := range sessions {
		if s.Done() {
			done++
		}
	}
	return done
}

// AllComplete reports whether every session reached DONE.
func (p *UserPool) AllComplete() bool {
	return p.CompletedUsers() == p.TotalUsers()
}

// TotalUsers returns the number of sessions created by Init.
func (p *UserPool) TotalUsers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalUsers
}

// PendingConfirmations sums unconfirmed TEXT ids across all sessions.
func (p *UserPool) PendingConfirmations() int {
	total := 0
	for _, s := range p.snapshot() {
		total += s.PendingConfirmations()
	}
	return total
}

// Session returns the session for a user id, or nil.
func (p *UserPool) Session(userID int) *UserSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[userID]
}

func (p *UserPool) snapshot() []*UserSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*UserSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// moveIndex relocates a user id between state index sets. It runs inside
// the owning session's transition, so membership can never be observed
// out of step with the session state.
func (p *UserPool) moveIndex(userID int, from, to State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, ok := p.byState[from]; ok {
		delete(set, userID)
	}
	if set, ok := p.byState[to]; ok {
		set[userID] = struct{}{}
	}
}
