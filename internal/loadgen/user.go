// Package loadgen generates chat traffic: per-user state machines, the
// pool scheduler that drives them, and the producer/dispatcher pipeline
// that moves their messages to the wire.
package loadgen

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatpipe/chatpipe/internal/model"
)

// ErrInvalidState is returned when a session is asked to produce outside
// its contract. It is a programmer error, not a transient condition.
var ErrInvalidState = errors.New("invalid session state")

// State tracks where a user session is in its JOIN / TEXT / LEAVE sequence.
type State int

const (
	StateInit State = iota
	StateJoinSent
	StateJoined
	StateTexting
	StateAllTextsConfirmed
	StateLeaveSent
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJoinSent:
		return "JOIN_SENT"
	case StateJoined:
		return "JOINED"
	case StateTexting:
		return "TEXTING"
	case StateAllTextsConfirmed:
		return "ALL_TEXTS_CONFIRMED"
	case StateLeaveSent:
		return "LEAVE_SENT"
	case StateDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// UserSession owns one ordered message sequence: JOIN, then a fixed number
// of TEXT messages, then LEAVE. ProduceNext and Confirm are safe for
// concurrent use; the session is never driven by two callers at once.
type UserSession struct {
	mu sync.Mutex

	userID   int
	roomID   int
	username string

	target  int
	sent    int
	pending map[string]struct{}
	state   State

	// notify reports every state transition to the owning pool so the
	// pool's index sets stay consistent with the session state. Called
	// with the session lock held.
	notify func(userID int, from, to State)
}

// NewUserSession builds a session that will send target TEXT messages.
func NewUserSession(userID, roomID, target int, notify func(userID int, from, to State)) *UserSession {
	return &UserSession{
		userID:   userID,
		roomID:   roomID,
		username: generateUsername(userID),
		target:   target,
		pending:  make(map[string]struct{}),
		state:    StateInit,
		notify:   notify,
	}
}

// ProduceNext returns the next envelope in the session's legal order and
// advances state. Calling it in a state with no work returns
// ErrInvalidState.
func (u *UserSession) ProduceNext() (*model.ChatMessage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	msg := &model.ChatMessage{
		UserID:    strconv.Itoa(u.userID),
		RoomID:    strconv.Itoa(u.roomID),
		MessageID: uuid.NewString(),
		Username:  u.username,
		Timestamp: time.Now().UTC(),
	}

	switch u.state {
	case StateInit:
		msg.MessageType = model.TypeJoin
		msg.Message = model.TypeJoin
		u.transition(StateJoinSent)

	case StateJoined:
		// A zero-text user leaves right after joining.
		if u.target == 0 {
			msg.MessageType = model.TypeLeave
			msg.Message = model.TypeLeave
			u.transition(StateLeaveSent)
			break
		}
		msg.MessageType = model.TypeText
		msg.Message = textPool[rand.IntN(len(textPool))]
		u.pending[msg.MessageID] = struct{}{}
		u.sent++
		u.transition(StateTexting)

	case StateTexting:
		if u.sent >= u.target {
			return nil, fmt.Errorf("%w: already sent %d/%d TEXT messages", ErrInvalidState, u.sent, u.target)
		}
		msg.MessageType = model.TypeText
		msg.Message = textPool[rand.IntN(len(textPool))]
		u.pending[msg.MessageID] = struct{}{}
		u.sent++

	case StateAllTextsConfirmed:
		msg.MessageType = model.TypeLeave
		msg.Message = model.TypeLeave
		u.transition(StateLeaveSent)

	default:
		return nil, fmt.Errorf("%w: cannot produce in state %s", ErrInvalidState, u.state)
	}

	return msg, nil
}

// Confirm applies an acknowledgment from the destination. Acks for stale
// ids or wrong states are ignored, so Confirm is idempotent.
func (u *UserSession) Confirm(messageType, messageID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch messageType {
	case model.TypeJoin:
		if u.state == StateJoinSent {
			u.transition(StateJoined)
		}

	case model.TypeText:
		delete(u.pending, messageID)
		if u.sent >= u.target && len(u.pending) == 0 && u.state == StateTexting {
			u.transition(StateAllTextsConfirmed)
		}

	case model.TypeLeave:
		if u.state == StateLeaveSent {
			u.transition(StateDone)
		}
	}
}

// HasWorkReady reports whether ProduceNext would succeed right now.
func (u *UserSession) HasWorkReady() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == StateTexting {
		return u.sent < u.target
	}
	return u.state == StateInit || u.state == StateJoined || u.state == StateAllTextsConfirmed
}

// Done reports whether the session reached its terminal state.
func (u *UserSession) Done() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == StateDone
}

// PendingConfirmations returns the number of unconfirmed TEXT messages.
func (u *UserSession) PendingConfirmations() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// State returns the session's current state.
func (u *UserSession) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UserSession) transition(to State) {
	from := u.state
	u.state = to
	if u.notify != nil {
		u.notify(u.userID, from, to)
	}
}

// generateUsername builds a readable handle: three random uppercase
// letters followed by the user id.
func generateUsername(userID int) string {
	b := make([]byte, 0, 8)
	for i := 0; i < 3; i++ {
		b = append(b, byte('A'+rand.IntN(26)))
	}
	return string(b) + strconv.Itoa(userID)
}
