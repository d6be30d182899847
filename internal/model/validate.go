package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	// MaxUserID bounds the stringified userId field.
	MaxUserID = 100000

	maxMessageLen = 5000
)

var (
	usernameRe  = regexp.MustCompile(`^[A-Za-z0-9]{3,20}$`)
	messageIDRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	minTimestamp = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Validate checks a candidate envelope against the wire contract. It is a
// pure function: the first violation found is returned as a reason, nil
// means the envelope may be delivered. maxRooms bounds the roomId field.
func Validate(m *ChatMessage, maxRooms int) error {
	if m == nil {
		return fmt.Errorf("message missing")
	}
	if err := validateBoundedID("userId", m.UserID, MaxUserID); err != nil {
		return err
	}
	if err := validateBoundedID("roomId", m.RoomID, maxRooms); err != nil {
		return err
	}
	if m.MessageID == "" {
		return fmt.Errorf("messageId missing")
	}
	if !messageIDRe.MatchString(m.MessageID) {
		return fmt.Errorf("messageId must be a valid UUID")
	}
	if m.Username == "" {
		return fmt.Errorf("username missing")
	}
	if !usernameRe.MatchString(m.Username) {
		return fmt.Errorf("username must be 3-20 alphanumeric characters")
	}
	if m.Message == "" {
		return fmt.Errorf("message missing")
	}
	if utf8.RuneCountInString(m.Message) > maxMessageLen {
		return fmt.Errorf("message must be 1-%d characters", maxMessageLen)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp missing")
	}
	// Bounded past/future window: nothing before 2020, nothing more than a
	// day ahead of the receiving clock.
	if m.Timestamp.Before(minTimestamp) || m.Timestamp.After(time.Now().Add(24*time.Hour)) {
		return fmt.Errorf("timestamp out of range")
	}
	switch m.MessageType {
	case TypeJoin, TypeText, TypeLeave:
	case "":
		return fmt.Errorf("messageType missing")
	default:
		return fmt.Errorf("messageType must be TEXT, JOIN, or LEAVE")
	}
	return nil
}

func validateBoundedID(field, value string, max int) error {
	if value == "" {
		return fmt.Errorf("%s missing", field)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s must be numeric", field)
	}
	if n < 1 || n > max {
		return fmt.Errorf("%s must be 1-%d", field, max)
	}
	return nil
}
