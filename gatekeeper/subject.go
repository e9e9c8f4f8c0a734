package gatekeeper

import (
	"fmt"
	"strconv"
	"strings"
)

// Subject is a user within a specific chat scope. It is a key, not a row.
type Subject struct {
	ChatID int64
	UserID int64
}

// Key renders the subject as "{chat}:{user}", used in cache keys and as the durable lookup key.
func (s Subject) Key() string {
	return strconv.FormatInt(s.ChatID, 10) + ":" + strconv.FormatInt(s.UserID, 10)
}

func (s Subject) String() string {
	return s.Key()
}

func ParseSubject(raw string) (Subject, error) {
	chat, user, ok := strings.Cut(raw, ":")
	if !ok {
		return Subject{}, fmt.Errorf("subject must be of the form chat:user: %q", raw)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return Subject{}, fmt.Errorf("invalid chat id in subject %q: %w", raw, err)
	}
	userID, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return Subject{}, fmt.Errorf("invalid user id in subject %q: %w", raw, err)
	}
	return Subject{ChatID: chatID, UserID: userID}, nil
}
