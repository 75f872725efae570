package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"
)

// Target is a parsed chat target.
//
// Accepted forms are "chat_id", "chat_id/thread_id" for a forum topic and
// "@channel".
type Target struct {
	ID       int64
	Username string
	ThreadID int
}

// ParseTarget parses a target string
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, errors.New("empty target")
	}

	if strings.HasPrefix(s, "@") {
		if len(s) == 1 || strings.ContainsAny(s, "/ ") {
			return Target{}, fmt.Errorf("invalid channel target %q", s)
		}
		return Target{Username: s}, nil
	}

	chat, thread, hasThread := strings.Cut(s, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return Target{}, fmt.Errorf("invalid chat id in target %q", s)
	}

	t := Target{ID: id}
	if hasThread {
		threadID, err := strconv.Atoi(thread)
		if err != nil || threadID <= 0 {
			return Target{}, fmt.Errorf("invalid thread id in target %q", s)
		}
		t.ThreadID = threadID
	}
	return t, nil
}

// ChatID returns the value for the chat_id request field
func (t Target) ChatID() any {
	if t.Username != "" {
		return t.Username
	}
	return t.ID
}

func (t Target) String() string {
	switch {
	case t.Username != "":
		return t.Username
	case t.ThreadID != 0:
		return fmt.Sprintf("%d/%d", t.ID, t.ThreadID)
	default:
		return strconv.FormatInt(t.ID, 10)
	}
}

// TargetForMessage is the target a command was sent from. Inside a forum
// topic the topic becomes part of the target.
func TargetForMessage(msg *models.Message) string {
	t := Target{ID: msg.Chat.ID}
	if msg.Chat.IsForum && msg.MessageThreadID != 0 {
		t.ThreadID = msg.MessageThreadID
	}
	return t.String()
}
