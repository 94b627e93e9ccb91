// Package types defines the normalized data structures the router exchanges
// with callers and provider adapters: messages, call options, responses,
// stream chunks, and observable snapshots. Adapters translate between these
// and their provider's wire format.
package types

import (
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

// Message roles recognized by the normalized request format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidMessageRole reports whether role is one of the recognized roles.
func ValidMessageRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ValidateMessages checks the normalized message rules: a non-empty list in
// which every entry has a recognized role and non-empty content.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return muxerrors.New(muxerrors.KindValidation, "messages must be non-empty")
	}
	for i, m := range messages {
		if !ValidMessageRole(m.Role) {
			return muxerrors.Newf(muxerrors.KindValidation, "messages[%d]: unrecognized role %q", i, m.Role)
		}
		if m.Content == "" {
			return muxerrors.Newf(muxerrors.KindValidation, "messages[%d]: empty content", i)
		}
	}
	return nil
}

// LastUserIndex returns the index of the last user message, or -1.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// CloneMessages returns a copy the caller may mutate freely.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
