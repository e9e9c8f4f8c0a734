package gatekeeper

import (
	"errors"
)

var (
	// Durable store could not serve the call, even after bounded retry. Transport layers map this to a generic "try again later" response.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrNotFound = errors.New("not found")
)

// UserMessage is the only text which should be shown to a chat user when an engine call fails. Internal causes are never exposed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return "Something went wrong on our side, please try again later."
}
