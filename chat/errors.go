package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyContent is returned when a send is attempted with content
	// that is empty after trimming.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrClosed is returned by operations on a conversation that has been
	// torn down.
	ErrClosed = errors.New("conversation is closed")

	// ErrMissingGift is returned when a gift send carries no gift
	// reference.
	ErrMissingGift = errors.New("gift id is required")

	// ErrNotReady is returned when a send is attempted before history has
	// loaded.
	ErrNotReady = errors.New("conversation is not ready")
)

// A StoreError wraps a backend read/write failure. Store failures are
// recovered locally: logged and surfaced to the caller without tearing
// down the conversation session.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// A ChannelError wraps a failure to open or maintain a live channel, or
// to enrich an incoming event. Surfaced as a non-fatal connection issue;
// loaded history stays intact and no automatic resubscribe happens.
type ChannelError struct {
	ConversationID string
	Err            error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.ConversationID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
