package sync

import "errors"

var (
	// ErrNotReady is returned by LoadOlder while the conversation is still loading.
	ErrNotReady = errors.New("conversation not live")
	// ErrClosed is returned for operations on a closed conversation.
	ErrClosed = errors.New("conversation closed")
	// ErrUnknownHandle is returned by Manager for handles it does not know.
	ErrUnknownHandle = errors.New("unknown conversation handle")
	// ErrInvalidConversation is returned by Manager for an empty or reserved conversation id.
	ErrInvalidConversation = errors.New("invalid conversation id")
)
