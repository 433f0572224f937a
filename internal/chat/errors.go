package chat

import "errors"

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrSessionEnded    = errors.New("chat session has ended")
	ErrJobNotFound     = errors.New("chat job not found")
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrMessageTooLong  = errors.New("message content is too long")
)
