package domain

import "errors"

var (
	ErrIdentityRequired   = errors.New("identity is required")
	ErrHubStopped         = errors.New("hub is stopped")
	ErrTooManySubscribers = errors.New("subscriber limit reached")
	ErrTerminateTimeout   = errors.New("timed out terminating upstream session")
)
