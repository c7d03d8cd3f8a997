package subscription

import "errors"

var (
	// ErrSubscriptionExists indicates the group already exists for the stream.
	ErrSubscriptionExists = errors.New("subscription group already exists")

	// ErrSubscriptionNotFound indicates the group does not exist.
	ErrSubscriptionNotFound = errors.New("subscription group not found")

	// ErrMaxSubscribersReached indicates the group's subscriber limit is reached.
	ErrMaxSubscribersReached = errors.New("maximum subscriber count reached")

	// ErrSubscriptionDropped indicates the subscriber has been disconnected.
	ErrSubscriptionDropped = errors.New("subscription dropped")

	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("subscription manager closed")
)
