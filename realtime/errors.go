package realtime

import (
	"errors"
)

// sentinel errors for the realtime layer
// callers match with `errors.Is`

var ErrConnect = errors.New("connect failed")

// a non-queueable send was attempted while disconnected,
// or the control queue overflowed
var ErrNotConnected = errors.New("not connected")

var ErrSubscriptionTimeout = errors.New("no subscription acknowledgment within timeout")

var ErrResubscriptionFailed = errors.New("resubscription failed")

// the owning connection was disconnected or the channel was unsubscribed
var ErrChannelClosed = errors.New("channel closed")

var ErrInvalidFilter = errors.New("invalid change filter")

// listeners must be registered before `Subscribe` is called
var ErrAlreadySubscribing = errors.New("listener registered after subscribe")
