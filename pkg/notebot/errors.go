package notebot

import "errors"

var (
	ErrInvalidEvent        = errors.New("notebot: invalid event")
	ErrInvalidSubscription = errors.New("notebot: invalid subscription")
	ErrSubscriptionClosed  = errors.New("notebot: subscription closed")
	// ErrEventDropped is reported when a drop_newest subscription is full.
	ErrEventDropped = errors.New("notebot: note dropped, subscriber queue full")

	ErrServiceAlreadyRegistered = errors.New("notebot: service already registered")
	ErrServiceNotFound          = errors.New("notebot: service not found")
	ErrModuleAlreadyRegistered  = errors.New("notebot: module already registered")
	ErrDriverAlreadyRegistered  = errors.New("notebot: driver already registered")

	// ErrInvalidOutboundRequest rejects a note before it reaches the network.
	ErrInvalidOutboundRequest = errors.New("notebot: invalid outbound request")
	// ErrCompletionFailed means the model gave nothing usable. Callers skip
	// the turn; nothing is posted.
	ErrCompletionFailed = errors.New("notebot: completion failed")
)
