package core

import "context"

// Transport performs the two remote calls the session needs. Implementations
// keep no state between calls.
type Transport interface {
	// Identify validates credential and returns the bot account it belongs to.
	Identify(ctx context.Context, credential string) (Account, error)
	// FetchUpdates returns updates with update_id > since, oldest first.
	FetchUpdates(ctx context.Context, credential string, since int64) ([]Update, error)
}
