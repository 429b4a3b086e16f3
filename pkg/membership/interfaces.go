// Package membership defines how the engine asks who may read a stream.
package membership

import "context"

// Oracle answers stream membership questions. Answers may be cached by the implementation;
// the key-exchange layer only uses them to decide who keeps receiving new group keys.
type Oracle interface {
	// IsValidSubscriber reports whether address may currently subscribe to streamID.
	IsValidSubscriber(ctx context.Context, streamID, address string) (bool, error)

	// GetSubscribers returns every address currently permitted to subscribe to streamID.
	GetSubscribers(ctx context.Context, streamID string) ([]string, error)
}
