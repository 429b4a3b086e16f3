package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/transport"
)

var (
	// ErrDuplicateSubscription is returned when a (stream, partition) is already subscribed
	ErrDuplicateSubscription = errors.New("subscription already exists for stream partition")
	// ErrSubscriptionClosed is returned when operating on an unsubscribed subscription
	ErrSubscriptionClosed = errors.New("subscription is closed")
	// ErrInvalidOptions is returned when subscription options are malformed
	ErrInvalidOptions = errors.New("invalid subscription options")
	// ErrInvalidTransition is returned when a lifecycle call does not apply to the current state
	ErrInvalidTransition = errors.New("invalid subscription state transition")
)

// Kind selects which messages a subscription receives.
type Kind int

const (
	// Realtime receives live messages only
	Realtime Kind = iota
	// Historical receives stored messages only and finishes in Done
	Historical
	// Combined receives stored messages, then continues with live ones
	Combined
)

func (k Kind) String() string {
	switch k {
	case Realtime:
		return "Realtime"
	case Historical:
		return "Historical"
	case Combined:
		return "Combined"
	default:
		return "Unknown"
	}
}

// State is a subscription's lifecycle state.
type State int

const (
	Subscribing State = iota
	Resending
	Subscribed
	Done
	Unsubscribing
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "Subscribing"
	case Resending:
		return "Resending"
	case Subscribed:
		return "Subscribed"
	case Done:
		return "Done"
	case Unsubscribing:
		return "Unsubscribing"
	case Unsubscribed:
		return "Unsubscribed"
	default:
		return "Unknown"
	}
}

// ResendOptions selects the stored messages of a historical or combined subscription.
// Exactly one of Last or From must be set.
type ResendOptions struct {
	Last        int
	From        *protocol.MessageRef
	To          *protocol.MessageRef
	PublisherID string
	MsgChainID  string
}

// Validate checks the resend selection.
func (r *ResendOptions) Validate() error {
	switch {
	case r.Last < 0:
		return fmt.Errorf("%w: resend last cannot be negative", ErrInvalidOptions)
	case r.Last > 0 && r.From != nil:
		return fmt.Errorf("%w: resend last and from are exclusive", ErrInvalidOptions)
	case r.Last == 0 && r.From == nil:
		return fmt.Errorf("%w: resend needs last or from", ErrInvalidOptions)
	case r.To != nil && r.From == nil:
		return fmt.Errorf("%w: resend to requires from", ErrInvalidOptions)
	case r.MsgChainID != "" && r.PublisherID == "":
		return fmt.Errorf("%w: resend chain filter requires a publisher", ErrInvalidOptions)
	}
	return nil
}

// Request converts the options into a transport request for streamID/partition.
func (r *ResendOptions) Request(streamID string, partition int) transport.ResendRequest {
	return transport.ResendRequest{
		StreamID:    streamID,
		Partition:   partition,
		Last:        r.Last,
		From:        r.From,
		To:          r.To,
		PublisherID: r.PublisherID,
		MsgChainID:  r.MsgChainID,
	}
}

// Events are optional lifecycle callbacks. They are invoked outside the subscription's lock,
// in the order the events happened, and may call back into the subscription.
type Events struct {
	// OnError receives per-message and per-chain failures such as
	// *protocol.UnableToDecryptError and *protocol.GapFillFailedError
	OnError func(err error)

	// OnStateChange is called after every state transition
	OnStateChange func(from, to State)

	// OnResent is called when the historical part of a subscription has been delivered
	OnResent func()
}

// Options configure a new subscription.
type Options struct {
	StreamID  string
	Partition int
	Kind      Kind

	// Resend is required for Historical and Combined subscriptions
	Resend *ResendOptions

	// OnMessage receives ordered, decrypted messages
	OnMessage func(msg *protocol.StreamMessage)

	Events Events
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.StreamID == "" {
		return fmt.Errorf("%w: stream id cannot be empty", ErrInvalidOptions)
	}
	if protocol.IsKeyExchangeStream(o.StreamID) {
		return fmt.Errorf("%w: cannot subscribe to key-exchange stream %s", ErrInvalidOptions, o.StreamID)
	}
	if o.Partition < 0 {
		return fmt.Errorf("%w: partition cannot be negative", ErrInvalidOptions)
	}
	if o.OnMessage == nil {
		return fmt.Errorf("%w: message handler cannot be nil", ErrInvalidOptions)
	}
	switch o.Kind {
	case Realtime:
		if o.Resend != nil {
			return fmt.Errorf("%w: realtime subscriptions take no resend options", ErrInvalidOptions)
		}
	case Historical, Combined:
		if o.Resend == nil {
			return fmt.Errorf("%w: %s subscriptions need resend options", ErrInvalidOptions, o.Kind)
		}
		if err := o.Resend.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOptions, o.Kind)
	}
	return nil
}

// Stats is a point-in-time view of a subscription's buffers.
type Stats struct {
	State              State
	Delivered          int64
	Buffered           int
	AwaitingKeys       int
	PendingKeyRequests int
	Chains             int
	ActiveResends      int
}

// Subscription turns the messages of one stream partition into an ordered, decrypted callback.
type Subscription interface {
	// StreamID returns the subscribed stream.
	StreamID() string

	// Partition returns the subscribed partition.
	Partition() int

	// Kind returns the subscription kind.
	Kind() Kind

	// State returns the current lifecycle state.
	State() State

	// Start begins the lifecycle: realtime and combined subscriptions enter Subscribing,
	// historical ones enter Resending and request their stored messages.
	Start(ctx context.Context) error

	// HandleSubscribeResponse reports that the transport confirmed the realtime subscription.
	HandleSubscribeResponse(ctx context.Context) error

	// Handle accepts a realtime message of this stream partition. It never blocks on
	// network I/O.
	Handle(ctx context.Context, msg *protocol.StreamMessage) error

	// HandleGroupKeys reports that group keys published by publisherID became available.
	HandleGroupKeys(publisherID string, keyIDs []string)

	// Unsubscribe stops the subscription. Pending timers are cancelled and callbacks already
	// queued become no-ops.
	Unsubscribe() error

	// Stats returns buffer and progress counters.
	Stats() Stats
}

// Registry indexes live subscriptions by (stream, partition).
// Implementations are safe for concurrent use.
type Registry interface {
	// Add registers sub. It fails with ErrDuplicateSubscription if the partition is taken.
	Add(sub Subscription) error

	// Get returns the subscription for a stream partition.
	Get(streamID string, partition int) (Subscription, bool)

	// Remove unregisters the subscription for a stream partition.
	Remove(streamID string, partition int) (Subscription, bool)

	// ForStream returns every subscription on any partition of streamID.
	ForStream(streamID string) []Subscription

	// All returns every registered subscription.
	All() []Subscription

	// Count returns the number of registered subscriptions.
	Count() int
}
