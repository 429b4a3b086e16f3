// Package subscription defines the subscription abstractions of the EventMesh client.
//
// This package defines:
//   - Kind: realtime, historical or combined (historical then realtime)
//   - State: the lifecycle a subscription moves through
//   - Subscription: one (stream, partition) turned into an ordered, decrypted message callback
//   - Registry: the index of live subscriptions by (stream, partition)
//
// Lifecycle:
//
//	realtime:   Subscribing -> Subscribed
//	historical: Resending -> Done
//	combined:   Subscribing -> Resending -> Subscribed
//	any:        -> Unsubscribing -> Unsubscribed
//
// Example usage:
//
//	sub, err := client.Subscribe(ctx, subscription.Options{
//		StreamID:  "orders",
//		Partition: 0,
//		Kind:      subscription.Combined,
//		Resend:    &subscription.ResendOptions{Last: 100},
//		OnMessage: func(msg *protocol.StreamMessage) {
//			fmt.Println(string(msg.Content))
//		},
//		Events: subscription.Events{
//			OnError: func(err error) {
//				var decryptErr *protocol.UnableToDecryptError
//				if errors.As(err, &decryptErr) {
//					log.Printf("skipping %s", decryptErr.Message.MessageID)
//				}
//			},
//		},
//	})
//
// Messages delivered to OnMessage are in chain order, without duplicates, and decrypted.
// Failures scoped to one message or chain are reported through Events.OnError and never stop
// other chains.
package subscription
