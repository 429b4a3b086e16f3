// Package transport defines the narrow interfaces through which the subscription engine
// reaches the outside world.
//
// The engine never owns a connection. It consumes:
//   - Publisher: a sink for outgoing key-exchange messages
//   - Resender: a source of stored messages for historical subscriptions and gap fills
//
// Inbound realtime messages are pushed into the engine by whoever owns the connection
// (see internal/client.Client.HandleMessage). Messages handed to the engine are expected to be
// authenticated and signature-verified already.
//
// Example usage:
//
//	msgs, errs := resender.Resend(ctx, transport.ResendRequest{
//		StreamID:  "orders",
//		Partition: 0,
//		Last:      10,
//	})
//	for msg := range msgs {
//		process(msg)
//	}
//	if err := <-errs; err != nil {
//		return err
//	}
package transport
