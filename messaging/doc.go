// Package messaging defines the transport contracts the RPC bridge is built on.
//
// A transport publishes request envelopes and hands out reply streams:
//
//	publisher := transport.Publisher()
//	err := publisher.Publish(ctx, "friends", "friend.requests", envelope)
//
//	stream, err := transport.Subscriber().Subscribe(ctx, replyQueue, messaging.ReplyQueueOptions())
//	for delivery := range stream {
//		// route delivery.CorrelationID() to the waiting call, then acknowledge
//	}
//
// A reply stream is closed when its context is cancelled or the connection is
// lost. Subscribers treat a closed stream as a disconnect and subscribe again.
package messaging
