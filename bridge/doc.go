// Package bridge provides synchronous request-response calls over asynchronous messaging.
//
// A SyncAsyncBridge publishes each request with a fresh correlation ID and a
// reply-to address naming one shared reply queue, then suspends the caller
// until exactly one outcome arrives: the matching reply, the call's timeout,
// a transport failure, or cancellation of the caller's context.
//
// The bridge is composed of three parts:
//   - Registry maps correlation IDs to pending calls and retires each call exactly once
//   - ReplyListener consumes the reply queue and routes replies to the registry
//   - Dispatcher registers, publishes and waits
//
// Basic usage:
//
//	b, err := bridge.NewSyncAsyncBridge(publisher, subscriber,
//	    bridge.WithExchange("friends"),
//	    bridge.WithRoutingKey("friend.rpc"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	resp, err := bridge.Request(ctx, b, contracts.CreateFriend,
//	    contracts.CreateFriendRequest{SenderID: "A", ReceiverID: "B"},
//	    bridge.WithTimeout(5*time.Second))
//	if bridge.IsTimeout(err) {
//	    // no reply within 5s
//	}
//
// When the reply subscription drops, every pending call fails with a
// transport failure and new calls are refused until the listener has
// re-subscribed.
package bridge
