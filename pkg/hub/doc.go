// Package hub implements the realtime channel of the emergency-response platform.
//
// # Features
//
//   - Connection registry with one identity per connection, never reused
//   - Heartbeat probing that reaps silent peers after a fixed grace window,
//     never sooner than interval+timeout after they connect
//   - Topic subscriptions with a consistent forward/reverse index
//   - Inbound routing with per-address rate limiting
//   - Fire-and-forget per-connection fanout so one slow peer never stalls the others
//   - Typed connect / disconnect / client-event listeners on a worker pool;
//     connect and disconnect events are never dropped
//
// # Basic Usage
//
//	h, err := hub.New(
//	    hub.WithHeartbeatInterval(30*time.Second),
//	    hub.WithHeartbeatTimeout(10*time.Second),
//	    hub.WithCheckOriginWhitelist([]string{"https://console.example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = h.Run()
//	defer h.Shutdown(context.Background())
//
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    _ = h.HandleUpgrade(w, r)
//	})
//
//	// producers
//	n, err := h.Publish(ctx, "emergency", map[string]any{"alertId": "a-1"})
//
//	// consumers
//	h.OnDisconnect(func(ev hub.DisconnectEvent) {
//	    log.Printf("%s left: %s", ev.Entry.ID, ev.Reason)
//	})
//
// # Wire Protocol
//
// Server to client: {"type":"connected","id":...}, {"type":"PING"},
// {"type":"subscribed","channels":[...]}, {"type":"unsubscribed","channels":[...]},
// {"type":"error","error":...,"retryAfter":ms}. Broadcasts are the payload object
// with "type" set to the topic.
//
// Client to server: {"type":"SUBSCRIBE","events":[...]},
// {"type":"UNSUBSCRIBE","events":[...]}, {"type":"PONG"}. Kinds are matched
// case-insensitively.
package hub
