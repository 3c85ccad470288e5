// Package mqttloop drives a single MQTT client connection over non-blocking
// sockets with a poll(2) readiness loop.
//
// The loop multiplexes the broker socket, an internal wake channel and, while
// an SRV lookup runs, the resolver's descriptor. Each wake-up performs a
// number of packet operations proportional to the in-flight message backlog,
// then runs keep-alive maintenance. LoopForever adds reconnection with linear
// or exponential backoff and stops on fatal errors.
//
// The package targets Unix systems.
//
// # Driving the loop
//
// Manually, one iteration per call:
//
//	client, err := mqttloop.New(
//	    mqttloop.WithAddress("tcp://localhost:1883"),
//	    mqttloop.WithClientID("sensor-1"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	for {
//	    if err := client.RunOnce(time.Second, 1); err != nil {
//	        return err
//	    }
//	}
//
// Or with reconnects until ctx is cancelled:
//
//	err := client.LoopForever(ctx, -1, 1)
//
// Other goroutines queue packets with QueuePacket or QueueMessage; both wake
// a blocked wait so the packet is written on the next iteration.
//
// # Failures
//
// A failed packet operation closes the socket and calls every disconnect
// handler once, under the callback lock. Failures seen while the application
// is disconnecting are reported with a nil reason. Handlers must not drive
// the loop; such calls return ErrInCallback.
//
// LoopForever classifies failures with IsFatal:
//
//	if errors.Is(err, mqttloop.ErrAuth) {
//	    // bad credentials, LoopForever stopped
//	}
//
// # Collaborators
//
// Packet framing, TLS handshakes, proxy negotiation, name resolution and
// keep-alive are interfaces (PacketIO, Handshaker, ProxyNegotiator, Resolver,
// KeepAliveChecker). The defaults are Stream, no handshake, dial-time
// HTTP CONNECT or SOCKS5 proxying, SRVResolver and KeepAlive.
package mqttloop
