package mqttloop

import (
	"context"
	"time"
)

// PacketIO moves whole protocol packets over the transport. Each call performs
// at most one packet operation and returns ErrWouldBlock when the transport
// cannot make progress.
type PacketIO interface {
	ReceiveOne() error
	SendOne() error

	// OutboundPending reports a partially sent packet or queued packets.
	OutboundPending() bool
}

// PacketQueuer is implemented by a PacketIO that accepts framed packets from
// the client (CONNECT, PINGREQ, DISCONNECT, redelivery).
type PacketQueuer interface {
	Enqueue(pkt []byte)
}

// ProxyNegotiator replaces the plain packet receive while a proxy handshake
// runs on the transport socket.
type ProxyNegotiator interface {
	Negotiating() bool
	ReceiveProxy() error
}

// Handshaker is the encrypted-transport handshake seen by the loop.
//
// While WantsConnect is true the loop drives ContinueHandshake instead of
// reading or writing packets, and outbound packets do not register write
// interest unless WantsWrite is true. Pending reports decrypted data buffered
// inside the transport that a readiness wait cannot see.
type Handshaker interface {
	ContinueHandshake() error
	WantsConnect() bool
	WantsWrite() bool
	Pending() bool
}

// Resolver performs asynchronous name resolution for ConnectSRV. It is polled
// only while the client has no socket and is in ConnStateConnectSRV.
type Resolver interface {
	Active() bool
	Descriptors() (read, write []int)
	Process(readable, writable []int)
}

// Connector opens the transport for a broker address.
type Connector interface {
	Dial(ctx context.Context, address string) (*Socket, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, address string) (*Socket, error)

// Dial calls f.
func (f ConnectorFunc) Dial(ctx context.Context, address string) (*Socket, error) {
	return f(ctx, address)
}

// KeepAliveChecker is the periodic maintenance run after every iteration.
type KeepAliveChecker interface {
	CheckKeepAlive() error

	// NextEvent is the time the next check must run, zero for none.
	NextEvent() time.Time
}

// DisconnectHandler is called once per lost connection. reason is nil when
// the disconnect was requested by the application.
//
// Handlers run on the loop goroutine under the callback lock and must not
// drive the loop; doing so returns ErrInCallback.
type DisconnectHandler func(client *Client, userData any, reason error)

// PacketCallback receives inbound packets the client does not handle itself.
type PacketCallback func(client *Client, header FixedHeader, body []byte)

// resetter is implemented by collaborators holding per-connection state.
type resetter interface {
	Reset()
}

// bufferedReader is implemented by a PacketIO that reads ahead of the packet
// it decodes.
type bufferedReader interface {
	Buffered() bool
}

type pingResponder interface {
	PingResponse()
}
