package mqttloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Client is one MQTT connection driven by a single loop goroutine through
// RunOnce or LoopForever. Other goroutines interact with it only through the
// lock-guarded queues, QueuePacket, QueueMessage, ConnectSRV, Disconnect and
// Wake.
type Client struct {
	options *clientOptions
	logger  Logger
	metrics *loopMetrics

	state  atomic.Int32
	closed atomic.Bool
	socket atomic.Pointer[Socket]
	wake   *WakeChannel
	mux    Multiplexer

	io         PacketIO
	handshaker Handshaker
	negotiator ProxyNegotiator
	keepAlive  KeepAliveChecker
	connector  Connector
	proxy      *ProxyDialer

	// Resolution state, shared with ConnectSRV callers
	resolverMu sync.Mutex
	resolver   Resolver
	srv        *SRVResolver
	resolveErr error
	address    string

	inbound  *MessageQueue
	outbound *MessageQueue

	// Disconnect dispatch
	callbackMu sync.Mutex
	inCallback atomic.Bool
	handlersMu sync.RWMutex
	handlers   []DisconnectHandler

	sessionStarted atomic.Bool

	// Orders QueueMessage against CONNACK redelivery so each in-flight
	// message is queued once per connection.
	inflightMu sync.Mutex

	// Set by ConnectSRV, applied on the loop goroutine
	resetPending atomic.Bool

	// Loop goroutine only
	reconnects int
	forceDrain bool
	pollLog    rate.Sometimes
	drainLog   rate.Sometimes
}

// New creates a client. No connection is made until Connect, ConnectSRV or
// LoopForever.
func New(opts ...Option) (*Client, error) {
	options := applyOptions(opts...)

	if options.clientID == "" {
		options.clientID = generateClientID()
	}

	wake, err := NewWakeChannel()
	if err != nil {
		return nil, err
	}

	c := &Client{
		options:    options,
		logger:     options.logger.WithFields(LogFields{LogFieldClientID: options.clientID}),
		metrics:    newLoopMetrics(options.metrics),
		wake:       wake,
		mux:        options.multiplexer,
		io:         options.packetIO,
		handshaker: options.handshaker,
		negotiator: options.negotiator,
		keepAlive:  options.keepAliveCk,
		connector:  options.connector,
		resolver:   options.resolver,
		address:    options.address,
		inbound:    NewMessageQueue(),
		outbound:   NewMessageQueue(),
		handlers:   slices.Clone(options.onDisconnect),
		pollLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
		drainLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	if options.proxy.URL != "" {
		pd, err := NewProxyDialer(options.proxy)
		if err != nil {
			wake.Close()
			return nil, err
		}
		c.proxy = pd
	}

	if c.mux == nil {
		c.mux = NewPollMultiplexer()
	}
	if c.connector == nil {
		c.connector = ConnectorFunc(c.dial)
	}

	var stream *Stream
	if c.io == nil {
		stream = NewStream(c.transport, options.maxPacketSize, c.handlePacket)
		c.io = stream
	}

	if c.keepAlive == nil {
		ka := NewKeepAlive(time.Duration(options.keepAlive)*time.Second, c.State, c.enqueue)
		if stream != nil {
			stream.SetActivityRecorder(ka)
		}
		c.keepAlive = ka
	}

	return c, nil
}

// ClientID returns the client identifier.
func (c *Client) ClientID() string {
	return c.options.clientID
}

// State returns the connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// SetState changes the connection state. The loop only observes it; protocol
// layers replacing the default PacketIO drive it.
func (c *Client) SetState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("state changed", LogFields{LogFieldState: s.String()})
	}
}

// Address returns the broker address currently in use.
func (c *Client) Address() string {
	c.resolverMu.Lock()
	defer c.resolverMu.Unlock()

	return c.address
}

func (c *Client) setAddress(address string) {
	c.resolverMu.Lock()
	c.address = address
	c.resolverMu.Unlock()
}

// Inbound returns the queue of received messages awaiting completion.
func (c *Client) Inbound() *MessageQueue {
	return c.inbound
}

// Outbound returns the queue of sent messages awaiting acknowledgment.
func (c *Client) Outbound() *MessageQueue {
	return c.outbound
}

// OnDisconnect registers an additional disconnect handler.
func (c *Client) OnDisconnect(handler DisconnectHandler) {
	if handler == nil {
		return
	}

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers = append(c.handlers, handler)
}

// Wake interrupts a blocked RunOnce so it re-evaluates write interest.
func (c *Client) Wake() error {
	return c.wake.Signal()
}

// QueuePacket queues a framed packet for sending and wakes the loop.
func (c *Client) QueuePacket(pkt []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if len(pkt) < 2 {
		return fmt.Errorf("%w: packet too short", ErrInvalidArgument)
	}
	if _, ok := c.io.(PacketQueuer); !ok {
		return fmt.Errorf("%w: packet I/O does not accept packets", ErrNotSupported)
	}

	c.enqueue(pkt)
	return c.Wake()
}

// QueueMessage tracks msg as in flight. Its packet is queued right away when
// connected, otherwise by the next accepted CONNACK. The message leaves the
// outbound queue on PUBACK or PUBCOMP and is resent after every reconnect
// until then.
func (c *Client) QueueMessage(msg *InflightMessage) error {
	if msg == nil {
		return ErrInvalidArgument
	}
	if c.closed.Load() {
		return ErrClientClosed
	}
	if len(msg.Packet) < 2 {
		return fmt.Errorf("%w: packet too short", ErrInvalidArgument)
	}
	if _, ok := c.io.(PacketQueuer); !ok {
		return fmt.Errorf("%w: packet I/O does not accept packets", ErrNotSupported)
	}

	c.inflightMu.Lock()
	c.outbound.Push(msg)
	connected := c.State() == ConnStateConnected
	if connected {
		c.enqueue(msg.Packet)
	}
	c.inflightMu.Unlock()

	if !connected {
		return nil
	}
	return c.Wake()
}

// Connect dials the configured address and queues CONNECT. The CONNACK is
// processed by the loop. Call it before starting the loop; LoopForever
// reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.Address() == "" {
		return fmt.Errorf("%w: no broker address", ErrInvalidArgument)
	}

	return c.reconnect(ctx)
}

// ConnectSRV looks up _mqtt._tcp.<domain> in the background. The loop polls
// the lookup and connects to the first target once it completes. The current
// socket is closed at once; the rest of the connection state is reset on the
// loop goroutine.
func (c *Client) ConnectSRV(ctx context.Context, domain string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if domain == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidArgument)
	}

	c.resolverMu.Lock()
	if c.srv == nil {
		srv, err := NewSRVResolver(c.connector, c.srvComplete)
		if err != nil {
			c.resolverMu.Unlock()
			return err
		}
		c.srv = srv
	}
	srv := c.srv
	c.resolver = srv
	c.resolveErr = nil
	c.resolverMu.Unlock()

	c.closeSocket()
	c.resetPending.Store(true)
	c.SetState(ConnStateConnectSRV)

	if err := srv.Start(ctx, domain); err != nil {
		return err
	}
	return c.Wake()
}

// Disconnect queues DISCONNECT. The loop closes the socket once it is sent and
// reports the disconnect to handlers with a nil reason.
func (c *Client) Disconnect() error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.SetState(ConnStateDisconnecting)

	if !c.socket.Load().Valid() {
		return ErrNotConnected
	}

	c.enqueue(EncodeDisconnect(0))
	return c.Wake()
}

// Close releases the socket, the wake channel and the resolver. Stop the
// loop before calling Close.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.SetState(ConnStateDisconnected)
	c.closeSocket()

	var errs []error
	c.resolverMu.Lock()
	if c.srv != nil {
		errs = append(errs, c.srv.Close())
	}
	c.resolverMu.Unlock()

	errs = append(errs, c.wake.Close())
	return errors.Join(errs...)
}

// reconnect drops the current connection, dials the current address and
// queues CONNECT. Outbound in-flight messages are kept for redelivery.
func (c *Client) reconnect(ctx context.Context) error {
	c.resetConnection()

	address := c.Address()
	c.SetState(ConnStateConnecting)

	sock, err := c.connector.Dial(ctx, address)
	if err != nil {
		c.logger.Warn("connect failed", LogFields{
			LogFieldAddress: address,
			LogFieldError:   err.Error(),
		})
		return err
	}

	return c.attach(sock, address)
}

// attach installs a connected socket and queues CONNECT.
func (c *Client) attach(sock *Socket, address string) error {
	pkt, err := EncodeConnect(c.connectOptions())
	if err != nil {
		sock.Close()
		return err
	}

	c.setAddress(address)
	if old := c.socket.Swap(sock); old != nil {
		old.Close()
	}
	if r, ok := c.keepAlive.(resetter); ok {
		r.Reset()
	}

	c.SetState(ConnStateConnecting)
	c.enqueue(pkt)

	c.logger.Info("socket attached", LogFields{
		LogFieldAddress: address,
		LogFieldFd:      sock.Fd(),
	})

	return c.Wake()
}

// resetConnection clears everything tied to one connection. Loop goroutine
// only, or before the loop starts.
func (c *Client) resetConnection() {
	c.resetPending.Store(false)
	c.closeSocket()

	for _, collaborator := range []any{c.io, c.handshaker, c.negotiator} {
		if r, ok := collaborator.(resetter); ok {
			r.Reset()
		}
	}

	c.inbound.Clear()
	c.forceDrain = false
}

// applyPendingReset runs a reset requested by ConnectSRV.
func (c *Client) applyPendingReset() {
	if c.resetPending.Load() {
		c.resetConnection()
	}
}

func (c *Client) closeSocket() {
	if s := c.socket.Swap(nil); s != nil {
		s.Close()
	}
}

// transport returns the socket for the default stream, nil when absent.
func (c *Client) transport() Transport {
	if s := c.socket.Load(); s.Valid() {
		return s
	}
	return nil
}

func (c *Client) dial(ctx context.Context, address string) (*Socket, error) {
	pd := c.proxy
	if pd == nil && c.options.proxyFromEnv {
		u, err := ProxyFromEnvironment(address)
		if err != nil {
			return nil, err
		}
		if u != nil {
			if pd, err = NewProxyDialer(ProxyConfig{URL: u.String()}); err != nil {
				return nil, err
			}
		}
	}

	return DialSocket(ctx, address, pd)
}

func (c *Client) connectOptions() ConnectOptions {
	return ConnectOptions{
		ClientID:   c.options.clientID,
		Username:   c.options.username,
		Password:   c.options.password,
		KeepAlive:  c.options.keepAlive,
		CleanStart: c.options.cleanStart,
	}
}

func (c *Client) enqueue(pkt []byte) {
	if q, ok := c.io.(PacketQueuer); ok {
		q.Enqueue(pkt)
	}
}

// activeResolver returns the resolver the loop should poll, if any.
func (c *Client) activeResolver() Resolver {
	if c.State() != ConnStateConnectSRV {
		return nil
	}

	c.resolverMu.Lock()
	r := c.resolver
	c.resolverMu.Unlock()

	if r == nil || !r.Active() {
		return nil
	}
	return r
}

// noConnection reports why there is no socket: a failed SRV lookup or dial
// once, then ErrNotConnected.
func (c *Client) noConnection() error {
	c.resolverMu.Lock()
	defer c.resolverMu.Unlock()

	if err := c.resolveErr; err != nil {
		c.resolveErr = nil
		return err
	}
	return ErrNotConnected
}

func (c *Client) srvComplete(sock *Socket, address string, err error) {
	if err == nil && c.State() != ConnStateConnectSRV {
		sock.Close()
		return
	}
	if err == nil {
		c.applyPendingReset()
		err = c.attach(sock, address)
	}
	if err == nil {
		return
	}

	if address != "" {
		c.setAddress(address)
	}
	c.logger.Error("SRV connect failed", LogFields{
		LogFieldAddress: address,
		LogFieldError:   err.Error(),
	})

	c.resolverMu.Lock()
	c.resolveErr = err
	c.resolverMu.Unlock()
}

// handlePacket is the default stream's packet sink.
func (c *Client) handlePacket(header FixedHeader, body []byte) error {
	switch header.PacketType {
	case PacketCONNACK:
		return c.handleConnack(body)
	case PacketPINGRESP:
		if p, ok := c.keepAlive.(pingResponder); ok {
			p.PingResponse()
		}
		return nil
	case PacketPUBACK, PacketPUBCOMP:
		if len(body) >= 2 {
			c.outbound.Remove(binary.BigEndian.Uint16(body))
		}
	}

	if c.options.onPacket != nil {
		c.options.onPacket(c, header, body)
	}
	return nil
}

func (c *Client) handleConnack(body []byte) error {
	sessionPresent, reason, err := ParseConnack(body)
	if err != nil {
		return err
	}
	if reason >= 0x80 {
		return NewConnectError(reason)
	}

	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()

	if c.state.CompareAndSwap(int32(ConnStateConnecting), int32(ConnStateConnected)) {
		c.logger.Info("connected", LogFields{
			LogFieldAddress:   c.Address(),
			"session_present": sessionPresent,
		})
	}

	c.resendInflight(c.sessionStarted.Swap(true))
	return nil
}

// resendInflight queues every unacknowledged outbound message again. PUBLISH
// packets carry DUP once a session has been established before.
func (c *Client) resendInflight(dup bool) {
	for _, msg := range c.outbound.Snapshot() {
		pkt := msg.Packet
		if dup && len(pkt) > 0 && PacketType(pkt[0]>>4) == PacketPUBLISH {
			pkt = slices.Clone(pkt)
			pkt[0] |= 0x08
		}
		c.enqueue(pkt)
	}
}

// emit sends an event to the event handler.
func (c *Client) emit(event error) {
	if c.options.onEvent != nil {
		c.options.onEvent(c, event)
	}
}

// generateClientID generates a client ID.
func generateClientID() string {
	return fmt.Sprintf("mqttloop-%d", time.Now().UnixNano())
}
