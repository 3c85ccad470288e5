package mqttloop

import "time"

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Connection settings
	address    string
	clientID   string
	username   string
	password   []byte
	keepAlive  uint16
	cleanStart bool

	connectTimeout time.Duration

	// Reconnect pacing for LoopForever
	reconnectDelay       time.Duration
	reconnectDelayMax    time.Duration
	reconnectExponential bool

	// Limits
	maxPacketSize   uint32
	maxPendingDrain int

	// Proxy
	proxy        ProxyConfig
	proxyFromEnv bool

	// Collaborators; nil selects the default implementation
	packetIO    PacketIO
	handshaker  Handshaker
	negotiator  ProxyNegotiator
	resolver    Resolver
	connector   Connector
	keepAliveCk KeepAliveChecker
	multiplexer Multiplexer

	// Callbacks
	onDisconnect []DisconnectHandler
	onEvent      EventHandler
	onPacket     PacketCallback
	userData     any

	logger  Logger
	metrics Metrics
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:         60,
		cleanStart:        true,
		connectTimeout:    10 * time.Second,
		reconnectDelay:    1 * time.Second,
		reconnectDelayMax: 60 * time.Second,
		maxPacketSize:     MaxPacketSizeDefault,
		maxPendingDrain:   256,
		logger:            NewNoOpLogger(),
		metrics:           &NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithAddress sets the broker address: tcp://host:port, mqtt://host or
// unix:///path.
func WithAddress(address string) Option {
	return func(o *clientOptions) {
		o.address = address
	}
}

// WithClientID sets the client identifier.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables it.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanStart sets whether to start with a clean session.
func WithCleanStart(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithConnectTimeout bounds each dial made by LoopForever.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithReconnectDelay sets the LoopForever backoff. The delay after the n-th
// consecutive failure is base*(n+1) or, when exponential, base*(n+1)^2,
// capped at maxDelay.
func WithReconnectDelay(base, maxDelay time.Duration, exponential bool) Option {
	return func(o *clientOptions) {
		o.reconnectDelay = base
		o.reconnectDelayMax = maxDelay
		o.reconnectExponential = exponential
	}
}

// WithMaxPacketSize sets the largest inbound packet accepted, in bytes.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		if size > MaxPacketSizeProtocol {
			size = MaxPacketSizeProtocol
		}
		o.maxPacketSize = size
	}
}

// WithMaxPendingDrain caps the extra reads one ReadReady call performs past
// its budget while the transport holds buffered data. Remaining data is
// consumed by the next iteration without waiting.
func WithMaxPendingDrain(n int) Option {
	return func(o *clientOptions) {
		if n >= 0 {
			o.maxPendingDrain = n
		}
	}
}

// WithProxy routes connections through an HTTP CONNECT or SOCKS5 proxy.
func WithProxy(cfg ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = cfg
	}
}

// WithProxyFromEnvironment picks the proxy from HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY when no explicit proxy is set.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = enabled
	}
}

// WithPacketIO replaces the default MQTT stream.
func WithPacketIO(io PacketIO) Option {
	return func(o *clientOptions) {
		o.packetIO = io
	}
}

// WithHandshaker installs an encrypted-transport handshake.
func WithHandshaker(h Handshaker) Option {
	return func(o *clientOptions) {
		o.handshaker = h
	}
}

// WithProxyNegotiator installs an in-loop proxy negotiation.
func WithProxyNegotiator(n ProxyNegotiator) Option {
	return func(o *clientOptions) {
		o.negotiator = n
	}
}

// WithResolver installs an asynchronous resolver used in ConnStateConnectSRV.
func WithResolver(r Resolver) Option {
	return func(o *clientOptions) {
		o.resolver = r
	}
}

// WithConnector replaces the default dialer.
func WithConnector(c Connector) Option {
	return func(o *clientOptions) {
		o.connector = c
	}
}

// WithKeepAliveChecker replaces the default keep-alive tracking.
func WithKeepAliveChecker(k KeepAliveChecker) Option {
	return func(o *clientOptions) {
		o.keepAliveCk = k
	}
}

// WithMultiplexer replaces the poll(2) multiplexer.
func WithMultiplexer(m Multiplexer) Option {
	return func(o *clientOptions) {
		o.multiplexer = m
	}
}

// OnDisconnect registers a disconnect handler.
func OnDisconnect(handler DisconnectHandler) Option {
	return func(o *clientOptions) {
		if handler != nil {
			o.onDisconnect = append(o.onDisconnect, handler)
		}
	}
}

// OnEvent sets the lifecycle event handler.
// Events are *ConnectionLostError and *ReconnectEvent.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// OnPacket sets the handler for inbound packets other than CONNACK and
// PINGRESP.
func OnPacket(handler PacketCallback) Option {
	return func(o *clientOptions) {
		o.onPacket = handler
	}
}

// WithUserData sets the value passed to disconnect handlers.
func WithUserData(data any) Option {
	return func(o *clientOptions) {
		o.userData = data
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// applyOptions applies the given options to default options.
func applyOptions(opts ...Option) *clientOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
