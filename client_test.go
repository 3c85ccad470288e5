//go:build linux || darwin || freebsd || netbsd || openbsd

package mqttloop

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// readPeer reads exactly n bytes from the broker end of a socket pair.
func readPeer(t *testing.T, fd, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := unix.Read(fd, buf[got:])
		require.NoError(t, err)
		require.Positive(t, m)
		got += m
	}
	return buf
}

func writePeer(t *testing.T, fd int, data []byte) {
	t.Helper()

	_, err := unix.Write(fd, data)
	require.NoError(t, err)
}

var connackAccepted = []byte{0x20, 0x03, 0x00, 0x00, 0x00}

// streamClient connects a client with the default stream and returns it with
// the broker end of its socket.
func streamClient(t *testing.T, opts ...Option) (*Client, *pairConnector, int) {
	t.Helper()

	connector := &pairConnector{t: t}
	base := []Option{
		WithAddress("tcp://broker:1883"),
		WithClientID("c1"),
		WithConnector(connector),
		WithKeepAlive(0),
	}
	c := newTestClient(t, append(base, opts...)...)
	require.NoError(t, c.Connect(context.Background()))

	return c, connector, connector.lastPeer()
}

func expectConnect(t *testing.T, c *Client, peer int) {
	t.Helper()

	connect, err := EncodeConnect(c.connectOptions())
	require.NoError(t, err)

	require.NoError(t, c.RunOnce(time.Second, 1))
	assert.Equal(t, connect, readPeer(t, peer, len(connect)))
}

func TestClientConnect(t *testing.T) {
	t.Run("CONNECT then CONNACK", func(t *testing.T) {
		c, _, peer := streamClient(t)
		assert.Equal(t, ConnStateConnecting, c.State())

		expectConnect(t, c, peer)

		writePeer(t, peer, connackAccepted)
		require.NoError(t, c.RunOnce(time.Second, 1))
		assert.Equal(t, ConnStateConnected, c.State())
	})

	t.Run("refused CONNACK is fatal for bad credentials", func(t *testing.T) {
		var reasons []error
		c, _, peer := streamClient(t, OnDisconnect(func(_ *Client, _ any, reason error) {
			reasons = append(reasons, reason)
		}))
		expectConnect(t, c, peer)

		writePeer(t, peer, []byte{0x20, 0x03, 0x00, 0x86, 0x00})
		err := c.RunOnce(time.Second, 1)

		assert.ErrorIs(t, err, ErrAuth)
		assert.True(t, IsFatal(err))
		assert.False(t, c.socket.Load().Valid())
		assert.Len(t, reasons, 1)
	})

	t.Run("missing address", func(t *testing.T) {
		c := newTestClient(t)
		assert.ErrorIs(t, c.Connect(context.Background()), ErrInvalidArgument)
	})

	t.Run("dial failure leaves no socket", func(t *testing.T) {
		connector := &pairConnector{t: t, err: ErrConnectionRefused}
		c := newTestClient(t, WithAddress("tcp://broker:1883"), WithConnector(connector))

		assert.ErrorIs(t, c.Connect(context.Background()), ErrConnectionRefused)
		assert.ErrorIs(t, c.RunOnce(0, 1), ErrNotConnected)
	})

	t.Run("generated client id", func(t *testing.T) {
		c := newTestClient(t)
		assert.True(t, strings.HasPrefix(c.ClientID(), "mqttloop-"))
	})
}

func TestClientPackets(t *testing.T) {
	t.Run("PINGRESP clears the keep-alive", func(t *testing.T) {
		c, _, peer := streamClient(t, WithKeepAlive(1))
		expectConnect(t, c, peer)
		writePeer(t, peer, connackAccepted)
		require.NoError(t, c.RunOnce(time.Second, 1))

		ka := c.keepAlive.(*KeepAlive)
		ka.mu.Lock()
		ka.lastIn = ka.lastIn.Add(-2 * time.Second)
		ka.lastOut = ka.lastOut.Add(-2 * time.Second)
		ka.mu.Unlock()

		require.NoError(t, c.RunMaintenance())
		require.NoError(t, c.RunOnce(time.Second, 1))
		assert.Equal(t, EncodePingreq(), readPeer(t, peer, 2))

		writePeer(t, peer, []byte{0xD0, 0x00})
		require.NoError(t, c.RunOnce(time.Second, 1))

		ka.mu.Lock()
		assert.True(t, ka.pingSent.IsZero())
		ka.mu.Unlock()
	})

	t.Run("acknowledgments release in-flight messages", func(t *testing.T) {
		var other []PacketType
		c, _, peer := streamClient(t, OnPacket(func(_ *Client, h FixedHeader, _ []byte) {
			other = append(other, h.PacketType)
		}))
		expectConnect(t, c, peer)
		writePeer(t, peer, connackAccepted)
		require.NoError(t, c.RunOnce(time.Second, 1))

		c.Outbound().Push(&InflightMessage{PacketID: 7, QoS: 1})
		c.Outbound().Push(&InflightMessage{PacketID: 8, QoS: 2})

		writePeer(t, peer, []byte{0x40, 0x02, 0x00, 0x07})
		require.NoError(t, c.RunOnce(time.Second, 1))

		assert.Equal(t, 1, c.Outbound().Len())
		msg, ok := c.Outbound().Peek()
		require.True(t, ok)
		assert.Equal(t, uint16(8), msg.PacketID)
		assert.Equal(t, []PacketType{PacketPUBACK}, other)
	})

	t.Run("queue packet validation", func(t *testing.T) {
		c, _, _ := streamClient(t)

		assert.ErrorIs(t, c.QueuePacket([]byte{0xC0}), ErrInvalidArgument)
		assert.ErrorIs(t, c.QueueMessage(nil), ErrInvalidArgument)
	})

	t.Run("custom packet IO without queue", func(t *testing.T) {
		c := newTestClient(t, WithPacketIO(&sendOnlyIO{}))
		assert.ErrorIs(t, c.QueuePacket(EncodePingreq()), ErrNotSupported)
	})

	t.Run("queued packet is written by the loop", func(t *testing.T) {
		c, _, peer := streamClient(t)
		expectConnect(t, c, peer)

		require.NoError(t, c.QueuePacket(EncodePingreq()))
		require.NoError(t, c.RunOnce(time.Second, 1))
		assert.Equal(t, EncodePingreq(), readPeer(t, peer, 2))
	})
}

// sendOnlyIO is a PacketIO that does not accept client packets.
type sendOnlyIO struct{}

func (sendOnlyIO) ReceiveOne() error     { return ErrWouldBlock }
func (sendOnlyIO) SendOne() error        { return ErrWouldBlock }
func (sendOnlyIO) OutboundPending() bool { return false }

// assertPeerIdle checks that nothing more is waiting at the broker end.
func assertPeerIdle(t *testing.T, fd int) {
	t.Helper()

	_, _, err := unix.Recvfrom(fd, make([]byte, 1), unix.MSG_DONTWAIT)
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestClientQueueMessage(t *testing.T) {
	publish := []byte{0x32, 0x07, 0x00, 0x01, 't', 0x00, 0x01, 'h', 'i'}

	t.Run("queued before CONNACK is sent once", func(t *testing.T) {
		c, _, peer := streamClient(t)
		expectConnect(t, c, peer)

		require.NoError(t, c.QueueMessage(&InflightMessage{PacketID: 1, QoS: 1, Packet: publish}))
		assert.False(t, c.io.OutboundPending())

		writePeer(t, peer, connackAccepted)
		for range 3 {
			require.NoError(t, c.RunOnce(10*time.Millisecond, 1))
		}

		assert.Equal(t, publish, readPeer(t, peer, len(publish)))
		assertPeerIdle(t, peer)
		assert.Equal(t, 1, c.Outbound().Len())
	})

	t.Run("queued while connected is sent once", func(t *testing.T) {
		c, _, peer := streamClient(t)
		expectConnect(t, c, peer)
		writePeer(t, peer, connackAccepted)
		require.NoError(t, c.RunOnce(time.Second, 1))
		require.Equal(t, ConnStateConnected, c.State())

		require.NoError(t, c.QueueMessage(&InflightMessage{PacketID: 2, QoS: 1, Packet: publish}))
		assert.True(t, c.io.OutboundPending())
		for range 2 {
			require.NoError(t, c.RunOnce(10*time.Millisecond, 1))
		}

		assert.Equal(t, publish, readPeer(t, peer, len(publish)))
		assertPeerIdle(t, peer)
	})

	t.Run("short packet", func(t *testing.T) {
		c, _, _ := streamClient(t)
		assert.ErrorIs(t, c.QueueMessage(&InflightMessage{PacketID: 1, Packet: []byte{0x32}}), ErrInvalidArgument)
		assert.Zero(t, c.Outbound().Len())
	})
}

func TestClientRedelivery(t *testing.T) {
	publish := []byte{0x32, 0x06, 0x00, 0x01, 't', 0x00, 0x05, 'x'}

	c, connector, peer := streamClient(t, WithCleanStart(false))
	expectConnect(t, c, peer)
	writePeer(t, peer, connackAccepted)
	require.NoError(t, c.RunOnce(time.Second, 1))

	require.NoError(t, c.QueueMessage(&InflightMessage{PacketID: 5, QoS: 1, Packet: publish}))
	require.NoError(t, c.RunOnce(time.Second, 1))
	assert.Equal(t, publish, readPeer(t, peer, len(publish)))

	// Connection drops before PUBACK; the message is resent with DUP.
	require.NoError(t, c.reconnect(context.Background()))
	peer = connector.lastPeer()
	expectConnect(t, c, peer)

	writePeer(t, peer, []byte{0x20, 0x03, 0x01, 0x00, 0x00})
	require.NoError(t, c.RunOnce(time.Second, 1))
	require.NoError(t, c.RunOnce(time.Second, 1))

	resent := readPeer(t, peer, len(publish))
	assert.Equal(t, publish[0]|0x08, resent[0])
	assert.Equal(t, publish[1:], resent[1:])
	assert.Equal(t, byte(0x32), publish[0])
	assert.Equal(t, 1, c.Outbound().Len())
}

func TestClientDisconnect(t *testing.T) {
	t.Run("DISCONNECT is written and reported as clean", func(t *testing.T) {
		var reasons []error
		c, _, peer := streamClient(t, OnDisconnect(func(_ *Client, _ any, reason error) {
			reasons = append(reasons, reason)
		}))
		expectConnect(t, c, peer)

		require.NoError(t, c.Disconnect())
		assert.NoError(t, c.RunOnce(time.Second, 1))

		assert.Equal(t, EncodeDisconnect(0), readPeer(t, peer, 2))
		assert.Equal(t, ConnStateDisconnected, c.State())
		assert.False(t, c.socket.Load().Valid())
		assert.Equal(t, []error{nil}, reasons)
	})

	t.Run("without socket", func(t *testing.T) {
		c := newTestClient(t)

		assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
		assert.Equal(t, ConnStateDisconnecting, c.State())
	})
}

func TestClientClose(t *testing.T) {
	c, _, _ := streamClient(t)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	assert.Equal(t, ConnStateDisconnected, c.State())
	assert.False(t, c.socket.Load().Valid())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	assert.ErrorIs(t, c.QueuePacket(EncodePingreq()), ErrClientClosed)
	assert.ErrorIs(t, c.Disconnect(), ErrClientClosed)
	assert.ErrorIs(t, c.Wake(), ErrClientClosed)
}
