package mqttloop

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// errDisconnectSent ends the connection after our DISCONNECT left the socket.
var errDisconnectSent = errors.New("disconnect sent")

const streamReadBuffer = 4096

// PacketHandler receives every complete inbound packet.
type PacketHandler func(header FixedHeader, body []byte) error

// ActivityRecorder is told about completed packet transfers.
type ActivityRecorder interface {
	MarkInbound(t time.Time)
	MarkOutbound(t time.Time)
}

// Transport is the byte-level connection a Stream frames packets over.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Stream is the default PacketIO: MQTT framing over a non-blocking
// transport with an outbound packet queue.
type Stream struct {
	transport func() Transport
	handler   PacketHandler
	activity  ActivityRecorder

	// read side, loop goroutine only
	decoder frameDecoder
	rbuf    []byte
	rpos    int
	rend    int

	// write side; current is loop goroutine only
	outMu   sync.Mutex
	out     *queue.Queue
	current []byte
	sent    int
}

// NewStream creates a Stream. transport is consulted on every operation so
// the stream follows reconnects.
func NewStream(transport func() Transport, maxPacketSize uint32, handler PacketHandler) *Stream {
	return &Stream{
		transport: transport,
		handler:   handler,
		decoder:   frameDecoder{maxSize: maxPacketSize},
		rbuf:      make([]byte, streamReadBuffer),
		out:       queue.New(),
	}
}

// SetActivityRecorder installs the keep-alive activity sink.
func (s *Stream) SetActivityRecorder(a ActivityRecorder) {
	s.activity = a
}

// Enqueue appends a framed packet to the outbound queue. Safe for concurrent
// use.
func (s *Stream) Enqueue(pkt []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	s.out.Add(pkt)
}

// OutboundPending reports a partially sent packet or a non-empty queue.
func (s *Stream) OutboundPending() bool {
	if s.current != nil {
		return true
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	return s.out.Length() > 0
}

// Buffered reports bytes already read from the socket but not yet decoded.
func (s *Stream) Buffered() bool {
	return s.rpos < s.rend
}

// Reset drops partial packets in both directions and the outbound queue.
func (s *Stream) Reset() {
	s.decoder.reset()
	s.rpos, s.rend = 0, 0
	s.current, s.sent = nil, 0

	s.outMu.Lock()
	s.out = queue.New()
	s.outMu.Unlock()
}

// ReceiveOne decodes one packet and hands it to the handler. A packet split
// across reads survives ErrWouldBlock.
func (s *Stream) ReceiveOne() error {
	t := s.transport()
	if t == nil {
		return ErrNotConnected
	}

	for {
		if s.rpos < s.rend {
			used, done, err := s.decoder.feed(s.rbuf[s.rpos:s.rend])
			s.rpos += used
			if err != nil {
				return err
			}
			if done {
				header, body := s.decoder.packet()
				s.decoder.reset()
				if s.activity != nil {
					s.activity.MarkInbound(time.Now())
				}
				if s.handler == nil {
					return nil
				}
				return s.handler(header, body)
			}
			continue
		}

		s.rpos, s.rend = 0, 0
		n, err := t.Read(s.rbuf)
		if err != nil {
			return err
		}
		s.rend = n
	}
}

// SendOne writes the current packet, taking the next from the queue when
// none is in progress. Returns ErrWouldBlock when idle or when the socket is
// full.
func (s *Stream) SendOne() error {
	t := s.transport()
	if t == nil {
		return ErrNotConnected
	}

	if s.current == nil {
		s.outMu.Lock()
		if s.out.Length() > 0 {
			s.current = s.out.Remove().([]byte)
			s.sent = 0
		}
		s.outMu.Unlock()
	}
	if s.current == nil {
		return ErrWouldBlock
	}

	for s.sent < len(s.current) {
		n, err := t.Write(s.current[s.sent:])
		if err != nil {
			return err
		}
		s.sent += n
	}

	disconnect := len(s.current) > 0 && PacketType(s.current[0]>>4) == PacketDISCONNECT
	s.current, s.sent = nil, 0

	if s.activity != nil {
		s.activity.MarkOutbound(time.Now())
	}
	if disconnect {
		return errDisconnectSent
	}
	return nil
}
