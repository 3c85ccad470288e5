package mqttloop

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
	PacketAUTH        PacketType = 15
)

var packetNames = [...]string{
	"UNKNOWN", "CONNECT", "CONNACK", "PUBLISH", "PUBACK", "PUBREC", "PUBREL", "PUBCOMP",
	"SUBSCRIBE", "SUBACK", "UNSUBSCRIBE", "UNSUBACK", "PINGREQ", "PINGRESP", "DISCONNECT", "AUTH",
}

// String returns the string representation of the packet type.
func (p PacketType) String() string {
	if int(p) < len(packetNames) {
		return packetNames[p]
	}
	return "UNKNOWN"
}

// Valid returns true if the packet type is valid.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketAUTH
}

// CONNACK reason codes the client maps to errors.
const (
	reasonUnsupportedProtocol   byte = 0x84
	reasonBadUserNameOrPassword byte = 0x86
	reasonNotAuthorized         byte = 0x87
	reasonBadAuthMethod         byte = 0x8C
)

const (
	// MaxPacketSizeProtocol is the largest remaining length MQTT can express.
	MaxPacketSizeProtocol uint32 = 268435455

	// MaxPacketSizeDefault is the default inbound packet limit (4MB).
	MaxPacketSizeDefault uint32 = 4 * 1024 * 1024

	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

var (
	errVarintMalformed = fmt.Errorf("%w: malformed remaining length", ErrProtocol)
	errVarintTooLarge  = errors.New("remaining length too large")
)

// FixedHeader is the first part of every MQTT control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// AppendTo encodes the header onto b.
func (h FixedHeader) AppendTo(b []byte) ([]byte, error) {
	if !h.PacketType.Valid() {
		return b, fmt.Errorf("%w: packet type %d", ErrProtocol, h.PacketType)
	}
	b = append(b, byte(h.PacketType)<<4|h.Flags&0x0F)
	return appendVarint(b, h.RemainingLength)
}

func appendVarint(b []byte, value uint32) ([]byte, error) {
	if value > MaxPacketSizeProtocol {
		return b, errVarintTooLarge
	}
	for {
		encoded := byte(value & varintValueMask)
		value >>= 7
		if value > 0 {
			encoded |= varintContinueBit
		}
		b = append(b, encoded)
		if value == 0 {
			return b, nil
		}
	}
}

func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// buildPacket frames body behind a fixed header.
func buildPacket(t PacketType, flags byte, body []byte) ([]byte, error) {
	if len(body) > int(MaxPacketSizeProtocol) {
		return nil, ErrPayloadSize
	}
	h := FixedHeader{PacketType: t, Flags: flags, RemainingLength: uint32(len(body))}
	out := make([]byte, 0, 1+varintSize(h.RemainingLength)+len(body))
	out, err := h.AppendTo(out)
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

// ConnectOptions describes the CONNECT packet sent after every dial.
type ConnectOptions struct {
	ClientID   string
	Username   string
	Password   []byte
	KeepAlive  uint16
	CleanStart bool
}

// EncodeConnect builds an MQTT 5.0 CONNECT packet without properties.
func EncodeConnect(o ConnectOptions) ([]byte, error) {
	var flags byte
	if o.CleanStart {
		flags |= 0x02
	}
	if o.Username != "" {
		flags |= 0x80
	}
	if o.Password != nil {
		flags |= 0x40
	}

	body := make([]byte, 0, 16+len(o.ClientID)+len(o.Username)+len(o.Password))
	body = appendString(body, "MQTT")
	body = append(body, 5, flags)
	body = binary.BigEndian.AppendUint16(body, o.KeepAlive)
	body = append(body, 0) // property length
	body = appendString(body, o.ClientID)
	if o.Username != "" {
		body = appendString(body, o.Username)
	}
	if o.Password != nil {
		body = binary.BigEndian.AppendUint16(body, uint16(len(o.Password)))
		body = append(body, o.Password...)
	}

	return buildPacket(PacketCONNECT, 0, body)
}

// EncodePingreq returns a PINGREQ packet.
func EncodePingreq() []byte {
	return []byte{byte(PacketPINGREQ) << 4, 0}
}

// EncodeDisconnect returns a DISCONNECT packet with the given reason code.
func EncodeDisconnect(reason byte) []byte {
	if reason == 0 {
		return []byte{byte(PacketDISCONNECT) << 4, 0}
	}
	return []byte{byte(PacketDISCONNECT) << 4, 1, reason}
}

// ParseConnack returns the session-present flag and reason code of a CONNACK
// body.
func ParseConnack(body []byte) (sessionPresent bool, reason byte, err error) {
	if len(body) < 2 {
		return false, 0, fmt.Errorf("%w: short CONNACK", ErrProtocol)
	}
	if body[0]&0xFE != 0 {
		return false, 0, fmt.Errorf("%w: CONNACK flags 0x%02x", ErrProtocol, body[0])
	}
	return body[0]&0x01 == 1, body[1], nil
}

// frameDecoder assembles one packet at a time from arbitrarily split input.
type frameDecoder struct {
	maxSize uint32

	header     FixedHeader
	haveType   bool
	lenDone    bool
	lenBytes   int
	multiplier uint32
	body       []byte
	filled     int
}

func (d *frameDecoder) reset() {
	limit := d.maxSize
	*d = frameDecoder{maxSize: limit}
}

// feed consumes bytes from p and returns how many were used and whether a
// packet is complete. After completion, packet() returns it and the caller
// must reset the decoder.
func (d *frameDecoder) feed(p []byte) (int, bool, error) {
	used := 0

	if !d.haveType && used < len(p) {
		d.header.PacketType = PacketType(p[used] >> 4)
		d.header.Flags = p[used] & 0x0F
		d.haveType = true
		d.multiplier = 1
		used++
		if !d.header.PacketType.Valid() {
			return used, false, fmt.Errorf("%w: packet type %d", ErrProtocol, d.header.PacketType)
		}
	}

	for !d.lenDone && used < len(p) {
		encoded := p[used]
		used++
		d.lenBytes++
		d.header.RemainingLength += uint32(encoded&varintValueMask) * d.multiplier
		if encoded&varintContinueBit == 0 {
			d.lenDone = true
			break
		}
		if d.lenBytes == 4 {
			return used, false, errVarintMalformed
		}
		d.multiplier *= 128
	}

	if !d.lenDone {
		return used, false, nil
	}

	if d.body == nil {
		total := 1 + uint32(d.lenBytes) + d.header.RemainingLength
		if d.maxSize > 0 && total > d.maxSize {
			return used, false, fmt.Errorf("%w: packet of %d bytes exceeds %d", ErrPayloadSize, total, d.maxSize)
		}
		d.body = make([]byte, d.header.RemainingLength)
	}

	n := copy(d.body[d.filled:], p[used:])
	d.filled += n
	used += n

	return used, d.filled == len(d.body), nil
}

// needed returns how many more bytes the current packet requires, at least
// one when the length is still unknown.
func (d *frameDecoder) needed() int {
	if !d.lenDone {
		return 1
	}
	if rest := int(d.header.RemainingLength) - d.filled; rest > 0 {
		return rest
	}
	return 0
}

func (d *frameDecoder) packet() (FixedHeader, []byte) {
	return d.header, d.body
}
