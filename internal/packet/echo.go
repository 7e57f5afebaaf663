package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Echo is a decoded ICMP echo reply.
type Echo struct {
	ID   uint16
	Seq  uint16
	Sent time.Time
}

// RTT returns the round trip time measured against now.
func (e Echo) RTT(now time.Time) time.Duration {
	return now.Sub(e.Sent)
}

// BuildEcho serializes an echo request whose payload is the send timestamp.
// For IPv6 the checksum is computed over the pseudo-header built from src
// and dst; IPv4 ignores both addresses.
func BuildEcho(family int, id, seq uint16, sent time.Time, src, dst net.IP) ([]byte, error) {
	payload := make([]byte, EchoPayloadLen)
	binary.BigEndian.PutUint64(payload, uint64(sent.UnixNano()))

	buf := gopacket.NewSerializeBuffer()
	switch family {
	case IPv4Version:
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       id,
			Seq:      seq,
		}
		opts := gopacket.SerializeOptions{ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, icmp, gopacket.Payload(payload)); err != nil {
			return nil, fmt.Errorf("serialize icmpv4 echo: %w", err)
		}
		return buf.Bytes(), nil

	case IPv6Version:
		if src.To16() == nil || dst.To16() == nil || src.To4() != nil || dst.To4() != nil {
			return nil, ErrBadAddress
		}
		icmp := &layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
		}
		echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, icmp, echo, gopacket.Payload(payload)); err != nil {
			return nil, fmt.Errorf("serialize icmpv6 echo: %w", err)
		}
		msg := buf.Bytes()
		msg[2], msg[3] = 0, 0
		binary.BigEndian.PutUint16(msg[2:4], ICMPv6Checksum(src, dst, msg))
		return msg, nil
	}
	return nil, ErrUnsupportedFamily
}

// ParseEcho decodes an echo reply for the given family. Anything other than
// a zero-code echo reply yields ErrNotEchoReply; identifier matching is left
// to the caller.
func ParseEcho(family int, raw []byte) (Echo, error) {
	var (
		e       Echo
		payload []byte
	)
	switch family {
	case IPv4Version:
		data, err := stripIPv4(raw)
		if err != nil {
			return e, err
		}
		var icmp layers.ICMPv4
		if err := icmp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return e, fmt.Errorf("%w: %v", ErrPacketTooShort, err)
		}
		if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply || icmp.TypeCode.Code() != 0 {
			return e, fmt.Errorf("%w: %s", ErrNotEchoReply, icmp.TypeCode)
		}
		e.ID, e.Seq, payload = icmp.Id, icmp.Seq, icmp.Payload

	case IPv6Version:
		var icmp layers.ICMPv6
		if err := icmp.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
			return e, fmt.Errorf("%w: %v", ErrPacketTooShort, err)
		}
		if icmp.TypeCode.Type() != layers.ICMPv6TypeEchoReply || icmp.TypeCode.Code() != 0 {
			return e, fmt.Errorf("%w: %s", ErrNotEchoReply, icmp.TypeCode)
		}
		var echo layers.ICMPv6Echo
		if err := echo.DecodeFromBytes(icmp.Payload, gopacket.NilDecodeFeedback); err != nil {
			return e, fmt.Errorf("%w: %v", ErrPacketTooShort, err)
		}
		e.ID, e.Seq, payload = echo.Identifier, echo.SeqNumber, echo.Payload

	default:
		return e, ErrUnsupportedFamily
	}

	if len(payload) < EchoPayloadLen {
		return e, ErrMalformedTimestamp
	}
	e.Sent = time.Unix(0, int64(binary.BigEndian.Uint64(payload)))
	return e, nil
}

// ReplyFor turns an echo request into the matching reply, the way a peer's
// stack would. Used by the mock broker and tests.
func ReplyFor(family int, request []byte, src, dst net.IP) ([]byte, error) {
	if len(request) < ICMPHeaderLen {
		return nil, ErrPacketTooShort
	}
	reply := append([]byte(nil), request...)
	reply[2], reply[3] = 0, 0
	switch family {
	case IPv4Version:
		reply[0] = byte(layers.ICMPv4TypeEchoReply)
		binary.BigEndian.PutUint16(reply[2:4], Checksum(reply))
	case IPv6Version:
		reply[0] = byte(layers.ICMPv6TypeEchoReply)
		binary.BigEndian.PutUint16(reply[2:4], ICMPv6Checksum(src, dst, reply))
	default:
		return nil, ErrUnsupportedFamily
	}
	return reply, nil
}
